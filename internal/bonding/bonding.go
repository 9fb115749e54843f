// Package bonding implements a virtual-reserve bonding curve that holds
// virtualReserve * virtualSupply at a constant K fixed when the curve is
// created.
//
// Integer rounding always favours the curve: a buy rounds the remaining
// supply down and a sell rounds the remaining reserve down, so
// reserve * supply never exceeds K. A buy immediately followed by a sell of
// the tokens received therefore returns at most the reserve paid in.
package bonding

import (
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/fixedpoint"
	"github.com/atmx/ledger-engine/internal/ledgererr"
)

// Curve is an immutable bonding curve snapshot.
type Curve struct {
	VirtualReserve uint256.Int `json:"virtual_reserve"`
	VirtualSupply  uint256.Int `json:"virtual_supply"`
	K              uint256.Int `json:"k"`
}

// NewCurve creates a curve with the given virtual reserve and supply.
func NewCurve(reserve, supply uint256.Int) (Curve, error) {
	if reserve.IsZero() || supply.IsZero() {
		return Curve{}, fmt.Errorf("%w: reserve and supply must be positive", ledgererr.ErrInvalidAmount)
	}
	k, err := fixedpoint.Mul(reserve, supply)
	if err != nil {
		return Curve{}, err
	}
	return Curve{VirtualReserve: reserve, VirtualSupply: supply, K: k}, nil
}

// Buy pays reserveIn into the curve and returns the tokens released.
func Buy(c Curve, reserveIn uint256.Int) (Curve, uint256.Int, error) {
	if reserveIn.IsZero() {
		return c, fixedpoint.Zero, fmt.Errorf("%w: reserveIn is zero", ledgererr.ErrInvalidAmount)
	}
	newReserve, err := fixedpoint.Add(c.VirtualReserve, reserveIn)
	if err != nil {
		return c, fixedpoint.Zero, err
	}
	newSupply, err := fixedpoint.Div(c.K, newReserve)
	if err != nil {
		return c, fixedpoint.Zero, err
	}
	if !newSupply.Lt(&c.VirtualSupply) {
		return c, fixedpoint.Zero, fmt.Errorf("%w: reserveIn %s buys zero tokens", ledgererr.ErrInvalidAmount, reserveIn.Dec())
	}

	var tokensOut uint256.Int
	tokensOut.Sub(&c.VirtualSupply, &newSupply)

	next := c
	next.VirtualReserve = newReserve
	next.VirtualSupply = newSupply
	return next, tokensOut, nil
}

// Sell returns tokensIn to the curve and releases reserve.
func Sell(c Curve, tokensIn uint256.Int) (Curve, uint256.Int, error) {
	if tokensIn.IsZero() {
		return c, fixedpoint.Zero, fmt.Errorf("%w: tokensIn is zero", ledgererr.ErrInvalidAmount)
	}
	if tokensIn.Gt(&c.VirtualSupply) {
		return c, fixedpoint.Zero, fmt.Errorf("%w: selling %s against supply %s",
			ledgererr.ErrInsufficientSupply, tokensIn.Dec(), c.VirtualSupply.Dec())
	}
	newSupply, err := fixedpoint.Add(c.VirtualSupply, tokensIn)
	if err != nil {
		return c, fixedpoint.Zero, err
	}
	newReserve, err := fixedpoint.Div(c.K, newSupply)
	if err != nil {
		return c, fixedpoint.Zero, err
	}
	if !newReserve.Lt(&c.VirtualReserve) {
		return c, fixedpoint.Zero, fmt.Errorf("%w: tokensIn %s releases zero reserve", ledgererr.ErrInvalidAmount, tokensIn.Dec())
	}

	var reserveOut uint256.Int
	reserveOut.Sub(&c.VirtualReserve, &newReserve)

	next := c
	next.VirtualReserve = newReserve
	next.VirtualSupply = newSupply
	return next, reserveOut, nil
}

// QuoteBuy reports the tokens reserveIn would buy.
func QuoteBuy(c Curve, reserveIn uint256.Int) (uint256.Int, error) {
	_, out, err := Buy(c, reserveIn)
	return out, err
}

// QuoteSell reports the reserve tokensIn would release.
func QuoteSell(c Curve, tokensIn uint256.Int) (uint256.Int, error) {
	_, out, err := Sell(c, tokensIn)
	return out, err
}

// SpotPrice is the marginal reserve cost of one token (reserve / supply).
func SpotPrice(c Curve) (decimal.Decimal, error) {
	return fixedpoint.RatioDecimal(c.VirtualReserve, c.VirtualSupply, fixedpoint.DisplayScale)
}
