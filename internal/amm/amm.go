// Package amm implements a constant-product (x * y = k) two-asset pool.
//
// Like every ledger primitive, it is stateless: a Pool is a value, each
// operation returns a new Pool plus a result, and the input Pool is never
// modified. Fees stay in the pool, so the product of the reserves never
// decreases across a swap.
//
// All arithmetic is integer-only via the fixedpoint package.
package amm

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/fixedpoint"
	"github.com/atmx/ledger-engine/internal/ledgererr"
)

// DefaultFeeBps is the default swap fee (0.30%).
const DefaultFeeBps = 30

// Token selects one side of a pool.
type Token string

const (
	TokenA Token = "A"
	TokenB Token = "B"
)

// Pool is an immutable snapshot of a constant-product pool.
type Pool struct {
	ReserveA    uint256.Int `json:"reserve_a"`
	ReserveB    uint256.Int `json:"reserve_b"`
	TotalShares uint256.Int `json:"total_shares"`
	FeeBps      uint16      `json:"fee_bps"`
}

// NewPool returns an empty pool charging feeBps on every swap.
func NewPool(feeBps uint16) (Pool, error) {
	if err := fixedpoint.ValidateBps(uint64(feeBps)); err != nil {
		return Pool{}, err
	}
	return Pool{FeeBps: feeBps}, nil
}

// HasLiquidity reports whether both reserves are non-zero.
func (p Pool) HasLiquidity() bool {
	return !p.ReserveA.IsZero() && !p.ReserveB.IsZero()
}

func (p Pool) reserves(tokenIn Token) (in, out uint256.Int, err error) {
	switch tokenIn {
	case TokenA:
		return p.ReserveA, p.ReserveB, nil
	case TokenB:
		return p.ReserveB, p.ReserveA, nil
	default:
		return in, out, fmt.Errorf("%w: unknown token side %q", ledgererr.ErrInvalidRange, tokenIn)
	}
}

// QuoteSwap computes the output of swapping amountIn of tokenIn without
// producing a new pool:
//
//	amountInNet = amountIn * (10000 - feeBps) / 10000
//	amountOut   = amountInNet * reserveOut / (reserveIn + amountInNet)
func QuoteSwap(p Pool, tokenIn Token, amountIn uint256.Int) (uint256.Int, error) {
	reserveIn, reserveOut, err := p.reserves(tokenIn)
	if err != nil {
		return fixedpoint.Zero, err
	}
	if err := fixedpoint.ValidateBps(uint64(p.FeeBps)); err != nil {
		return fixedpoint.Zero, err
	}
	if amountIn.IsZero() {
		return fixedpoint.Zero, fmt.Errorf("%w: amountIn is zero", ledgererr.ErrInvalidAmount)
	}
	if reserveIn.IsZero() || reserveOut.IsZero() {
		return fixedpoint.Zero, fmt.Errorf("%w: pool has no liquidity", ledgererr.ErrInsufficientLiquidity)
	}

	amountInNet, err := fixedpoint.PercentageOf(amountIn, uint64(fixedpoint.BpsDenominator-p.FeeBps))
	if err != nil {
		return fixedpoint.Zero, err
	}
	denominator, err := fixedpoint.Add(reserveIn, amountInNet)
	if err != nil {
		return fixedpoint.Zero, err
	}
	amountOut, err := fixedpoint.MulDiv(amountInNet, reserveOut, denominator)
	if err != nil {
		return fixedpoint.Zero, err
	}
	if amountOut.IsZero() {
		return fixedpoint.Zero, fmt.Errorf("%w: amountIn %s yields zero output", ledgererr.ErrInsufficientLiquidity, amountIn.Dec())
	}
	return amountOut, nil
}

// Swap trades amountIn of tokenIn against the pool. The full amountIn
// (fee included) is added to the input reserve; amountOut is removed from
// the output reserve.
func Swap(p Pool, tokenIn Token, amountIn uint256.Int) (Pool, uint256.Int, error) {
	amountOut, err := QuoteSwap(p, tokenIn, amountIn)
	if err != nil {
		return p, fixedpoint.Zero, err
	}
	reserveIn, reserveOut, _ := p.reserves(tokenIn)

	newIn, err := fixedpoint.Add(reserveIn, amountIn)
	if err != nil {
		return p, fixedpoint.Zero, err
	}
	newOut, err := fixedpoint.Sub(reserveOut, amountOut)
	if err != nil {
		return p, fixedpoint.Zero, err
	}

	next := p
	if tokenIn == TokenA {
		next.ReserveA, next.ReserveB = newIn, newOut
	} else {
		next.ReserveB, next.ReserveA = newIn, newOut
	}
	return next, amountOut, nil
}

// Invariant returns reserveA * reserveB at full precision.
func Invariant(p Pool) *big.Int {
	return fixedpoint.Product(p.ReserveA, p.ReserveB)
}

// SpotPrice returns the marginal price of A denominated in B
// (reserveB / reserveA), for display.
func SpotPrice(p Pool) (decimal.Decimal, error) {
	if !p.HasLiquidity() {
		return decimal.Zero, fmt.Errorf("%w: pool has no liquidity", ledgererr.ErrInsufficientLiquidity)
	}
	return fixedpoint.RatioDecimal(p.ReserveB, p.ReserveA, fixedpoint.DisplayScale)
}
