package amm

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/atmx/ledger-engine/internal/fixedpoint"
	"github.com/atmx/ledger-engine/internal/ledgererr"
)

// AddLiquidity deposits amountA and amountB and mints LP shares.
//
// The first deposit mints isqrt(amountA * amountB). Later deposits mint
// amountA * totalShares / reserveA; the caller is responsible for supplying
// amountB in the current ratio (see WithinRatio). The engine never
// rebalances a deposit.
func AddLiquidity(p Pool, amountA, amountB uint256.Int) (Pool, uint256.Int, error) {
	if amountA.IsZero() || amountB.IsZero() {
		return p, fixedpoint.Zero, fmt.Errorf("%w: both deposit amounts must be positive", ledgererr.ErrInvalidAmount)
	}

	var shares uint256.Int
	if p.TotalShares.IsZero() {
		shares = fixedpoint.SqrtProduct(amountA, amountB)
	} else {
		if p.ReserveA.IsZero() {
			return p, fixedpoint.Zero, fmt.Errorf("%w: shares outstanding against an empty reserve", ledgererr.ErrInsufficientLiquidity)
		}
		var err error
		shares, err = fixedpoint.MulDiv(amountA, p.TotalShares, p.ReserveA)
		if err != nil {
			return p, fixedpoint.Zero, err
		}
	}
	if shares.IsZero() {
		return p, fixedpoint.Zero, fmt.Errorf("%w: deposit too small to mint shares", ledgererr.ErrInvalidAmount)
	}

	next := p
	var err error
	if next.ReserveA, err = fixedpoint.Add(p.ReserveA, amountA); err != nil {
		return p, fixedpoint.Zero, err
	}
	if next.ReserveB, err = fixedpoint.Add(p.ReserveB, amountB); err != nil {
		return p, fixedpoint.Zero, err
	}
	if next.TotalShares, err = fixedpoint.Add(p.TotalShares, shares); err != nil {
		return p, fixedpoint.Zero, err
	}
	return next, shares, nil
}

// WithinRatio reports whether amountB is within toleranceBps of the amount
// implied by the pool's current price (amountA * reserveB / reserveA). An
// empty pool accepts any ratio, since the first deposit sets the price.
func WithinRatio(p Pool, amountA, amountB uint256.Int, toleranceBps uint64) (bool, error) {
	if err := fixedpoint.ValidateBps(toleranceBps); err != nil {
		return false, err
	}
	if p.TotalShares.IsZero() {
		return true, nil
	}
	implied, err := fixedpoint.MulDiv(amountA, p.ReserveB, p.ReserveA)
	if err != nil {
		return false, err
	}
	allowed, err := fixedpoint.PercentageOf(implied, toleranceBps)
	if err != nil {
		return false, err
	}

	var diff uint256.Int
	if amountB.Gt(&implied) {
		diff.Sub(&amountB, &implied)
	} else {
		diff.Sub(&implied, &amountB)
	}
	return !diff.Gt(&allowed), nil
}

// AddLiquidityWithTolerance is AddLiquidity guarded by WithinRatio.
func AddLiquidityWithTolerance(p Pool, amountA, amountB uint256.Int, toleranceBps uint64) (Pool, uint256.Int, error) {
	ok, err := WithinRatio(p, amountA, amountB, toleranceBps)
	if err != nil {
		return p, fixedpoint.Zero, err
	}
	if !ok {
		return p, fixedpoint.Zero, fmt.Errorf("%w: amountB %s outside %d bps of pool ratio",
			ledgererr.ErrRatioMismatch, amountB.Dec(), toleranceBps)
	}
	return AddLiquidity(p, amountA, amountB)
}

// RemoveLiquidity burns shares and returns the proportional reserves.
func RemoveLiquidity(p Pool, shares uint256.Int) (Pool, uint256.Int, uint256.Int, error) {
	if shares.IsZero() {
		return p, fixedpoint.Zero, fixedpoint.Zero, fmt.Errorf("%w: shares is zero", ledgererr.ErrInvalidAmount)
	}
	if shares.Gt(&p.TotalShares) {
		return p, fixedpoint.Zero, fixedpoint.Zero, fmt.Errorf("%w: burning %s of %s",
			ledgererr.ErrInsufficientShares, shares.Dec(), p.TotalShares.Dec())
	}

	amountA, err := fixedpoint.MulDiv(p.ReserveA, shares, p.TotalShares)
	if err != nil {
		return p, fixedpoint.Zero, fixedpoint.Zero, err
	}
	amountB, err := fixedpoint.MulDiv(p.ReserveB, shares, p.TotalShares)
	if err != nil {
		return p, fixedpoint.Zero, fixedpoint.Zero, err
	}

	next := p
	next.ReserveA, _ = fixedpoint.Sub(p.ReserveA, amountA)
	next.ReserveB, _ = fixedpoint.Sub(p.ReserveB, amountB)
	next.TotalShares, _ = fixedpoint.Sub(p.TotalShares, shares)
	return next, amountA, amountB, nil
}
