// Package collateral tracks collateralized debt positions and decides
// liquidation eligibility.
//
// Prices are supplied by the caller on every call and are taken as
// trusted; the package performs no freshness check.
package collateral

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/fixedpoint"
	"github.com/atmx/ledger-engine/internal/ledgererr"
)

// InfiniteHealth is the health ratio of a position with no debt.
var InfiniteHealth = fixedpoint.Max

// Position is an immutable collateralized debt position.
type Position struct {
	Owner              common.Address `json:"owner"`
	CollateralAmount   uint256.Int    `json:"collateral_amount"`
	DebtAmount         uint256.Int    `json:"debt_amount"`
	CollateralPriceRef uint256.Int    `json:"collateral_price_ref"`
	DebtPriceRef       uint256.Int    `json:"debt_price_ref"`
}

func validatePrices(collateralPrice, debtPrice uint256.Int) error {
	if collateralPrice.IsZero() || debtPrice.IsZero() {
		return fmt.Errorf("%w: price references must be positive", ledgererr.ErrInvalidAmount)
	}
	return nil
}

// OpenPosition opens a position. Debt may be zero.
func OpenPosition(owner common.Address, collateralAmount, debtAmount, collateralPrice, debtPrice uint256.Int) (Position, error) {
	if collateralAmount.IsZero() {
		return Position{}, fmt.Errorf("%w: collateral is zero", ledgererr.ErrInvalidAmount)
	}
	if err := validatePrices(collateralPrice, debtPrice); err != nil {
		return Position{}, err
	}
	return Position{
		Owner:              owner,
		CollateralAmount:   collateralAmount,
		DebtAmount:         debtAmount,
		CollateralPriceRef: collateralPrice,
		DebtPriceRef:       debtPrice,
	}, nil
}

// CollateralValue returns collateralAmount * collateralPriceRef.
func CollateralValue(p Position) (uint256.Int, error) {
	return fixedpoint.Mul(p.CollateralAmount, p.CollateralPriceRef)
}

// DebtValue returns debtAmount * debtPriceRef.
func DebtValue(p Position) (uint256.Int, error) {
	return fixedpoint.Mul(p.DebtAmount, p.DebtPriceRef)
}

// HealthRatio returns collateral value over debt value in basis points
// (15000 = 150%), or InfiniteHealth when there is no debt.
func HealthRatio(p Position) (uint256.Int, error) {
	if p.DebtAmount.IsZero() {
		return InfiniteHealth, nil
	}
	collateralValue, err := CollateralValue(p)
	if err != nil {
		return fixedpoint.Zero, err
	}
	debtValue, err := DebtValue(p)
	if err != nil {
		return fixedpoint.Zero, err
	}
	return fixedpoint.MulDiv(collateralValue, fixedpoint.FromUint64(fixedpoint.BpsDenominator), debtValue)
}

// IsLiquidatable reports whether the health ratio is strictly below
// thresholdBps. A position exactly at the threshold is safe.
func IsLiquidatable(p Position, thresholdBps uint64) (bool, error) {
	health, err := HealthRatio(p)
	if err != nil {
		return false, err
	}
	threshold := fixedpoint.FromUint64(thresholdBps)
	return health.Lt(&threshold), nil
}

// HealthPercent renders the health ratio as a percentage for display.
// The second result is false when the ratio is infinite.
func HealthPercent(p Position) (decimal.Decimal, bool, error) {
	health, err := HealthRatio(p)
	if err != nil {
		return decimal.Zero, false, err
	}
	if health.Eq(&InfiniteHealth) {
		return decimal.Zero, false, nil
	}
	return fixedpoint.BpsToPercent(health), true, nil
}

// Reprice replaces both price references.
func Reprice(p Position, collateralPrice, debtPrice uint256.Int) (Position, error) {
	if err := validatePrices(collateralPrice, debtPrice); err != nil {
		return p, err
	}
	next := p
	next.CollateralPriceRef = collateralPrice
	next.DebtPriceRef = debtPrice
	return next, nil
}

// AddCollateral deposits more collateral.
func AddCollateral(p Position, amount uint256.Int) (Position, error) {
	if amount.IsZero() {
		return p, fmt.Errorf("%w: amount is zero", ledgererr.ErrInvalidAmount)
	}
	total, err := fixedpoint.Add(p.CollateralAmount, amount)
	if err != nil {
		return p, err
	}
	next := p
	next.CollateralAmount = total
	return next, nil
}

// WithdrawCollateral removes collateral provided the position stays at or
// above minHealthBps afterwards.
func WithdrawCollateral(p Position, amount uint256.Int, minHealthBps uint64) (Position, error) {
	if amount.IsZero() {
		return p, fmt.Errorf("%w: amount is zero", ledgererr.ErrInvalidAmount)
	}
	remaining, err := fixedpoint.Sub(p.CollateralAmount, amount)
	if err != nil {
		return p, err
	}
	next := p
	next.CollateralAmount = remaining
	if err := requireHealth(next, minHealthBps); err != nil {
		return p, err
	}
	return next, nil
}

// Borrow increases the debt provided the position stays at or above
// minHealthBps afterwards.
func Borrow(p Position, amount uint256.Int, minHealthBps uint64) (Position, error) {
	if amount.IsZero() {
		return p, fmt.Errorf("%w: amount is zero", ledgererr.ErrInvalidAmount)
	}
	debt, err := fixedpoint.Add(p.DebtAmount, amount)
	if err != nil {
		return p, err
	}
	next := p
	next.DebtAmount = debt
	if err := requireHealth(next, minHealthBps); err != nil {
		return p, err
	}
	return next, nil
}

// Repay reduces the debt. Repaying more than is owed is ErrUnderflow.
func Repay(p Position, amount uint256.Int) (Position, error) {
	if amount.IsZero() {
		return p, fmt.Errorf("%w: amount is zero", ledgererr.ErrInvalidAmount)
	}
	debt, err := fixedpoint.Sub(p.DebtAmount, amount)
	if err != nil {
		return p, err
	}
	next := p
	next.DebtAmount = debt
	return next, nil
}

// MaxBorrow returns the additional debt the position can take on while
// keeping its health at or above minHealthBps.
func MaxBorrow(p Position, minHealthBps uint64) (uint256.Int, error) {
	if minHealthBps == 0 {
		return fixedpoint.Zero, fmt.Errorf("%w: minimum health must be positive", ledgererr.ErrInvalidRange)
	}
	collateralValue, err := CollateralValue(p)
	if err != nil {
		return fixedpoint.Zero, err
	}
	// debt * debtPrice * minHealth <= collateralValue * 10000
	denominator, err := fixedpoint.Mul(p.DebtPriceRef, fixedpoint.FromUint64(minHealthBps))
	if err != nil {
		return fixedpoint.Zero, err
	}
	ceiling, err := fixedpoint.MulDiv(collateralValue, fixedpoint.FromUint64(fixedpoint.BpsDenominator), denominator)
	if err != nil {
		return fixedpoint.Zero, err
	}
	if !ceiling.Gt(&p.DebtAmount) {
		return fixedpoint.Zero, nil
	}
	var headroom uint256.Int
	headroom.Sub(&ceiling, &p.DebtAmount)
	return headroom, nil
}

func requireHealth(p Position, minHealthBps uint64) error {
	health, err := HealthRatio(p)
	if err != nil {
		return err
	}
	floor := fixedpoint.FromUint64(minHealthBps)
	if health.Lt(&floor) {
		return fmt.Errorf("%w: health %s bps below minimum %d", ledgererr.ErrInvalidState, health.Dec(), minHealthBps)
	}
	return nil
}
