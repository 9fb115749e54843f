package fixedpoint

import (
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/ledgererr"
)

// DisplayScale is the number of decimal places used for quoted ratios.
var DisplayScale int32 = 8

// ToDecimal renders x scaled down by 10^exp, e.g. ToDecimal(15000, 2) = 150.
// Display only: results must never be fed back into engine arithmetic.
func ToDecimal(x uint256.Int, exp int32) decimal.Decimal {
	return decimal.NewFromBigInt(x.ToBig(), -exp)
}

// RatioDecimal renders num/den rounded to places decimal places.
func RatioDecimal(num, den uint256.Int, places int32) (decimal.Decimal, error) {
	if den.IsZero() {
		return decimal.Zero, ledgererr.ErrDivisionByZero
	}
	n := decimal.NewFromBigInt(num.ToBig(), 0)
	d := decimal.NewFromBigInt(den.ToBig(), 0)
	return n.DivRound(d, places), nil
}

// BpsToPercent renders a basis-point value as a percentage (15000 -> 150).
func BpsToPercent(bps uint256.Int) decimal.Decimal {
	return ToDecimal(bps, 2)
}
