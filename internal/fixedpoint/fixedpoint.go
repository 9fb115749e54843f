// Package fixedpoint provides exact unsigned 256-bit integer arithmetic for
// the ledger primitives.
//
// All monetary values are uint256.Int. Nothing in this package (or any
// package that calls it) uses floating point for money: products are held
// in a 512-bit intermediate, rounding direction is always explicit, and
// subtraction never wraps.
package fixedpoint

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"

	"github.com/atmx/ledger-engine/internal/ledgererr"
)

// BpsDenominator is the basis-point scale: 10000 bps = 100%.
const BpsDenominator = 10_000

var (
	// Zero is the additive identity. Never mutate it.
	Zero = uint256.Int{}

	// Max is 2^256 - 1.
	Max = *new(uint256.Int).SetAllOne()

	bpsDenominator = *uint256.NewInt(BpsDenominator)
)

// FromUint64 returns x as a uint256 value.
func FromUint64(x uint64) uint256.Int {
	return *uint256.NewInt(x)
}

// Parse parses a base-10 (or 0x-prefixed hex) unsigned integer.
func Parse(s string) (uint256.Int, error) {
	var z uint256.Int
	if err := z.UnmarshalText([]byte(s)); err != nil {
		return Zero, fmt.Errorf("%w: cannot parse %q", ledgererr.ErrInvalidAmount, s)
	}
	return z, nil
}

// ValidateBps rejects basis-point values above 10000.
func ValidateBps(bps uint64) error {
	if bps > BpsDenominator {
		return fmt.Errorf("%w: %d bps exceeds %d", ledgererr.ErrInvalidRange, bps, BpsDenominator)
	}
	return nil
}

// MulDiv computes floor(a*b/d) exactly. The product is formed in 512 bits,
// so it never overflows even when a*b exceeds 2^256; only a quotient that
// itself does not fit in 256 bits is an error.
func MulDiv(a, b, d uint256.Int) (uint256.Int, error) {
	if d.IsZero() {
		return Zero, ledgererr.ErrDivisionByZero
	}
	var z uint256.Int
	if _, overflow := z.MulDivOverflow(&a, &b, &d); overflow {
		return Zero, fmt.Errorf("%w: %s * %s / %s", ledgererr.ErrOverflow, a.Dec(), b.Dec(), d.Dec())
	}
	return z, nil
}

// PercentageOf returns floor(amount * bps / 10000).
func PercentageOf(amount uint256.Int, bps uint64) (uint256.Int, error) {
	if err := ValidateBps(bps); err != nil {
		return Zero, err
	}
	return MulDiv(amount, FromUint64(bps), bpsDenominator)
}

// Add returns a+b or ErrOverflow.
func Add(a, b uint256.Int) (uint256.Int, error) {
	var z uint256.Int
	if _, overflow := z.AddOverflow(&a, &b); overflow {
		return Zero, fmt.Errorf("%w: %s + %s", ledgererr.ErrOverflow, a.Dec(), b.Dec())
	}
	return z, nil
}

// Sub returns a-b, or ErrUnderflow when b > a.
func Sub(a, b uint256.Int) (uint256.Int, error) {
	if a.Lt(&b) {
		return Zero, fmt.Errorf("%w: %s - %s", ledgererr.ErrUnderflow, a.Dec(), b.Dec())
	}
	var z uint256.Int
	z.Sub(&a, &b)
	return z, nil
}

// Mul returns a*b or ErrOverflow.
func Mul(a, b uint256.Int) (uint256.Int, error) {
	var z uint256.Int
	if _, overflow := z.MulOverflow(&a, &b); overflow {
		return Zero, fmt.Errorf("%w: %s * %s", ledgererr.ErrOverflow, a.Dec(), b.Dec())
	}
	return z, nil
}

// Div returns floor(a/b).
func Div(a, b uint256.Int) (uint256.Int, error) {
	if b.IsZero() {
		return Zero, ledgererr.ErrDivisionByZero
	}
	var z uint256.Int
	z.Div(&a, &b)
	return z, nil
}

// Min returns the smaller of a and b.
func Min(a, b uint256.Int) uint256.Int {
	if a.Lt(&b) {
		return a
	}
	return b
}

// SqrtProduct returns floor(sqrt(a*b)). The square root of a 512-bit
// product always fits in 256 bits, so this never fails.
func SqrtProduct(a, b uint256.Int) uint256.Int {
	product := new(big.Int).Mul(a.ToBig(), b.ToBig())
	root, _ := uint256.FromBig(product.Sqrt(product))
	return *root
}

// Product returns a*b without any width limit. Intended for invariant
// checks, not for state.
func Product(a, b uint256.Int) *big.Int {
	return new(big.Int).Mul(a.ToBig(), b.ToBig())
}
