package fixedpoint

import (
	"errors"
	"math/big"
	"testing"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/ledgererr"
)

// u is a test helper for creating uint256 values.
func u(x uint64) uint256.Int {
	return FromUint64(x)
}

func mustBig(t *testing.T, s string) *big.Int {
	t.Helper()
	b, ok := new(big.Int).SetString(s, 10)
	if !ok {
		t.Fatalf("bad big literal %q", s)
	}
	return b
}

func fromBig(t *testing.T, b *big.Int) uint256.Int {
	t.Helper()
	z, overflow := uint256.FromBig(b)
	if overflow {
		t.Fatalf("%s does not fit 256 bits", b)
	}
	return *z
}

// --- MulDiv ---

func TestMulDiv_Small(t *testing.T) {
	got, err := MulDiv(u(100), u(9970), u(10000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Uint64() != 99 {
		t.Errorf("expected 99, got %s", got.Dec())
	}
}

func TestMulDiv_DivisionByZero(t *testing.T) {
	_, err := MulDiv(u(1), u(1), u(0))
	if !errors.Is(err, ledgererr.ErrDivisionByZero) {
		t.Errorf("expected ErrDivisionByZero, got %v", err)
	}
}

func TestMulDiv_MatchesBigIntBeyond64Bits(t *testing.T) {
	tests := []struct {
		a, b, d string
	}{
		{"18446744073709551615", "18446744073709551615", "3"},
		{"340282366920938463463374607431768211455", "340282366920938463463374607431768211455", "340282366920938463463374607431768211457"},
		{"115792089237316195423570985008687907853269984665640564039457584007913129639935", "2", "4"},
		{"115792089237316195423570985008687907853269984665640564039457584007913129639935", "115792089237316195423570985008687907853269984665640564039457584007913129639935", "115792089237316195423570985008687907853269984665640564039457584007913129639935"},
		{"987654321987654321987654321", "123456789123456789123456789", "1000000007"},
		{"1", "1", "2"},
	}

	for _, tt := range tests {
		a, b, d := mustBig(t, tt.a), mustBig(t, tt.b), mustBig(t, tt.d)
		want := new(big.Int).Quo(new(big.Int).Mul(a, b), d)

		got, err := MulDiv(fromBig(t, a), fromBig(t, b), fromBig(t, d))
		if err != nil {
			t.Fatalf("MulDiv(%s,%s,%s): unexpected error %v", tt.a, tt.b, tt.d, err)
		}
		if got.ToBig().Cmp(want) != 0 {
			t.Errorf("MulDiv(%s,%s,%s) = %s, want %s", tt.a, tt.b, tt.d, got.Dec(), want)
		}
	}
}

func TestMulDiv_GridMatchesBigInt(t *testing.T) {
	// Operands straddle the 64- and 128-bit boundaries.
	values := []string{
		"1", "7", "10000", "4294967296", "18446744073709551615", "18446744073709551617",
		"340282366920938463463374607431768211456", "99999999999999999999999999999999999999",
	}
	for _, as := range values {
		for _, bs := range values {
			for _, ds := range values {
				a, b, d := mustBig(t, as), mustBig(t, bs), mustBig(t, ds)
				want := new(big.Int).Quo(new(big.Int).Mul(a, b), d)
				got, err := MulDiv(fromBig(t, a), fromBig(t, b), fromBig(t, d))
				if want.BitLen() > 256 {
					if !errors.Is(err, ledgererr.ErrOverflow) {
						t.Errorf("MulDiv(%s,%s,%s): expected ErrOverflow, got %v", as, bs, ds, err)
					}
					continue
				}
				if err != nil {
					t.Fatalf("MulDiv(%s,%s,%s): unexpected error %v", as, bs, ds, err)
				}
				if got.ToBig().Cmp(want) != 0 {
					t.Errorf("MulDiv(%s,%s,%s) = %s, want %s", as, bs, ds, got.Dec(), want)
				}
			}
		}
	}
}

func TestMulDiv_QuotientOverflow(t *testing.T) {
	_, err := MulDiv(Max, u(2), u(1))
	if !errors.Is(err, ledgererr.ErrOverflow) {
		t.Errorf("expected ErrOverflow, got %v", err)
	}
}

// --- PercentageOf ---

func TestPercentageOf(t *testing.T) {
	got, err := PercentageOf(u(2000), 30)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Uint64() != 6 {
		t.Errorf("30 bps of 2000 should be 6, got %s", got.Dec())
	}
}

func TestPercentageOf_Bounds(t *testing.T) {
	full, err := PercentageOf(u(123), 10000)
	if err != nil || full.Uint64() != 123 {
		t.Errorf("10000 bps should return the full amount, got %s err=%v", full.Dec(), err)
	}
	zero, err := PercentageOf(u(123), 0)
	if err != nil || !zero.IsZero() {
		t.Errorf("0 bps should return zero, got %s err=%v", zero.Dec(), err)
	}
	if _, err := PercentageOf(u(123), 10001); !errors.Is(err, ledgererr.ErrInvalidRange) {
		t.Errorf("expected ErrInvalidRange for 10001 bps, got %v", err)
	}
}

// --- Add / Sub / Mul ---

func TestSub_Underflow(t *testing.T) {
	if _, err := Sub(u(1), u(2)); !errors.Is(err, ledgererr.ErrUnderflow) {
		t.Errorf("expected ErrUnderflow, got %v", err)
	}
	got, err := Sub(u(5), u(5))
	if err != nil || !got.IsZero() {
		t.Errorf("5-5 should be 0, got %s err=%v", got.Dec(), err)
	}
}

func TestAdd_Overflow(t *testing.T) {
	if _, err := Add(Max, u(1)); !errors.Is(err, ledgererr.ErrOverflow) {
		t.Errorf("expected ErrOverflow, got %v", err)
	}
}

func TestMul_Overflow(t *testing.T) {
	if _, err := Mul(Max, u(2)); !errors.Is(err, ledgererr.ErrOverflow) {
		t.Errorf("expected ErrOverflow, got %v", err)
	}
}

func TestZeroIsNotAliased(t *testing.T) {
	got, _ := Add(Zero, u(1))
	got.Add(&got, &got)
	if !Zero.IsZero() {
		t.Fatal("Zero was mutated through a returned value")
	}
}

// --- SqrtProduct ---

func TestSqrtProduct(t *testing.T) {
	tests := []struct {
		a, b, want uint64
	}{
		{1000, 1000, 1000},
		{1, 1, 1},
		{2, 1, 1},
		{100, 400, 200},
		{10, 11, 10},
	}
	for _, tt := range tests {
		got := SqrtProduct(u(tt.a), u(tt.b))
		if got.Uint64() != tt.want {
			t.Errorf("isqrt(%d*%d) = %s, want %d", tt.a, tt.b, got.Dec(), tt.want)
		}
	}
}

func TestSqrtProduct_512BitIntermediate(t *testing.T) {
	got := SqrtProduct(Max, Max)
	if !got.Eq(&Max) {
		t.Errorf("isqrt(max*max) should be max, got %s", got.Dec())
	}
}

// --- Parse / display ---

func TestParse(t *testing.T) {
	got, err := Parse("1000000000000000000000")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Dec() != "1000000000000000000000" {
		t.Errorf("round trip mismatch: %s", got.Dec())
	}
	if _, err := Parse("-5"); !errors.Is(err, ledgererr.ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount for negative input, got %v", err)
	}
	if _, err := Parse("abc"); !errors.Is(err, ledgererr.ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount for garbage, got %v", err)
	}
}

func TestRatioDecimal(t *testing.T) {
	got, err := RatioDecimal(u(910), u(1100), 4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(decimal.RequireFromString("0.8273")) {
		t.Errorf("expected 0.8273, got %s", got)
	}
	if _, err := RatioDecimal(u(1), u(0), 4); !errors.Is(err, ledgererr.ErrDivisionByZero) {
		t.Errorf("expected ErrDivisionByZero, got %v", err)
	}
}

func TestBpsToPercent(t *testing.T) {
	got := BpsToPercent(u(10714))
	if !got.Equal(decimal.RequireFromString("107.14")) {
		t.Errorf("expected 107.14, got %s", got)
	}
}
