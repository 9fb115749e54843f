package bonding

import (
	"errors"
	"testing"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/fixedpoint"
	"github.com/atmx/ledger-engine/internal/ledgererr"
)

func u(x uint64) uint256.Int {
	return fixedpoint.FromUint64(x)
}

func mustCurve(t *testing.T, reserve, supply uint64) Curve {
	t.Helper()
	c, err := NewCurve(u(reserve), u(supply))
	if err != nil {
		t.Fatalf("NewCurve(%d, %d): %v", reserve, supply, err)
	}
	return c
}

func TestNewCurve(t *testing.T) {
	c := mustCurve(t, 1000, 1000)
	if c.K.Uint64() != 1_000_000 {
		t.Errorf("expected K=1000000, got %s", c.K.Dec())
	}
	if _, err := NewCurve(u(0), u(1)); !errors.Is(err, ledgererr.ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount for zero reserve, got %v", err)
	}
	if _, err := NewCurve(u(1), u(0)); !errors.Is(err, ledgererr.ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount for zero supply, got %v", err)
	}
	if _, err := NewCurve(fixedpoint.Max, u(2)); !errors.Is(err, ledgererr.ErrOverflow) {
		t.Errorf("expected ErrOverflow when K exceeds 256 bits, got %v", err)
	}
}

func TestBuy(t *testing.T) {
	c := mustCurve(t, 1000, 1000)
	next, tokens, err := Buy(c, u(1000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tokens.Uint64() != 500 {
		t.Errorf("expected 500 tokens, got %s", tokens.Dec())
	}
	if next.VirtualReserve.Uint64() != 2000 || next.VirtualSupply.Uint64() != 500 {
		t.Errorf("expected 2000/500, got %s/%s", next.VirtualReserve.Dec(), next.VirtualSupply.Dec())
	}
	if !next.K.Eq(&c.K) {
		t.Errorf("K changed: %s -> %s", c.K.Dec(), next.K.Dec())
	}
	if c.VirtualReserve.Uint64() != 1000 {
		t.Errorf("input curve was mutated")
	}
}

func TestBuy_ZeroInput(t *testing.T) {
	c := mustCurve(t, 1000, 1000)
	if _, _, err := Buy(c, u(0)); !errors.Is(err, ledgererr.ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestBuy_ZeroTokensOut(t *testing.T) {
	c := mustCurve(t, 1_000_000, 10)
	c, _, err := Buy(c, u(1)) // supply rounds down to 9
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, _, err = Buy(c, u(1))
	if !errors.Is(err, ledgererr.ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount for zero tokens out, got %v", err)
	}
}

func TestSell(t *testing.T) {
	c := mustCurve(t, 2000, 500)
	next, reserve, err := Sell(c, u(500))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reserve.Uint64() != 1000 {
		t.Errorf("expected 1000 reserve out, got %s", reserve.Dec())
	}
	if next.VirtualReserve.Uint64() != 1000 || next.VirtualSupply.Uint64() != 1000 {
		t.Errorf("expected 1000/1000, got %s/%s", next.VirtualReserve.Dec(), next.VirtualSupply.Dec())
	}
}

func TestSell_InsufficientSupply(t *testing.T) {
	c := mustCurve(t, 1000, 1000)
	if _, _, err := Sell(c, u(1001)); !errors.Is(err, ledgererr.ErrInsufficientSupply) {
		t.Errorf("expected ErrInsufficientSupply, got %v", err)
	}
}

func TestSell_ZeroReserveOut(t *testing.T) {
	c := mustCurve(t, 3, 2)
	c, _, err := Sell(c, u(2)) // reserve rounds down to 1
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, _, err := Sell(c, u(1)); !errors.Is(err, ledgererr.ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount for zero reserve out, got %v", err)
	}
	if _, _, err := Sell(c, u(0)); !errors.Is(err, ledgererr.ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount for zero input, got %v", err)
	}
}

func TestRoundTripNeverProfits(t *testing.T) {
	initial := [][2]uint64{
		{1000, 1000}, {7, 3}, {1_000_000, 10}, {10, 1_000_000}, {123_457, 98_765}, {1 << 40, 1 << 20},
	}
	setup := []uint64{0, 1, 13, 5000}
	amounts := []uint64{1, 2, 17, 999, 100_000, 1 << 30}

	for _, rs := range initial {
		for _, pre := range setup {
			base := mustCurve(t, rs[0], rs[1])
			// Move to a reachable state that is not an exact K multiple.
			if pre > 0 {
				if next, _, err := Buy(base, u(pre)); err == nil {
					base = next
				}
				if next, _, err := Sell(base, u(pre)); err == nil {
					base = next
				}
			}

			for _, x := range amounts {
				afterBuy, tokens, err := Buy(base, u(x))
				if err != nil {
					if !errors.Is(err, ledgererr.ErrInvalidAmount) {
						t.Fatalf("buy(%v pre=%d, %d): unexpected error %v", rs, pre, x, err)
					}
					continue
				}
				_, back, err := Sell(afterBuy, tokens)
				if err != nil {
					if !errors.Is(err, ledgererr.ErrInvalidAmount) && !errors.Is(err, ledgererr.ErrInsufficientSupply) {
						t.Fatalf("sell(%v pre=%d, %s): unexpected error %v", rs, pre, tokens.Dec(), err)
					}
					continue
				}
				if back.Uint64() > x {
					t.Errorf("round trip profited: paid %d, got back %s (curve %v pre=%d)", x, back.Dec(), rs, pre)
				}
			}
		}
	}
}

func TestTradesPreserveK(t *testing.T) {
	c := mustCurve(t, 5_000, 8_000)
	k := c.K
	steps := []struct {
		buy    bool
		amount uint64
	}{
		{true, 100}, {false, 37}, {true, 4_999}, {false, 2_000}, {true, 1}, {false, 5},
	}
	for i, s := range steps {
		var err error
		if s.buy {
			c, _, err = Buy(c, u(s.amount))
		} else {
			c, _, err = Sell(c, u(s.amount))
		}
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if !c.K.Eq(&k) {
			t.Fatalf("step %d: K changed to %s", i, c.K.Dec())
		}
		// reserve*supply never exceeds K, and only the floored side is short
		// of it by less than one unit.
		product := fixedpoint.Product(c.VirtualReserve, c.VirtualSupply)
		if product.Cmp(k.ToBig()) > 0 {
			t.Errorf("step %d: %s*%s exceeds K=%s", i, c.VirtualReserve.Dec(), c.VirtualSupply.Dec(), k.Dec())
		}
		oneSupplyMore := fixedpoint.Product(c.VirtualReserve, u(c.VirtualSupply.Uint64()+1))
		oneReserveMore := fixedpoint.Product(u(c.VirtualReserve.Uint64()+1), c.VirtualSupply)
		if s.buy && oneSupplyMore.Cmp(k.ToBig()) <= 0 {
			t.Errorf("step %d: buy floored supply %s too far below K=%s", i, c.VirtualSupply.Dec(), k.Dec())
		}
		if !s.buy && oneReserveMore.Cmp(k.ToBig()) <= 0 {
			t.Errorf("step %d: sell floored reserve %s too far below K=%s", i, c.VirtualReserve.Dec(), k.Dec())
		}
	}
}

func TestSpotPrice(t *testing.T) {
	c := mustCurve(t, 1000, 4000)
	p, err := SpotPrice(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.Equal(decimal.RequireFromString("0.25")) {
		t.Errorf("expected 0.25, got %s", p)
	}
}
