package amm

import (
	"errors"
	"testing"

	"github.com/atmx/ledger-engine/internal/ledgererr"
)

func TestAddLiquidity_FirstDepositMintsSqrt(t *testing.T) {
	p, _ := NewPool(30)
	next, shares, err := AddLiquidity(p, u(100), u(400))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if shares.Uint64() != 200 {
		t.Errorf("expected isqrt(100*400)=200 shares, got %s", shares.Dec())
	}
	if next.TotalShares.Uint64() != 200 {
		t.Errorf("expected totalShares=200, got %s", next.TotalShares.Dec())
	}
	if next.ReserveA.Uint64() != 100 || next.ReserveB.Uint64() != 400 {
		t.Errorf("unexpected reserves %s/%s", next.ReserveA.Dec(), next.ReserveB.Dec())
	}
}

func TestAddLiquidity_SubsequentDepositProportional(t *testing.T) {
	p := seeded(t, 1000, 1000, 30) // 1000 shares
	next, shares, err := AddLiquidity(p, u(500), u(500))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if shares.Uint64() != 500 {
		t.Errorf("expected 500 shares, got %s", shares.Dec())
	}
	if next.TotalShares.Uint64() != 1500 {
		t.Errorf("expected totalShares=1500, got %s", next.TotalShares.Dec())
	}
}

func TestAddLiquidity_ZeroAmount(t *testing.T) {
	p, _ := NewPool(30)
	if _, _, err := AddLiquidity(p, u(0), u(10)); !errors.Is(err, ledgererr.ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
	if _, _, err := AddLiquidity(p, u(10), u(0)); !errors.Is(err, ledgererr.ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestAddLiquidity_TooSmallToMint(t *testing.T) {
	p := seeded(t, 1_000_000, 1_000_000, 30) // 1e6 shares
	p, _, _ = Swap(p, TokenA, u(9_000_000))  // reserveA now 1e7, shares unchanged
	_, _, err := AddLiquidity(p, u(5), u(1))
	if !errors.Is(err, ledgererr.ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount when zero shares would be minted, got %v", err)
	}
}

func TestWithinRatio(t *testing.T) {
	p := seeded(t, 1000, 2000, 30)

	tests := []struct {
		name       string
		a, b       uint64
		tolerance  uint64
		wantWithin bool
	}{
		{"exact ratio", 100, 200, 0, true},
		{"1% high within 1%", 100, 202, 100, true},
		{"1% low within 1%", 100, 198, 100, true},
		{"2% high outside 1%", 100, 204, 100, false},
		{"off ratio zero tolerance", 100, 201, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := WithinRatio(p, u(tt.a), u(tt.b), tt.tolerance)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.wantWithin {
				t.Errorf("WithinRatio(%d,%d,%d) = %v, want %v", tt.a, tt.b, tt.tolerance, got, tt.wantWithin)
			}
		})
	}
}

func TestWithinRatio_EmptyPoolAcceptsAnything(t *testing.T) {
	p, _ := NewPool(30)
	ok, err := WithinRatio(p, u(1), u(1_000_000), 0)
	if err != nil || !ok {
		t.Errorf("empty pool should accept any ratio, got ok=%v err=%v", ok, err)
	}
}

func TestAddLiquidityWithTolerance_RatioMismatch(t *testing.T) {
	p := seeded(t, 1000, 2000, 30)
	_, _, err := AddLiquidityWithTolerance(p, u(100), u(300), 50)
	if !errors.Is(err, ledgererr.ErrRatioMismatch) {
		t.Errorf("expected ErrRatioMismatch, got %v", err)
	}
	next, shares, err := AddLiquidityWithTolerance(p, u(100), u(200), 50)
	if err != nil {
		t.Fatalf("in-ratio deposit failed: %v", err)
	}
	if shares.IsZero() || next.TotalShares.Cmp(&p.TotalShares) <= 0 {
		t.Errorf("expected shares to be minted, got %s", shares.Dec())
	}
}

func TestRemoveLiquidity_Proportional(t *testing.T) {
	p := seeded(t, 1000, 4000, 30) // isqrt(4e6) = 2000 shares
	next, a, b, err := RemoveLiquidity(p, u(500))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.Uint64() != 250 || b.Uint64() != 1000 {
		t.Errorf("expected 250/1000 out, got %s/%s", a.Dec(), b.Dec())
	}
	if next.TotalShares.Uint64() != 1500 || next.ReserveA.Uint64() != 750 || next.ReserveB.Uint64() != 3000 {
		t.Errorf("unexpected pool after removal: %+v", next)
	}
}

func TestRemoveLiquidity_AllShares(t *testing.T) {
	p := seeded(t, 1000, 4000, 30)
	next, a, b, err := RemoveLiquidity(p, p.TotalShares)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.Uint64() != 1000 || b.Uint64() != 4000 {
		t.Errorf("full withdrawal should return all reserves, got %s/%s", a.Dec(), b.Dec())
	}
	if next.HasLiquidity() || !next.TotalShares.IsZero() {
		t.Errorf("pool should be empty, got %+v", next)
	}
}

func TestRemoveLiquidity_InsufficientShares(t *testing.T) {
	p := seeded(t, 1000, 1000, 30)
	_, _, _, err := RemoveLiquidity(p, u(1001))
	if !errors.Is(err, ledgererr.ErrInsufficientShares) {
		t.Errorf("expected ErrInsufficientShares, got %v", err)
	}
}

func TestRemoveLiquidity_Zero(t *testing.T) {
	p := seeded(t, 1000, 1000, 30)
	_, _, _, err := RemoveLiquidity(p, u(0))
	if !errors.Is(err, ledgererr.ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestLiquidityRoundTripNeverProfits(t *testing.T) {
	p := seeded(t, 12_345, 67_890, 30)
	p, _, _ = Swap(p, TokenA, u(777))

	added, shares, err := AddLiquidity(p, u(1000), u(5000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, a, b, err := RemoveLiquidity(added, shares)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.Uint64() > 1000 {
		t.Errorf("withdrew more A than deposited: %s > 1000", a.Dec())
	}
	if b.Uint64() > 5000 {
		t.Errorf("withdrew more B than deposited: %s > 5000", b.Dec())
	}
}
