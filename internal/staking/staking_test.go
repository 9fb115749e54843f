package staking

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/atmx/ledger-engine/internal/fixedpoint"
	"github.com/atmx/ledger-engine/internal/ledgererr"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob   = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	carol = common.HexToAddress("0x00000000000000000000000000000000000000c3")
)

func u(x uint64) uint256.Int {
	return fixedpoint.FromUint64(x)
}

// fixture: 1000 units/s for 10s, so the budget is 10000.
func fixture(t *testing.T) Schedule {
	t.Helper()
	s, err := NewSchedule(u(1000), 0, 10_000)
	if err != nil {
		t.Fatalf("NewSchedule: %v", err)
	}
	return s
}

func TestNewSchedule_Validation(t *testing.T) {
	if _, err := NewSchedule(u(1), 10, 10); !errors.Is(err, ledgererr.ErrInvalidRange) {
		t.Errorf("expected ErrInvalidRange for empty period, got %v", err)
	}
	if _, err := NewSchedule(u(0), 0, 10); !errors.Is(err, ledgererr.ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount for zero rate, got %v", err)
	}
	s := fixture(t)
	budget, _ := Budget(s)
	if budget.Uint64() != 10_000 {
		t.Errorf("expected budget 10000, got %s", budget.Dec())
	}
}

func TestStake(t *testing.T) {
	s := fixture(t)
	next, pos, err := Stake(s, alice, u(100), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.TotalStaked.Uint64() != 100 {
		t.Errorf("expected totalStaked=100, got %s", next.TotalStaked.Dec())
	}
	if pos.Staker != alice || pos.Amount.Uint64() != 100 || pos.StakedAt != 0 {
		t.Errorf("unexpected position %+v", pos)
	}
	if !s.TotalStaked.IsZero() {
		t.Error("input schedule was mutated")
	}

	if _, _, err := Stake(s, alice, u(0), 0); !errors.Is(err, ledgererr.ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
	if _, _, err := Stake(s, alice, u(1), 10_001); !errors.Is(err, ledgererr.ErrOutOfWindow) {
		t.Errorf("expected ErrOutOfWindow, got %v", err)
	}
	if _, _, err := Stake(s, alice, u(1), 10_000); err != nil {
		t.Errorf("staking exactly at period end should be allowed, got %v", err)
	}
}

func TestAccrue_Idempotent(t *testing.T) {
	s := fixture(t)
	s, a, _ := Stake(s, alice, u(100), 0)
	s, _, _ = Stake(s, bob, u(900), 0)

	a, earned, err := Accrue(a, s, 5000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if earned.Uint64() != 500 {
		t.Errorf("expected 500 earned, got %s", earned.Dec())
	}
	a, earned, _ = Accrue(a, s, 5000)
	if !earned.IsZero() {
		t.Errorf("second accrue at the same instant should earn 0, got %s", earned.Dec())
	}
	if a.RewardsAccrued.Uint64() != 500 {
		t.Errorf("expected rewardsAccrued=500, got %s", a.RewardsAccrued.Dec())
	}
}

func TestAccrue_ClampsToPeriod(t *testing.T) {
	s, err := NewSchedule(u(1000), 1000, 2000)
	if err != nil {
		t.Fatalf("NewSchedule: %v", err)
	}
	s, p, _ := Stake(s, alice, u(10), 0) // before the period opens

	p, earned, _ := Accrue(p, s, 500)
	if !earned.IsZero() {
		t.Errorf("nothing accrues before periodStart, got %s", earned.Dec())
	}
	p, earned, _ = Accrue(p, s, 1500)
	if earned.Uint64() != 500 {
		t.Errorf("expected 500 for 1000..1500, got %s", earned.Dec())
	}
	p, earned, _ = Accrue(p, s, 99_999)
	if earned.Uint64() != 500 {
		t.Errorf("expected 500 for 1500..2000, got %s", earned.Dec())
	}
	_, earned, _ = Accrue(p, s, 100_000)
	if !earned.IsZero() {
		t.Errorf("nothing accrues after periodEnd, got %s", earned.Dec())
	}
}

func TestAccrue_NothingStaked(t *testing.T) {
	s := fixture(t)
	if _, _, err := Accrue(Position{Amount: u(1)}, s, 10); !errors.Is(err, ledgererr.ErrDivisionByZero) {
		t.Errorf("expected ErrDivisionByZero, got %v", err)
	}
}

func TestAccrue_Conservation(t *testing.T) {
	s := fixture(t)
	s, a, _ := Stake(s, alice, u(100), 0)
	s, b, _ := Stake(s, bob, u(300), 0)
	s, c, _ := Stake(s, carol, u(600), 0)

	schedules := []struct {
		pos   Position
		times []uint64
	}{
		{a, []uint64{1, 333, 1000, 4999, 4999, 7777, 10_000, 15_000}},
		{b, []uint64{2500, 5000, 10_000}},
		{c, []uint64{9999, 10_001}},
	}

	budget, _ := Budget(s)
	var total uint256.Int
	for _, sc := range schedules {
		pos := sc.pos
		var sum uint256.Int
		for _, now := range sc.times {
			var earned uint256.Int
			var err error
			pos, earned, err = Accrue(pos, s, now)
			if err != nil {
				t.Fatalf("accrue at %d: %v", now, err)
			}
			sum.Add(&sum, &earned)
		}
		// rate * amount / totalStaked * (end - start) / 1000
		bound := budget.Uint64() * pos.Amount.Uint64() / s.TotalStaked.Uint64()
		if sum.Uint64() > bound {
			t.Errorf("staker %s earned %s, above its bound %d", pos.Staker.Hex(), sum.Dec(), bound)
		}
		if !pos.RewardsAccrued.Eq(&sum) {
			t.Errorf("rewardsAccrued %s does not match summed earnings %s", pos.RewardsAccrued.Dec(), sum.Dec())
		}
		total.Add(&total, &sum)
	}
	if total.Gt(&budget) {
		t.Errorf("schedule paid %s, above budget %s", total.Dec(), budget.Dec())
	}
}

func TestAddStake(t *testing.T) {
	s := fixture(t)
	s, p, _ := Stake(s, alice, u(100), 0)
	s, _, _ = Stake(s, bob, u(900), 0)

	s, p, err := AddStake(s, p, u(100), 5000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Amount.Uint64() != 200 || s.TotalStaked.Uint64() != 1100 {
		t.Errorf("expected amount 200/total 1100, got %s/%s", p.Amount.Dec(), s.TotalStaked.Dec())
	}
	if p.RewardsAccrued.Uint64() != 500 {
		t.Errorf("AddStake should accrue first: expected 500, got %s", p.RewardsAccrued.Dec())
	}
}

func TestUnstake(t *testing.T) {
	s := fixture(t)
	s, p, _ := Stake(s, alice, u(100), 0)
	s, _, _ = Stake(s, bob, u(900), 0)

	if _, _, err := Unstake(s, p, u(101), 5000); !errors.Is(err, ledgererr.ErrUnderflow) {
		t.Errorf("expected ErrUnderflow, got %v", err)
	}

	s, p, err := Unstake(s, p, u(50), 5000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Amount.Uint64() != 50 || s.TotalStaked.Uint64() != 950 {
		t.Errorf("expected amount 50/total 950, got %s/%s", p.Amount.Dec(), s.TotalStaked.Dec())
	}
	if p.RewardsAccrued.Uint64() != 500 {
		t.Errorf("Unstake should accrue first: expected 500, got %s", p.RewardsAccrued.Dec())
	}
}

func TestClaim(t *testing.T) {
	s := fixture(t)
	s, p, _ := Stake(s, alice, u(100), 0)
	p, _, _ = Accrue(p, s, 2000)

	p, payout, err := Claim(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if payout.Uint64() != 2000 {
		t.Errorf("expected payout 2000, got %s", payout.Dec())
	}
	if pending := Pending(p); !pending.IsZero() {
		t.Errorf("expected nothing pending, got %s", pending.Dec())
	}
	if p.RewardsAccrued.Uint64() != 2000 {
		t.Errorf("claiming must not reduce rewardsAccrued, got %s", p.RewardsAccrued.Dec())
	}
	if _, _, err := Claim(p); !errors.Is(err, ledgererr.ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount on empty claim, got %v", err)
	}
}
