// Package staking computes time-proportional staking rewards against a
// funded reward schedule.
//
// Time is always supplied by the caller in milliseconds. Reward rates are
// per second, so every accrual divides rate*elapsed by 1000.
package staking

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/atmx/ledger-engine/internal/fixedpoint"
	"github.com/atmx/ledger-engine/internal/ledgererr"
)

var msPerSecond = fixedpoint.FromUint64(1000)

// Schedule is a funded reward period shared by every position staked in it.
type Schedule struct {
	RewardRatePerSecond uint256.Int `json:"reward_rate_per_second"`
	TotalStaked         uint256.Int `json:"total_staked"`
	PeriodStart         uint64      `json:"period_start"`
	PeriodEnd           uint64      `json:"period_end"`
}

// Position is one staker's stake in a schedule.
//
// RewardsAccrued only ever grows; payouts are tracked separately in
// RewardsClaimed.
type Position struct {
	Staker         common.Address `json:"staker"`
	Amount         uint256.Int    `json:"amount"`
	StakedAt       uint64         `json:"staked_at"`
	LastAccruedAt  uint64         `json:"last_accrued_at"`
	RewardsAccrued uint256.Int    `json:"rewards_accrued"`
	RewardsClaimed uint256.Int    `json:"rewards_claimed"`
}

// NewSchedule creates an empty schedule paying rate per second between
// start and end.
func NewSchedule(rate uint256.Int, start, end uint64) (Schedule, error) {
	if end <= start {
		return Schedule{}, fmt.Errorf("%w: period end %d not after start %d", ledgererr.ErrInvalidRange, end, start)
	}
	if rate.IsZero() {
		return Schedule{}, fmt.Errorf("%w: reward rate is zero", ledgererr.ErrInvalidAmount)
	}
	return Schedule{RewardRatePerSecond: rate, PeriodStart: start, PeriodEnd: end}, nil
}

// Budget is the most the schedule can ever pay out:
// rate * (periodEnd - periodStart) / 1000.
func Budget(s Schedule) (uint256.Int, error) {
	return fixedpoint.MulDiv(s.RewardRatePerSecond, fixedpoint.FromUint64(s.PeriodEnd-s.PeriodStart), msPerSecond)
}

// Stake opens a new position and adds its amount to the schedule total.
func Stake(s Schedule, staker common.Address, amount uint256.Int, now uint64) (Schedule, Position, error) {
	if amount.IsZero() {
		return s, Position{}, fmt.Errorf("%w: stake amount is zero", ledgererr.ErrInvalidAmount)
	}
	if now > s.PeriodEnd {
		return s, Position{}, fmt.Errorf("%w: period ended at %d", ledgererr.ErrOutOfWindow, s.PeriodEnd)
	}
	total, err := fixedpoint.Add(s.TotalStaked, amount)
	if err != nil {
		return s, Position{}, err
	}
	next := s
	next.TotalStaked = total
	return next, Position{
		Staker:        staker,
		Amount:        amount,
		StakedAt:      now,
		LastAccruedAt: now,
	}, nil
}

// Accrue credits the rewards earned since the position was last accrued.
// Calling it again with the same now earns nothing.
func Accrue(p Position, s Schedule, now uint64) (Position, uint256.Int, error) {
	if s.TotalStaked.IsZero() {
		return p, fixedpoint.Zero, fmt.Errorf("%w: schedule has nothing staked", ledgererr.ErrDivisionByZero)
	}

	from := max(p.LastAccruedAt, s.PeriodStart)
	to := min(now, s.PeriodEnd)
	if to <= from {
		next := p
		next.LastAccruedAt = max(p.LastAccruedAt, to)
		return next, fixedpoint.Zero, nil
	}

	share, err := fixedpoint.MulDiv(p.Amount, fixedpoint.FromUint64(fixedpoint.BpsDenominator), s.TotalStaked)
	if err != nil {
		return p, fixedpoint.Zero, err
	}
	emitted, err := fixedpoint.MulDiv(s.RewardRatePerSecond, fixedpoint.FromUint64(to-from), msPerSecond)
	if err != nil {
		return p, fixedpoint.Zero, err
	}
	earned, err := fixedpoint.MulDiv(emitted, share, fixedpoint.FromUint64(fixedpoint.BpsDenominator))
	if err != nil {
		return p, fixedpoint.Zero, err
	}
	accrued, err := fixedpoint.Add(p.RewardsAccrued, earned)
	if err != nil {
		return p, fixedpoint.Zero, err
	}

	next := p
	next.RewardsAccrued = accrued
	next.LastAccruedAt = to
	return next, earned, nil
}

// AddStake accrues the position and then increases its stake.
func AddStake(s Schedule, p Position, amount uint256.Int, now uint64) (Schedule, Position, error) {
	if amount.IsZero() {
		return s, p, fmt.Errorf("%w: stake amount is zero", ledgererr.ErrInvalidAmount)
	}
	if now > s.PeriodEnd {
		return s, p, fmt.Errorf("%w: period ended at %d", ledgererr.ErrOutOfWindow, s.PeriodEnd)
	}
	accrued, _, err := Accrue(p, s, now)
	if err != nil {
		return s, p, err
	}
	if accrued.Amount, err = fixedpoint.Add(p.Amount, amount); err != nil {
		return s, p, err
	}
	nextSchedule := s
	if nextSchedule.TotalStaked, err = fixedpoint.Add(s.TotalStaked, amount); err != nil {
		return s, p, err
	}
	return nextSchedule, accrued, nil
}

// Unstake accrues the position and then withdraws amount from it.
func Unstake(s Schedule, p Position, amount uint256.Int, now uint64) (Schedule, Position, error) {
	if amount.IsZero() {
		return s, p, fmt.Errorf("%w: unstake amount is zero", ledgererr.ErrInvalidAmount)
	}
	accrued, _, err := Accrue(p, s, now)
	if err != nil {
		return s, p, err
	}
	if accrued.Amount, err = fixedpoint.Sub(p.Amount, amount); err != nil {
		return s, p, err
	}
	nextSchedule := s
	if nextSchedule.TotalStaked, err = fixedpoint.Sub(s.TotalStaked, amount); err != nil {
		return s, p, err
	}
	return nextSchedule, accrued, nil
}

// Pending returns rewards accrued but not yet claimed.
func Pending(p Position) uint256.Int {
	pending, err := fixedpoint.Sub(p.RewardsAccrued, p.RewardsClaimed)
	if err != nil {
		return fixedpoint.Zero
	}
	return pending
}

// Claim marks all pending rewards as paid and returns the payout.
func Claim(p Position) (Position, uint256.Int, error) {
	payout := Pending(p)
	if payout.IsZero() {
		return p, fixedpoint.Zero, fmt.Errorf("%w: nothing to claim", ledgererr.ErrInvalidAmount)
	}
	next := p
	next.RewardsClaimed = p.RewardsAccrued
	return next, payout, nil
}
