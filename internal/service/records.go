package service

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/atmx/ledger-engine/internal/amm"
	"github.com/atmx/ledger-engine/internal/bonding"
	"github.com/atmx/ledger-engine/internal/collateral"
	"github.com/atmx/ledger-engine/internal/escrow"
	"github.com/atmx/ledger-engine/internal/fixedpoint"
	"github.com/atmx/ledger-engine/internal/ledgererr"
	"github.com/atmx/ledger-engine/internal/staking"
)

// Balances maps holders to amounts. Pointer values keep the decimal JSON
// encoding, since map values are not addressable.
type Balances map[common.Address]*uint256.Int

// Of returns holder's balance, zero if absent.
func (b Balances) Of(holder common.Address) uint256.Int {
	if v, ok := b[holder]; ok && v != nil {
		return *v
	}
	return fixedpoint.Zero
}

func (b *Balances) credit(holder common.Address, amount uint256.Int) error {
	sum, err := fixedpoint.Add(b.Of(holder), amount)
	if err != nil {
		return err
	}
	if *b == nil {
		*b = Balances{}
	}
	(*b)[holder] = &sum
	return nil
}

// debit fails with insufficient when holder owns less than amount.
func (b Balances) debit(holder common.Address, amount uint256.Int, insufficient error) error {
	have := b.Of(holder)
	if have.Lt(&amount) {
		return fmt.Errorf("%w: %s holds %s, needs %s", insufficient, holder.Hex(), have.Dec(), amount.Dec())
	}
	var rest uint256.Int
	rest.Sub(&have, &amount)
	if rest.IsZero() {
		delete(b, holder)
		return nil
	}
	b[holder] = &rest
	return nil
}

// PoolRecord is a persisted AMM pool with its token pair and LP share
// holders.
type PoolRecord struct {
	ID     string         `json:"id"`
	TokenA common.Address `json:"token_a"`
	TokenB common.Address `json:"token_b"`
	Shares Balances       `json:"shares"`
	amm.Pool
}

// CurveRecord is a persisted bonding curve. Holders tracks tokens bought
// from the curve.
type CurveRecord struct {
	ID           string         `json:"id"`
	ReserveToken common.Address `json:"reserve_token"`
	Token        common.Address `json:"token"`
	Holders      Balances       `json:"holders"`
	bonding.Curve
}

// PositionRecord is a persisted collateral position.
type PositionRecord struct {
	ID              string         `json:"id"`
	CollateralToken common.Address `json:"collateral_token"`
	DebtToken       common.Address `json:"debt_token"`
	MinHealthBps    uint64         `json:"min_health_bps"`
	collateral.Position
}

// ScheduleRecord is a persisted staking schedule.
type ScheduleRecord struct {
	ID          string         `json:"id"`
	StakeToken  common.Address `json:"stake_token"`
	RewardToken common.Address `json:"reward_token"`
	staking.Schedule
}

// StakeRecord is one staker's position in a schedule.
type StakeRecord struct {
	ID         string `json:"id"`
	ScheduleID string `json:"schedule_id"`
	staking.Position
}

// EscrowRecord is a persisted escrow with the arbiter allowed to settle its
// disputes.
type EscrowRecord struct {
	Arbiter common.Address `json:"arbiter"`
	escrow.Escrow
}

func requireActor(actor, want common.Address, role string) error {
	if actor != want {
		return fmt.Errorf("%w: %s is not the %s", ledgererr.ErrUnauthorized, actor.Hex(), role)
	}
	return nil
}
