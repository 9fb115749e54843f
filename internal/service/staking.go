package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/atmx/ledger-engine/internal/ledgererr"
	"github.com/atmx/ledger-engine/internal/model"
	"github.com/atmx/ledger-engine/internal/outbox"
	"github.com/atmx/ledger-engine/internal/staking"
)

// CreateScheduleRequest is the JSON body for POST /schedules. Period bounds
// are in milliseconds.
type CreateScheduleRequest struct {
	Envelope
	ID                  string         `json:"id,omitempty"`
	StakeToken          common.Address `json:"stake_token"`
	RewardToken         common.Address `json:"reward_token"`
	RewardRatePerSecond uint256.Int    `json:"reward_rate_per_second"`
	PeriodStart         uint64         `json:"period_start"`
	PeriodEnd           uint64         `json:"period_end"`
}

// ScheduleResponse reports a created schedule and its total reward budget.
type ScheduleResponse struct {
	Schedule *ScheduleRecord `json:"schedule"`
	Budget   uint256.Int     `json:"budget"`
	Version  int64           `json:"version"`
}

// StakeResponse reports a stake after a mutation. Amount is what the
// operation earned, paid or moved.
type StakeResponse struct {
	Stake   *StakeRecord `json:"stake"`
	Amount  uint256.Int  `json:"amount"`
	Pending uint256.Int  `json:"pending"`
	Version int64        `json:"version"`
}

// CreateSchedule handles POST /api/v1/schedules
func (s *Service) CreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req CreateScheduleRequest
	s.handle(w, r, "staking", "create", &req, func(ctx context.Context, _ uint64) (*outcome, error) {
		sched, err := staking.NewSchedule(req.RewardRatePerSecond, req.PeriodStart, req.PeriodEnd)
		if err != nil {
			return nil, err
		}
		budget, err := staking.Budget(sched)
		if err != nil {
			return nil, err
		}
		rec := &ScheduleRecord{ID: req.ID, StakeToken: req.StakeToken, RewardToken: req.RewardToken, Schedule: sched}
		if rec.ID == "" {
			rec.ID = uuid.New().String()
		}
		version, err := create(ctx, s.store, model.KindSchedule, rec.ID, rec)
		if err != nil {
			return nil, err
		}
		return &outcome{
			status:  http.StatusCreated,
			body:    &ScheduleResponse{Schedule: rec, Budget: budget, Version: version},
			changes: []change{{model.KindSchedule, rec.ID, version, rec}},
			fields:  []zap.Field{zap.String("schedule", rec.ID), zap.String("budget", budget.Dec())},
		}, nil
	})
}

// GetSchedule handles GET /api/v1/schedules/{id}
func (s *Service) GetSchedule(w http.ResponseWriter, r *http.Request) {
	s.read(w, r, model.KindSchedule)
}

// GetStake handles GET /api/v1/stakes/{id}
func (s *Service) GetStake(w http.ResponseWriter, r *http.Request) {
	s.read(w, r, model.KindStake)
}

// Stake handles POST /api/v1/schedules/{id}/stakes
func (s *Service) Stake(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	scheduleID := chi.URLParam(r, "id")
	s.handle(w, r, "staking", "stake", &req, func(ctx context.Context, now uint64) (*outcome, error) {
		sched, schedVersion, err := load[ScheduleRecord](ctx, s.store, model.KindSchedule, scheduleID)
		if err != nil {
			return nil, err
		}
		settled, err := s.settleStakes(ctx, scheduleID, sched.Schedule, now)
		if err != nil {
			return nil, err
		}
		nextSched, pos, err := staking.Stake(sched.Schedule, req.Actor, req.Amount, now)
		if err != nil {
			return nil, err
		}

		sched.Schedule = nextSched
		stake := &StakeRecord{ID: uuid.New().String(), ScheduleID: scheduleID, Position: pos}
		changes := append([]change{
			{model.KindSchedule, scheduleID, schedVersion, &sched},
			{model.KindStake, stake.ID, 0, stake},
		}, settled.changes("")...)
		if err := saveAll(ctx, s.store, changes); err != nil {
			return nil, err
		}
		return &outcome{
			status:  http.StatusCreated,
			body:    &StakeResponse{Stake: stake, Amount: req.Amount, Version: changes[1].version},
			changes: changes,
			fields:  []zap.Field{zap.String("schedule", scheduleID), zap.String("stake", stake.ID), zap.String("amount", req.Amount.Dec())},
		}, nil
	})
}

// settledStake is a stake of a schedule accrued up to the settlement time.
type settledStake struct {
	rec     StakeRecord
	version int64
	dirty   bool
}

type settlement []*settledStake

// changes returns the settled stakes that moved, except skip.
func (st settlement) changes(skip string) []change {
	var out []change
	for _, ss := range st {
		if ss.dirty && ss.rec.ID != skip {
			out = append(out, change{model.KindStake, ss.rec.ID, ss.version, &ss.rec})
		}
	}
	return out
}

// settleStakes accrues every open stake of a schedule up to now. It runs
// before any change to the schedule's total, so rewards for the time
// already elapsed are split by the old total. A stake accrued past now
// would then have been paid at a share it no longer holds, so the change
// is refused.
func (s *Service) settleStakes(ctx context.Context, scheduleID string, sched staking.Schedule, now uint64) (settlement, error) {
	snaps, err := s.store.ListSnapshots(ctx, model.KindStake)
	if err != nil {
		return nil, fmt.Errorf("list stakes: %w", err)
	}

	var out settlement
	for _, snap := range snaps {
		var rec StakeRecord
		if err := json.Unmarshal(snap.State, &rec); err != nil {
			return nil, fmt.Errorf("decode stake %s: %w", snap.ID, err)
		}
		if rec.ScheduleID != scheduleID || rec.Amount.IsZero() {
			continue
		}
		if rec.LastAccruedAt > now {
			return nil, fmt.Errorf("%w: stake %s already accrued to %d", ledgererr.ErrOutOfWindow, rec.ID, rec.LastAccruedAt)
		}
		next, _, err := staking.Accrue(rec.Position, sched, now)
		if err != nil {
			return nil, err
		}
		dirty := next != rec.Position
		rec.Position = next
		out = append(out, &settledStake{rec: rec, version: snap.Version, dirty: dirty})
	}
	return out, nil
}

// stakeState is a stake loaded together with its schedule.
type stakeState struct {
	stake        StakeRecord
	stakeVersion int64
	sched        ScheduleRecord
	schedVersion int64
}

func (s *Service) loadStake(ctx context.Context, id string, actor common.Address) (*stakeState, error) {
	stake, stakeVersion, err := load[StakeRecord](ctx, s.store, model.KindStake, id)
	if err != nil {
		return nil, err
	}
	if err := requireActor(actor, stake.Staker, "staker"); err != nil {
		return nil, err
	}
	sched, schedVersion, err := load[ScheduleRecord](ctx, s.store, model.KindSchedule, stake.ScheduleID)
	if err != nil {
		return nil, err
	}
	return &stakeState{stake: stake, stakeVersion: stakeVersion, sched: sched, schedVersion: schedVersion}, nil
}

// Accrue handles POST /api/v1/stakes/{id}/accrue
func (s *Service) Accrue(w http.ResponseWriter, r *http.Request) {
	var req Envelope
	id := chi.URLParam(r, "id")
	s.handle(w, r, "staking", "accrue", &req, func(ctx context.Context, now uint64) (*outcome, error) {
		st, err := s.loadStake(ctx, id, req.Actor)
		if err != nil {
			return nil, err
		}
		next, earned, err := staking.Accrue(st.stake.Position, st.sched.Schedule, now)
		if err != nil {
			return nil, err
		}

		st.stake.Position = next
		version, err := save(ctx, s.store, model.KindStake, id, &st.stake, st.stakeVersion)
		if err != nil {
			return nil, err
		}
		return &outcome{
			body:    &StakeResponse{Stake: &st.stake, Amount: earned, Pending: staking.Pending(next), Version: version},
			changes: []change{{model.KindStake, id, version, &st.stake}},
			fields:  []zap.Field{zap.String("stake", id), zap.String("earned", earned.Dec())},
		}, nil
	})
}

// Claim handles POST /api/v1/stakes/{id}/claim. Rewards are accrued up to
// now before paying out.
func (s *Service) Claim(w http.ResponseWriter, r *http.Request) {
	var req Envelope
	id := chi.URLParam(r, "id")
	s.handle(w, r, "staking", "claim", &req, func(ctx context.Context, now uint64) (*outcome, error) {
		st, err := s.loadStake(ctx, id, req.Actor)
		if err != nil {
			return nil, err
		}
		pos := st.stake.Position
		if !pos.Amount.IsZero() {
			if pos, _, err = staking.Accrue(pos, st.sched.Schedule, now); err != nil {
				return nil, err
			}
		}
		next, payout, err := staking.Claim(pos)
		if err != nil {
			return nil, err
		}

		st.stake.Position = next
		version, err := save(ctx, s.store, model.KindStake, id, &st.stake, st.stakeVersion)
		if err != nil {
			return nil, err
		}
		return &outcome{
			body:    &StakeResponse{Stake: &st.stake, Amount: payout, Version: version},
			changes: []change{{model.KindStake, id, version, &st.stake}},
			intents: []*outbox.Intent{{Kind: model.KindStake, EntityID: id, Recipient: next.Staker, Token: st.sched.RewardToken, Amount: payout}},
			fields:  []zap.Field{zap.String("stake", id), zap.String("payout", payout.Dec())},
		}, nil
	})
}

// AddStake handles POST /api/v1/stakes/{id}/add
func (s *Service) AddStake(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	id := chi.URLParam(r, "id")
	s.handle(w, r, "staking", "add_stake", &req, func(ctx context.Context, now uint64) (*outcome, error) {
		st, settled, err := s.loadSettledStake(ctx, id, req.Actor, now)
		if err != nil {
			return nil, err
		}
		nextSched, next, err := staking.AddStake(st.sched.Schedule, st.stake.Position, req.Amount, now)
		if err != nil {
			return nil, err
		}
		return s.saveStakeAndSchedule(ctx, st, settled, nextSched, next, req.Amount, nil)
	})
}

// Unstake handles POST /api/v1/stakes/{id}/unstake
func (s *Service) Unstake(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	id := chi.URLParam(r, "id")
	s.handle(w, r, "staking", "unstake", &req, func(ctx context.Context, now uint64) (*outcome, error) {
		st, settled, err := s.loadSettledStake(ctx, id, req.Actor, now)
		if err != nil {
			return nil, err
		}
		nextSched, next, err := staking.Unstake(st.sched.Schedule, st.stake.Position, req.Amount, now)
		if err != nil {
			return nil, err
		}
		intent := &outbox.Intent{Kind: model.KindStake, EntityID: id, Recipient: next.Staker, Token: st.sched.StakeToken, Amount: req.Amount}
		return s.saveStakeAndSchedule(ctx, st, settled, nextSched, next, req.Amount, intent)
	})
}

// loadSettledStake loads a stake for its staker and settles every stake of
// its schedule at now. The returned stake carries its settled position.
func (s *Service) loadSettledStake(ctx context.Context, id string, actor common.Address, now uint64) (*stakeState, settlement, error) {
	st, err := s.loadStake(ctx, id, actor)
	if err != nil {
		return nil, nil, err
	}
	settled, err := s.settleStakes(ctx, st.sched.ID, st.sched.Schedule, now)
	if err != nil {
		return nil, nil, err
	}
	for _, ss := range settled {
		if ss.rec.ID == id {
			st.stake = ss.rec
		}
	}
	return st, settled, nil
}

// saveStakeAndSchedule writes the schedule, the stake and every other stake
// moved by settlement in one batch.
func (s *Service) saveStakeAndSchedule(ctx context.Context, st *stakeState, settled settlement, sched staking.Schedule, pos staking.Position, moved uint256.Int, intent *outbox.Intent) (*outcome, error) {
	st.sched.Schedule = sched
	st.stake.Position = pos
	changes := append([]change{
		{model.KindSchedule, st.sched.ID, st.schedVersion, &st.sched},
		{model.KindStake, st.stake.ID, st.stakeVersion, &st.stake},
	}, settled.changes(st.stake.ID)...)
	if err := saveAll(ctx, s.store, changes); err != nil {
		return nil, err
	}
	out := &outcome{
		body:    &StakeResponse{Stake: &st.stake, Amount: moved, Pending: staking.Pending(pos), Version: changes[1].version},
		changes: changes,
		fields:  []zap.Field{zap.String("stake", st.stake.ID), zap.String("amount", moved.Dec())},
	}
	if intent != nil {
		out.intents = []*outbox.Intent{intent}
	}
	return out, nil
}
