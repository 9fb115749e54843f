package service

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atmx/ledger-engine/internal/collateral"
	"github.com/atmx/ledger-engine/internal/ledgererr"
	"github.com/atmx/ledger-engine/internal/model"
	"github.com/atmx/ledger-engine/internal/outbox"
)

// DefaultMinHealthBps is the health a position must keep after borrowing
// or withdrawing when it was opened without one (120%).
const DefaultMinHealthBps = 12_000

// OpenPositionRequest is the JSON body for POST /positions. The actor owns
// the position; both tokens are valued at their published prices.
type OpenPositionRequest struct {
	Envelope
	ID               string         `json:"id,omitempty"`
	CollateralToken  common.Address `json:"collateral_token"`
	DebtToken        common.Address `json:"debt_token"`
	CollateralAmount uint256.Int    `json:"collateral_amount"`
	DebtAmount       uint256.Int    `json:"debt_amount"`
	MinHealthBps     uint64         `json:"min_health_bps,omitempty"`
}

// RepriceRequest is the JSON body for POST /positions/{id}/reprice. Only
// the price oracle may reprice.
type RepriceRequest struct {
	Envelope
	CollateralPrice uint256.Int `json:"collateral_price"`
	DebtPrice       uint256.Int `json:"debt_price"`
}

// AmountRequest is the JSON body for endpoints that move a single amount.
type AmountRequest struct {
	Envelope
	Amount uint256.Int `json:"amount"`
}

// PositionResponse reports a position after a mutation.
type PositionResponse struct {
	Position  *PositionRecord `json:"position"`
	HealthBps uint256.Int     `json:"health_bps"`
	Version   int64           `json:"version"`
}

// HealthResponse is the body of GET /positions/{id}/health.
type HealthResponse struct {
	PositionID    string          `json:"position_id"`
	HealthBps     uint256.Int     `json:"health_bps"`
	HealthPercent decimal.Decimal `json:"health_percent"`
	Finite        bool            `json:"finite"`
	ThresholdBps  uint64          `json:"threshold_bps"`
	Liquidatable  bool            `json:"liquidatable"`
	MaxBorrow     uint256.Int     `json:"max_borrow"`
}

// OpenPosition handles POST /api/v1/positions
func (s *Service) OpenPosition(w http.ResponseWriter, r *http.Request) {
	var req OpenPositionRequest
	s.handle(w, r, "collateral", "open", &req, func(ctx context.Context, _ uint64) (*outcome, error) {
		collateralPrice, err := s.priceOf(ctx, req.CollateralToken)
		if err != nil {
			return nil, err
		}
		debtPrice, err := s.priceOf(ctx, req.DebtToken)
		if err != nil {
			return nil, err
		}
		pos, err := collateral.OpenPosition(req.Actor, req.CollateralAmount, req.DebtAmount, collateralPrice, debtPrice)
		if err != nil {
			return nil, err
		}
		rec := &PositionRecord{
			ID:              req.ID,
			CollateralToken: req.CollateralToken,
			DebtToken:       req.DebtToken,
			MinHealthBps:    req.MinHealthBps,
			Position:        pos,
		}
		if rec.ID == "" {
			rec.ID = uuid.New().String()
		}
		if rec.MinHealthBps == 0 {
			rec.MinHealthBps = DefaultMinHealthBps
		}
		below, err := collateral.IsLiquidatable(pos, rec.MinHealthBps)
		if err != nil {
			return nil, err
		}
		if below {
			return nil, fmt.Errorf("%w: opening health below %d bps", ledgererr.ErrInvalidState, rec.MinHealthBps)
		}

		version, err := create(ctx, s.store, model.KindPosition, rec.ID, rec)
		if err != nil {
			return nil, err
		}
		health, _ := collateral.HealthRatio(pos)
		out := &outcome{
			status:  http.StatusCreated,
			body:    &PositionResponse{Position: rec, HealthBps: health, Version: version},
			changes: []change{{model.KindPosition, rec.ID, version, rec}},
			fields:  []zap.Field{zap.String("position", rec.ID), zap.String("health_bps", health.Dec())},
		}
		if !pos.DebtAmount.IsZero() {
			out.intents = []*outbox.Intent{{Kind: model.KindPosition, EntityID: rec.ID, Recipient: req.Actor, Token: rec.DebtToken, Amount: pos.DebtAmount}}
		}
		return out, nil
	})
}

// GetPosition handles GET /api/v1/positions/{id}
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	s.read(w, r, model.KindPosition)
}

// PositionHealth handles GET /api/v1/positions/{id}/health?threshold_bps=
// The threshold defaults to the position's minimum health.
func (s *Service) PositionHealth(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	id := chi.URLParam(r, "id")
	rec, _, err := load[PositionRecord](r.Context(), s.store, model.KindPosition, id)
	if err != nil {
		s.fail(w, "collateral", "health", started, err)
		return
	}

	threshold := rec.MinHealthBps
	if raw := r.URL.Query().Get("threshold_bps"); raw != "" {
		if threshold, err = strconv.ParseUint(raw, 10, 64); err != nil {
			s.fail(w, "collateral", "health", started, fmt.Errorf("%w: threshold_bps %q", errBadRequest, raw))
			return
		}
	}

	health, err := collateral.HealthRatio(rec.Position)
	if err != nil {
		s.fail(w, "collateral", "health", started, err)
		return
	}
	liquidatable, err := collateral.IsLiquidatable(rec.Position, threshold)
	if err != nil {
		s.fail(w, "collateral", "health", started, err)
		return
	}
	percent, finite, err := collateral.HealthPercent(rec.Position)
	if err != nil {
		s.fail(w, "collateral", "health", started, err)
		return
	}
	var headroom uint256.Int
	if threshold > 0 {
		if headroom, err = collateral.MaxBorrow(rec.Position, threshold); err != nil {
			s.fail(w, "collateral", "health", started, err)
			return
		}
	}

	resp := &HealthResponse{
		PositionID:    id,
		HealthBps:     health,
		HealthPercent: percent,
		Finite:        finite,
		ThresholdBps:  threshold,
		Liquidatable:  liquidatable,
		MaxBorrow:     headroom,
	}
	s.succeed(w, "collateral", "health", started, http.StatusOK, resp,
		zap.String("position", id), zap.Bool("liquidatable", liquidatable))
}

// positionStep applies fn to a position and persists the result. owner,
// when true, restricts the step to the position's owner.
func (s *Service) positionStep(w http.ResponseWriter, r *http.Request, op string, req enveloped, owner bool,
	fn func(rec *PositionRecord) (collateral.Position, *outbox.Intent, error)) {
	id := chi.URLParam(r, "id")
	s.handle(w, r, "collateral", op, req, func(ctx context.Context, _ uint64) (*outcome, error) {
		rec, version, err := load[PositionRecord](ctx, s.store, model.KindPosition, id)
		if err != nil {
			return nil, err
		}
		if owner {
			if err := requireActor(req.envelope().Actor, rec.Owner, "position owner"); err != nil {
				return nil, err
			}
		}
		next, intent, err := fn(&rec)
		if err != nil {
			return nil, err
		}

		rec.Position = next
		if version, err = save(ctx, s.store, model.KindPosition, id, &rec, version); err != nil {
			return nil, err
		}
		health, _ := collateral.HealthRatio(next)
		out := &outcome{
			body:    &PositionResponse{Position: &rec, HealthBps: health, Version: version},
			changes: []change{{model.KindPosition, id, version, &rec}},
			fields:  []zap.Field{zap.String("position", id), zap.String("health_bps", health.Dec())},
		}
		if intent != nil {
			intent.Kind = model.KindPosition
			intent.EntityID = id
			out.intents = []*outbox.Intent{intent}
		}
		return out, nil
	})
}

// RepricePosition handles POST /api/v1/positions/{id}/reprice
func (s *Service) RepricePosition(w http.ResponseWriter, r *http.Request) {
	var req RepriceRequest
	s.positionStep(w, r, "reprice", &req, false, func(rec *PositionRecord) (collateral.Position, *outbox.Intent, error) {
		if err := requireActor(req.Actor, s.priceOracle, "price oracle"); err != nil {
			return rec.Position, nil, err
		}
		next, err := collateral.Reprice(rec.Position, req.CollateralPrice, req.DebtPrice)
		return next, nil, err
	})
}

// AddCollateral handles POST /api/v1/positions/{id}/collateral
func (s *Service) AddCollateral(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	s.positionStep(w, r, "add_collateral", &req, false, func(rec *PositionRecord) (collateral.Position, *outbox.Intent, error) {
		next, err := collateral.AddCollateral(rec.Position, req.Amount)
		return next, nil, err
	})
}

// WithdrawCollateral handles POST /api/v1/positions/{id}/withdraw
func (s *Service) WithdrawCollateral(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	s.positionStep(w, r, "withdraw", &req, true, func(rec *PositionRecord) (collateral.Position, *outbox.Intent, error) {
		next, err := collateral.WithdrawCollateral(rec.Position, req.Amount, rec.MinHealthBps)
		if err != nil {
			return next, nil, err
		}
		return next, &outbox.Intent{Recipient: rec.Owner, Token: rec.CollateralToken, Amount: req.Amount}, nil
	})
}

// Borrow handles POST /api/v1/positions/{id}/borrow
func (s *Service) Borrow(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	s.positionStep(w, r, "borrow", &req, true, func(rec *PositionRecord) (collateral.Position, *outbox.Intent, error) {
		next, err := collateral.Borrow(rec.Position, req.Amount, rec.MinHealthBps)
		if err != nil {
			return next, nil, err
		}
		return next, &outbox.Intent{Recipient: rec.Owner, Token: rec.DebtToken, Amount: req.Amount}, nil
	})
}

// Repay handles POST /api/v1/positions/{id}/repay
func (s *Service) Repay(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	s.positionStep(w, r, "repay", &req, false, func(rec *PositionRecord) (collateral.Position, *outbox.Intent, error) {
		next, err := collateral.Repay(rec.Position, req.Amount)
		return next, nil, err
	})
}
