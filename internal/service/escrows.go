package service

import (
	"context"
	"fmt"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/atmx/ledger-engine/internal/escrow"
	"github.com/atmx/ledger-engine/internal/model"
	"github.com/atmx/ledger-engine/internal/outbox"
)

// CreateEscrowRequest is the JSON body for POST /escrows. The actor is the
// buyer funding the escrow.
type CreateEscrowRequest struct {
	Envelope
	ID         string         `json:"id,omitempty"`
	Seller     common.Address `json:"seller"`
	Arbiter    common.Address `json:"arbiter"`
	Token      common.Address `json:"token"`
	Amount     uint256.Int    `json:"amount"`
	DurationMs uint64         `json:"duration_ms"`
}

// FileDisputeRequest is the JSON body for POST /escrows/{id}/disputes. The
// actor is the claimant; the respondent is the other party.
type FileDisputeRequest struct {
	Envelope
	Reason string `json:"reason"`
}

// SettleDisputeRequest is the JSON body for POST /disputes/{id}/resolve and
// /reject. Winner is ignored when rejecting.
type SettleDisputeRequest struct {
	Envelope
	Resolution string         `json:"resolution"`
	Winner     common.Address `json:"winner"`
}

// EscrowResponse reports an escrow after a mutation.
type EscrowResponse struct {
	Escrow  *EscrowRecord   `json:"escrow"`
	Dispute *escrow.Dispute `json:"dispute,omitempty"`
	Version int64           `json:"version"`
}

// CreateEscrow handles POST /api/v1/escrows
func (s *Service) CreateEscrow(w http.ResponseWriter, r *http.Request) {
	var req CreateEscrowRequest
	s.handle(w, r, "escrow", "create", &req, func(ctx context.Context, now uint64) (*outcome, error) {
		id := req.ID
		if id == "" {
			id = uuid.New().String()
		}
		e, err := escrow.Create(id, req.Actor, req.Seller, req.Amount, req.Token, req.DurationMs, now)
		if err != nil {
			return nil, err
		}
		if req.Arbiter == (common.Address{}) || e.IsParty(req.Arbiter) {
			return nil, fmt.Errorf("%w: arbiter must be set and independent of both parties", errBadRequest)
		}
		rec := &EscrowRecord{Arbiter: req.Arbiter, Escrow: e}
		version, err := create(ctx, s.store, model.KindEscrow, id, rec)
		if err != nil {
			return nil, err
		}
		return &outcome{
			status:  http.StatusCreated,
			body:    &EscrowResponse{Escrow: rec, Version: version},
			changes: []change{{model.KindEscrow, id, version, rec}},
			fields:  []zap.Field{zap.String("escrow", id), zap.String("amount", e.Amount.Dec()), zap.Uint64("expires_at", e.ExpiresAt)},
		}, nil
	})
}

// GetEscrow handles GET /api/v1/escrows/{id}
func (s *Service) GetEscrow(w http.ResponseWriter, r *http.Request) {
	s.read(w, r, model.KindEscrow)
}

// GetDispute handles GET /api/v1/disputes/{id}
func (s *Service) GetDispute(w http.ResponseWriter, r *http.Request) {
	s.read(w, r, model.KindDispute)
}

// payoutIntent builds the settlement intent for a terminal escrow.
func payoutIntent(e escrow.Escrow) (*outbox.Intent, error) {
	recipient, amount, err := escrow.Payout(e)
	if err != nil {
		return nil, err
	}
	return &outbox.Intent{Kind: model.KindEscrow, EntityID: e.ID, Recipient: recipient, Token: e.Token, Amount: amount}, nil
}

// settleEscrow applies a direct (non-dispute) settlement.
func (s *Service) settleEscrow(w http.ResponseWriter, r *http.Request, op string, apply func(e escrow.Escrow, actor common.Address, now uint64) (escrow.Escrow, error)) {
	var req Envelope
	id := chi.URLParam(r, "id")
	s.handle(w, r, "escrow", op, &req, func(ctx context.Context, now uint64) (*outcome, error) {
		rec, version, err := load[EscrowRecord](ctx, s.store, model.KindEscrow, id)
		if err != nil {
			return nil, err
		}
		next, err := apply(rec.Escrow, req.Actor, now)
		if err != nil {
			return nil, err
		}
		intent, err := payoutIntent(next)
		if err != nil {
			return nil, err
		}

		rec.Escrow = next
		if version, err = save(ctx, s.store, model.KindEscrow, id, &rec, version); err != nil {
			return nil, err
		}
		return &outcome{
			body:    &EscrowResponse{Escrow: &rec, Version: version},
			changes: []change{{model.KindEscrow, id, version, &rec}},
			intents: []*outbox.Intent{intent},
			fields:  []zap.Field{zap.String("escrow", id), zap.String("state", next.State.String()), zap.String("winner", next.Winner.Hex())},
		}, nil
	})
}

// ReleaseEscrow handles POST /api/v1/escrows/{id}/release
func (s *Service) ReleaseEscrow(w http.ResponseWriter, r *http.Request) {
	s.settleEscrow(w, r, "release", escrow.Release)
}

// RefundEscrow handles POST /api/v1/escrows/{id}/refund under the
// configured refund policy.
func (s *Service) RefundEscrow(w http.ResponseWriter, r *http.Request) {
	s.settleEscrow(w, r, "refund", func(e escrow.Escrow, actor common.Address, now uint64) (escrow.Escrow, error) {
		return escrow.Refund(e, actor, now, s.refundPolicy)
	})
}

// FileDispute handles POST /api/v1/escrows/{id}/disputes
func (s *Service) FileDispute(w http.ResponseWriter, r *http.Request) {
	var req FileDisputeRequest
	id := chi.URLParam(r, "id")
	s.handle(w, r, "escrow", "dispute", &req, func(ctx context.Context, now uint64) (*outcome, error) {
		rec, version, err := load[EscrowRecord](ctx, s.store, model.KindEscrow, id)
		if err != nil {
			return nil, err
		}
		disputeID := uuid.New().String()
		next, d, err := escrow.FileDispute(rec.Escrow, disputeID, req.Actor, rec.Counterparty(req.Actor), req.Reason, now)
		if err != nil {
			return nil, err
		}

		rec.Escrow = next
		changes := []change{
			{model.KindEscrow, id, version, &rec},
			{model.KindDispute, disputeID, 0, &d},
		}
		if err := saveAll(ctx, s.store, changes); err != nil {
			return nil, err
		}
		return &outcome{
			status:  http.StatusCreated,
			body:    &EscrowResponse{Escrow: &rec, Dispute: &d, Version: changes[0].version},
			changes: changes,
			fields: []zap.Field{zap.String("escrow", id), zap.String("dispute", disputeID)},
		}, nil
	})
}

// settleDispute closes a dispute. Only the escrow's arbiter may do so.
func (s *Service) settleDispute(w http.ResponseWriter, r *http.Request, op string,
	apply func(e escrow.Escrow, d escrow.Dispute, req *SettleDisputeRequest, now uint64) (escrow.Escrow, escrow.Dispute, error)) {
	var req SettleDisputeRequest
	disputeID := chi.URLParam(r, "id")
	s.handle(w, r, "escrow", op, &req, func(ctx context.Context, now uint64) (*outcome, error) {
		d, disputeVersion, err := load[escrow.Dispute](ctx, s.store, model.KindDispute, disputeID)
		if err != nil {
			return nil, err
		}
		rec, version, err := load[EscrowRecord](ctx, s.store, model.KindEscrow, d.EscrowID)
		if err != nil {
			return nil, err
		}
		if err := requireActor(req.Actor, rec.Arbiter, "arbiter"); err != nil {
			return nil, err
		}
		nextEscrow, nextDispute, err := apply(rec.Escrow, d, &req, now)
		if err != nil {
			return nil, err
		}
		intent, err := payoutIntent(nextEscrow)
		if err != nil {
			return nil, err
		}

		rec.Escrow = nextEscrow
		changes := []change{
			{model.KindEscrow, rec.ID, version, &rec},
			{model.KindDispute, disputeID, disputeVersion, &nextDispute},
		}
		if err := saveAll(ctx, s.store, changes); err != nil {
			return nil, err
		}
		return &outcome{
			body:    &EscrowResponse{Escrow: &rec, Dispute: &nextDispute, Version: changes[0].version},
			changes: changes,
			intents: []*outbox.Intent{intent},
			fields: []zap.Field{
				zap.String("escrow", rec.ID),
				zap.String("dispute", disputeID),
				zap.String("outcome", nextDispute.State.String()),
				zap.String("winner", nextDispute.Winner.Hex()),
			},
		}, nil
	})
}

// ResolveDispute handles POST /api/v1/disputes/{id}/resolve
func (s *Service) ResolveDispute(w http.ResponseWriter, r *http.Request) {
	s.settleDispute(w, r, "resolve", func(e escrow.Escrow, d escrow.Dispute, req *SettleDisputeRequest, now uint64) (escrow.Escrow, escrow.Dispute, error) {
		return escrow.ResolveDispute(e, d, req.Resolution, req.Winner, now)
	})
}

// RejectDispute handles POST /api/v1/disputes/{id}/reject
func (s *Service) RejectDispute(w http.ResponseWriter, r *http.Request) {
	s.settleDispute(w, r, "reject", func(e escrow.Escrow, d escrow.Dispute, req *SettleDisputeRequest, now uint64) (escrow.Escrow, escrow.Dispute, error) {
		return escrow.RejectDispute(e, d, req.Resolution, now)
	})
}
