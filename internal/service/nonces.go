package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/atmx/ledger-engine/internal/fixedpoint"
	"github.com/atmx/ledger-engine/internal/model"
	"github.com/atmx/ledger-engine/internal/replay"
	"github.com/atmx/ledger-engine/internal/store"
)

// NonceResponse reports an issued or queried nonce.
type NonceResponse struct {
	Owner   common.Address `json:"owner"`
	Nonce   uint256.Int    `json:"nonce"`
	Used    bool           `json:"used"`
	Version int64          `json:"version,omitempty"`
}

func ownerParam(r *http.Request) (common.Address, error) {
	raw := chi.URLParam(r, "owner")
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%w: owner %q is not an address", errBadRequest, raw)
	}
	return common.HexToAddress(raw), nil
}

// NextNonce handles POST /api/v1/nonces/{owner}/next. Only the owner may
// draw from its registry; the registry is created on first use.
func (s *Service) NextNonce(w http.ResponseWriter, r *http.Request) {
	var req Envelope
	raw := chi.URLParam(r, "owner")
	s.handle(w, r, "replay", "next_nonce", &req, func(ctx context.Context, _ uint64) (*outcome, error) {
		owner, err := ownerParam(r)
		if err != nil {
			return nil, err
		}
		if err := requireActor(req.Actor, owner, "nonce owner"); err != nil {
			return nil, err
		}
		id := owner.Hex()

		reg, version, err := load[replay.NonceRegistry](ctx, s.store, model.KindNonceRegistry, id)
		fresh := errors.Is(err, store.ErrNotFound)
		if fresh {
			reg = replay.NewNonceRegistry(owner)
		} else if err != nil {
			return nil, err
		}

		next, nonce, err := replay.NextNonce(reg)
		if err != nil {
			return nil, err
		}
		if fresh {
			version, err = create(ctx, s.store, model.KindNonceRegistry, id, &next)
		} else {
			version, err = save(ctx, s.store, model.KindNonceRegistry, id, &next, version)
		}
		if err != nil {
			return nil, err
		}
		return &outcome{
			body:    &NonceResponse{Owner: owner, Nonce: nonce, Used: true, Version: version},
			changes: []change{{model.KindNonceRegistry, id, version, &next}},
			fields:  []zap.Field{zap.String("owner", raw), zap.String("nonce", nonce.Dec())},
		}, nil
	})
}

// IsNonceUsed handles GET /api/v1/nonces/{owner}/{nonce}
func (s *Service) IsNonceUsed(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerParam(r)
	if err != nil {
		status, kind := statusFor(err)
		writeJSON(w, status, &ErrorResponse{Error: err.Error(), Kind: kind})
		return
	}
	nonce, err := fixedpoint.Parse(chi.URLParam(r, "nonce"))
	if err != nil {
		status, kind := statusFor(err)
		writeJSON(w, status, &ErrorResponse{Error: err.Error(), Kind: kind})
		return
	}

	resp := &NonceResponse{Owner: owner, Nonce: nonce}
	reg, _, err := load[replay.NonceRegistry](r.Context(), s.store, model.KindNonceRegistry, owner.Hex())
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		status, kind := statusFor(err)
		writeJSON(w, status, &ErrorResponse{Error: err.Error(), Kind: kind})
		return
	default:
		resp.Used = replay.IsNonceUsed(reg, nonce)
	}
	writeJSON(w, http.StatusOK, resp)
}
