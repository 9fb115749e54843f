package service

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atmx/ledger-engine/internal/amm"
	"github.com/atmx/ledger-engine/internal/ledgererr"
	"github.com/atmx/ledger-engine/internal/model"
	"github.com/atmx/ledger-engine/internal/outbox"
)

// CreatePoolRequest is the JSON body for POST /pools.
type CreatePoolRequest struct {
	Envelope
	ID     string         `json:"id,omitempty"`
	TokenA common.Address `json:"token_a"`
	TokenB common.Address `json:"token_b"`
	FeeBps *uint16        `json:"fee_bps,omitempty"` // nil → amm.DefaultFeeBps
}

// SwapRequest is the JSON body for POST /pools/{id}/swap and /quote.
type SwapRequest struct {
	Envelope
	TokenIn      amm.Token   `json:"token_in"`
	AmountIn     uint256.Int `json:"amount_in"`
	MinAmountOut uint256.Int `json:"min_amount_out"`
}

// SwapResponse reports a swap or quote.
type SwapResponse struct {
	PoolID    string          `json:"pool_id"`
	TokenIn   amm.Token       `json:"token_in"`
	AmountIn  uint256.Int     `json:"amount_in"`
	AmountOut uint256.Int     `json:"amount_out"`
	SpotPrice decimal.Decimal `json:"spot_price"`
	Version   int64           `json:"version,omitempty"`
}

// AddLiquidityRequest is the JSON body for POST /pools/{id}/liquidity.
// ToleranceBps, when set, rejects deposits off the pool ratio.
type AddLiquidityRequest struct {
	Envelope
	AmountA      uint256.Int `json:"amount_a"`
	AmountB      uint256.Int `json:"amount_b"`
	ToleranceBps *uint64     `json:"tolerance_bps,omitempty"`
}

// RemoveLiquidityRequest is the JSON body for POST /pools/{id}/liquidity/remove.
type RemoveLiquidityRequest struct {
	Envelope
	Shares uint256.Int `json:"shares"`
}

// LiquidityResponse reports a deposit or withdrawal.
type LiquidityResponse struct {
	PoolID  string      `json:"pool_id"`
	Shares  uint256.Int `json:"shares"`
	AmountA uint256.Int `json:"amount_a"`
	AmountB uint256.Int `json:"amount_b"`
	Pool    *PoolRecord `json:"pool"`
	Version int64       `json:"version"`
}

// CreatePool handles POST /api/v1/pools
func (s *Service) CreatePool(w http.ResponseWriter, r *http.Request) {
	var req CreatePoolRequest
	s.handle(w, r, "amm", "create", &req, func(ctx context.Context, _ uint64) (*outcome, error) {
		if req.TokenA == req.TokenB {
			return nil, fmt.Errorf("%w: pool tokens must differ", errBadRequest)
		}
		fee := uint16(amm.DefaultFeeBps)
		if req.FeeBps != nil {
			fee = *req.FeeBps
		}
		pool, err := amm.NewPool(fee)
		if err != nil {
			return nil, err
		}
		rec := &PoolRecord{ID: req.ID, TokenA: req.TokenA, TokenB: req.TokenB, Shares: Balances{}, Pool: pool}
		if rec.ID == "" {
			rec.ID = uuid.New().String()
		}
		version, err := create(ctx, s.store, model.KindPool, rec.ID, rec)
		if err != nil {
			return nil, err
		}
		return &outcome{
			status:  http.StatusCreated,
			body:    rec,
			changes: []change{{model.KindPool, rec.ID, version, rec}},
			fields:  []zap.Field{zap.String("pool", rec.ID), zap.Uint16("fee_bps", fee)},
		}, nil
	})
}

// GetPool handles GET /api/v1/pools/{id}
func (s *Service) GetPool(w http.ResponseWriter, r *http.Request) {
	s.read(w, r, model.KindPool)
}

// QuoteSwap handles POST /api/v1/pools/{id}/quote. Quotes are read-only and
// are not rate limited.
func (s *Service) QuoteSwap(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	var req SwapRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, "amm", "quote", started, err)
		return
	}
	id := chi.URLParam(r, "id")
	rec, _, err := load[PoolRecord](r.Context(), s.store, model.KindPool, id)
	if err != nil {
		s.fail(w, "amm", "quote", started, err)
		return
	}
	out, err := amm.QuoteSwap(rec.Pool, req.TokenIn, req.AmountIn)
	if err != nil {
		s.fail(w, "amm", "quote", started, err)
		return
	}
	price, _ := amm.SpotPrice(rec.Pool)
	resp := &SwapResponse{PoolID: id, TokenIn: req.TokenIn, AmountIn: req.AmountIn, AmountOut: out, SpotPrice: price}
	s.succeed(w, "amm", "quote", started, http.StatusOK, resp, zap.String("pool", id))
}

// Swap handles POST /api/v1/pools/{id}/swap
func (s *Service) Swap(w http.ResponseWriter, r *http.Request) {
	var req SwapRequest
	id := chi.URLParam(r, "id")
	s.handle(w, r, "amm", "swap", &req, func(ctx context.Context, _ uint64) (*outcome, error) {
		rec, version, err := load[PoolRecord](ctx, s.store, model.KindPool, id)
		if err != nil {
			return nil, err
		}
		next, out, err := amm.Swap(rec.Pool, req.TokenIn, req.AmountIn)
		if err != nil {
			return nil, err
		}
		if out.Lt(&req.MinAmountOut) {
			return nil, fmt.Errorf("%w: output %s below minimum %s",
				ledgererr.ErrInsufficientLiquidity, out.Dec(), req.MinAmountOut.Dec())
		}
		tokenOut := rec.TokenB
		if req.TokenIn == amm.TokenB {
			tokenOut = rec.TokenA
		}

		rec.Pool = next
		if version, err = save(ctx, s.store, model.KindPool, id, &rec, version); err != nil {
			return nil, err
		}
		price, _ := amm.SpotPrice(next)
		resp := &SwapResponse{PoolID: id, TokenIn: req.TokenIn, AmountIn: req.AmountIn, AmountOut: out, SpotPrice: price, Version: version}
		return &outcome{
			body:    resp,
			changes: []change{{model.KindPool, id, version, &rec}},
			intents: []*outbox.Intent{{Kind: model.KindPool, EntityID: id, Recipient: req.Actor, Token: tokenOut, Amount: out}},
			fields: []zap.Field{
				zap.String("pool", id),
				zap.String("token_in", string(req.TokenIn)),
				zap.String("amount_in", req.AmountIn.Dec()),
				zap.String("amount_out", out.Dec()),
			},
		}, nil
	})
}

// AddLiquidity handles POST /api/v1/pools/{id}/liquidity
func (s *Service) AddLiquidity(w http.ResponseWriter, r *http.Request) {
	var req AddLiquidityRequest
	id := chi.URLParam(r, "id")
	s.handle(w, r, "amm", "add_liquidity", &req, func(ctx context.Context, _ uint64) (*outcome, error) {
		rec, version, err := load[PoolRecord](ctx, s.store, model.KindPool, id)
		if err != nil {
			return nil, err
		}
		var next amm.Pool
		var minted uint256.Int
		if req.ToleranceBps != nil {
			next, minted, err = amm.AddLiquidityWithTolerance(rec.Pool, req.AmountA, req.AmountB, *req.ToleranceBps)
		} else {
			next, minted, err = amm.AddLiquidity(rec.Pool, req.AmountA, req.AmountB)
		}
		if err != nil {
			return nil, err
		}
		if err := rec.Shares.credit(req.Actor, minted); err != nil {
			return nil, err
		}

		rec.Pool = next
		if version, err = save(ctx, s.store, model.KindPool, id, &rec, version); err != nil {
			return nil, err
		}
		resp := &LiquidityResponse{PoolID: id, Shares: minted, AmountA: req.AmountA, AmountB: req.AmountB, Pool: &rec, Version: version}
		return &outcome{
			body:    resp,
			changes: []change{{model.KindPool, id, version, &rec}},
			fields:  []zap.Field{zap.String("pool", id), zap.String("shares", minted.Dec())},
		}, nil
	})
}

// RemoveLiquidity handles POST /api/v1/pools/{id}/liquidity/remove
func (s *Service) RemoveLiquidity(w http.ResponseWriter, r *http.Request) {
	var req RemoveLiquidityRequest
	id := chi.URLParam(r, "id")
	s.handle(w, r, "amm", "remove_liquidity", &req, func(ctx context.Context, _ uint64) (*outcome, error) {
		rec, version, err := load[PoolRecord](ctx, s.store, model.KindPool, id)
		if err != nil {
			return nil, err
		}
		next, amountA, amountB, err := amm.RemoveLiquidity(rec.Pool, req.Shares)
		if err != nil {
			return nil, err
		}
		if err := rec.Shares.debit(req.Actor, req.Shares, ledgererr.ErrInsufficientShares); err != nil {
			return nil, err
		}

		rec.Pool = next
		if version, err = save(ctx, s.store, model.KindPool, id, &rec, version); err != nil {
			return nil, err
		}
		resp := &LiquidityResponse{PoolID: id, Shares: req.Shares, AmountA: amountA, AmountB: amountB, Pool: &rec, Version: version}
		return &outcome{
			body:    resp,
			changes: []change{{model.KindPool, id, version, &rec}},
			intents: []*outbox.Intent{
				{Kind: model.KindPool, EntityID: id, Recipient: req.Actor, Token: rec.TokenA, Amount: amountA},
				{Kind: model.KindPool, EntityID: id, Recipient: req.Actor, Token: rec.TokenB, Amount: amountB},
			},
			fields: []zap.Field{zap.String("pool", id), zap.String("shares", req.Shares.Dec())},
		}, nil
	})
}
