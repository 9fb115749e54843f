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

	"github.com/atmx/ledger-engine/internal/bonding"
	"github.com/atmx/ledger-engine/internal/ledgererr"
	"github.com/atmx/ledger-engine/internal/model"
	"github.com/atmx/ledger-engine/internal/outbox"
)

// CreateCurveRequest is the JSON body for POST /curves.
type CreateCurveRequest struct {
	Envelope
	ID             string         `json:"id,omitempty"`
	ReserveToken   common.Address `json:"reserve_token"`
	Token          common.Address `json:"token"`
	VirtualReserve uint256.Int    `json:"virtual_reserve"`
	VirtualSupply  uint256.Int    `json:"virtual_supply"`
}

// CurveTradeRequest is the JSON body for POST /curves/{id}/buy and /sell.
// Amount is reserve paid in for a buy and tokens returned for a sell.
type CurveTradeRequest struct {
	Envelope
	Amount    uint256.Int `json:"amount"`
	MinOutput uint256.Int `json:"min_output"`
}

// CurveQuoteRequest is the JSON body for POST /curves/{id}/quote. Side is
// "buy" or "sell".
type CurveQuoteRequest struct {
	Side   string      `json:"side"`
	Amount uint256.Int `json:"amount"`
}

// CurveTradeResponse reports a curve trade or quote.
type CurveTradeResponse struct {
	CurveID   string          `json:"curve_id"`
	AmountIn  uint256.Int     `json:"amount_in"`
	AmountOut uint256.Int     `json:"amount_out"`
	SpotPrice decimal.Decimal `json:"spot_price"`
	Version   int64           `json:"version,omitempty"`
}

// CreateCurve handles POST /api/v1/curves
func (s *Service) CreateCurve(w http.ResponseWriter, r *http.Request) {
	var req CreateCurveRequest
	s.handle(w, r, "bonding", "create", &req, func(ctx context.Context, _ uint64) (*outcome, error) {
		curve, err := bonding.NewCurve(req.VirtualReserve, req.VirtualSupply)
		if err != nil {
			return nil, err
		}
		rec := &CurveRecord{ID: req.ID, ReserveToken: req.ReserveToken, Token: req.Token, Holders: Balances{}, Curve: curve}
		if rec.ID == "" {
			rec.ID = uuid.New().String()
		}
		version, err := create(ctx, s.store, model.KindCurve, rec.ID, rec)
		if err != nil {
			return nil, err
		}
		return &outcome{
			status:  http.StatusCreated,
			body:    rec,
			changes: []change{{model.KindCurve, rec.ID, version, rec}},
			fields:  []zap.Field{zap.String("curve", rec.ID), zap.String("k", curve.K.Dec())},
		}, nil
	})
}

// GetCurve handles GET /api/v1/curves/{id}
func (s *Service) GetCurve(w http.ResponseWriter, r *http.Request) {
	s.read(w, r, model.KindCurve)
}

// QuoteCurve handles POST /api/v1/curves/{id}/quote. Like pool quotes it
// reads the latest snapshot and writes nothing.
func (s *Service) QuoteCurve(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	var req CurveQuoteRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, "bonding", "quote", started, err)
		return
	}
	id := chi.URLParam(r, "id")
	rec, _, err := load[CurveRecord](r.Context(), s.store, model.KindCurve, id)
	if err != nil {
		s.fail(w, "bonding", "quote", started, err)
		return
	}

	var out uint256.Int
	switch req.Side {
	case "buy":
		out, err = bonding.QuoteBuy(rec.Curve, req.Amount)
	case "sell":
		out, err = bonding.QuoteSell(rec.Curve, req.Amount)
	default:
		err = fmt.Errorf("%w: side must be buy or sell, got %q", errBadRequest, req.Side)
	}
	if err != nil {
		s.fail(w, "bonding", "quote", started, err)
		return
	}
	price, _ := bonding.SpotPrice(rec.Curve)
	resp := &CurveTradeResponse{CurveID: id, AmountIn: req.Amount, AmountOut: out, SpotPrice: price}
	s.succeed(w, "bonding", "quote", started, http.StatusOK, resp, zap.String("curve", id), zap.String("side", req.Side))
}

// BuyFromCurve handles POST /api/v1/curves/{id}/buy
func (s *Service) BuyFromCurve(w http.ResponseWriter, r *http.Request) {
	var req CurveTradeRequest
	id := chi.URLParam(r, "id")
	s.handle(w, r, "bonding", "buy", &req, func(ctx context.Context, _ uint64) (*outcome, error) {
		rec, version, err := load[CurveRecord](ctx, s.store, model.KindCurve, id)
		if err != nil {
			return nil, err
		}
		next, tokensOut, err := bonding.Buy(rec.Curve, req.Amount)
		if err != nil {
			return nil, err
		}
		if tokensOut.Lt(&req.MinOutput) {
			return nil, fmt.Errorf("%w: %s tokens below minimum %s", ledgererr.ErrInsufficientLiquidity, tokensOut.Dec(), req.MinOutput.Dec())
		}
		if err := rec.Holders.credit(req.Actor, tokensOut); err != nil {
			return nil, err
		}

		rec.Curve = next
		if version, err = save(ctx, s.store, model.KindCurve, id, &rec, version); err != nil {
			return nil, err
		}
		price, _ := bonding.SpotPrice(next)
		return &outcome{
			body:    &CurveTradeResponse{CurveID: id, AmountIn: req.Amount, AmountOut: tokensOut, SpotPrice: price, Version: version},
			changes: []change{{model.KindCurve, id, version, &rec}},
			intents: []*outbox.Intent{{Kind: model.KindCurve, EntityID: id, Recipient: req.Actor, Token: rec.Token, Amount: tokensOut}},
			fields:  []zap.Field{zap.String("curve", id), zap.String("reserve_in", req.Amount.Dec()), zap.String("tokens_out", tokensOut.Dec())},
		}, nil
	})
}

// SellToCurve handles POST /api/v1/curves/{id}/sell. Sellers can only
// return tokens they bought from the curve.
func (s *Service) SellToCurve(w http.ResponseWriter, r *http.Request) {
	var req CurveTradeRequest
	id := chi.URLParam(r, "id")
	s.handle(w, r, "bonding", "sell", &req, func(ctx context.Context, _ uint64) (*outcome, error) {
		rec, version, err := load[CurveRecord](ctx, s.store, model.KindCurve, id)
		if err != nil {
			return nil, err
		}
		if err := rec.Holders.debit(req.Actor, req.Amount, ledgererr.ErrInsufficientSupply); err != nil {
			return nil, err
		}
		next, reserveOut, err := bonding.Sell(rec.Curve, req.Amount)
		if err != nil {
			return nil, err
		}
		if reserveOut.Lt(&req.MinOutput) {
			return nil, fmt.Errorf("%w: reserve %s below minimum %s", ledgererr.ErrInsufficientLiquidity, reserveOut.Dec(), req.MinOutput.Dec())
		}

		rec.Curve = next
		if version, err = save(ctx, s.store, model.KindCurve, id, &rec, version); err != nil {
			return nil, err
		}
		price, _ := bonding.SpotPrice(next)
		return &outcome{
			body:    &CurveTradeResponse{CurveID: id, AmountIn: req.Amount, AmountOut: reserveOut, SpotPrice: price, Version: version},
			changes: []change{{model.KindCurve, id, version, &rec}},
			intents: []*outbox.Intent{{Kind: model.KindCurve, EntityID: id, Recipient: req.Actor, Token: rec.ReserveToken, Amount: reserveOut}},
			fields:  []zap.Field{zap.String("curve", id), zap.String("tokens_in", req.Amount.Dec()), zap.String("reserve_out", reserveOut.Dec())},
		}, nil
	})
}
