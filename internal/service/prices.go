package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/atmx/ledger-engine/internal/ledgererr"
	"github.com/atmx/ledger-engine/internal/model"
	"github.com/atmx/ledger-engine/internal/store"
)

// PriceRecord is the latest oracle price of a token, keyed by its hex
// address.
type PriceRecord struct {
	Token     common.Address `json:"token"`
	Price     uint256.Int    `json:"price"`
	UpdatedAt uint64         `json:"updated_at"`
}

// SetPriceRequest is the JSON body for POST /prices.
type SetPriceRequest struct {
	Envelope
	Token common.Address `json:"token"`
	Price uint256.Int    `json:"price"`
}

// PriceResponse reports a published price.
type PriceResponse struct {
	Price   *PriceRecord `json:"price"`
	Version int64        `json:"version"`
}

// SetPrice handles POST /api/v1/prices. Only the price oracle may publish.
func (s *Service) SetPrice(w http.ResponseWriter, r *http.Request) {
	var req SetPriceRequest
	s.handle(w, r, "collateral", "set_price", &req, func(ctx context.Context, now uint64) (*outcome, error) {
		if err := requireActor(req.Actor, s.priceOracle, "price oracle"); err != nil {
			return nil, err
		}
		if req.Price.IsZero() {
			return nil, fmt.Errorf("%w: price is zero", ledgererr.ErrInvalidAmount)
		}
		id := req.Token.Hex()
		rec := &PriceRecord{Token: req.Token, Price: req.Price, UpdatedAt: now}

		_, version, err := load[PriceRecord](ctx, s.store, model.KindPrice, id)
		switch {
		case errors.Is(err, store.ErrNotFound):
			version, err = create(ctx, s.store, model.KindPrice, id, rec)
		case err == nil:
			version, err = save(ctx, s.store, model.KindPrice, id, rec, version)
		}
		if err != nil {
			return nil, err
		}
		return &outcome{
			body:    &PriceResponse{Price: rec, Version: version},
			changes: []change{{model.KindPrice, id, version, rec}},
			fields:  []zap.Field{zap.String("token", id), zap.String("price", req.Price.Dec())},
		}, nil
	})
}

// GetPrice handles GET /api/v1/prices/{id}
func (s *Service) GetPrice(w http.ResponseWriter, r *http.Request) {
	s.read(w, r, model.KindPrice)
}

// priceOf returns the published price of token.
func (s *Service) priceOf(ctx context.Context, token common.Address) (uint256.Int, error) {
	rec, _, err := load[PriceRecord](ctx, s.store, model.KindPrice, token.Hex())
	if errors.Is(err, store.ErrNotFound) {
		return uint256.Int{}, fmt.Errorf("%w: no price published for %s", ledgererr.ErrInvalidState, token.Hex())
	}
	if err != nil {
		return uint256.Int{}, err
	}
	return rec.Price, nil
}
