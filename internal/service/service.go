// Package service exposes the ledger primitives over HTTP.
//
// Every mutating handler follows the same path: admit the acting address
// through its persisted rate limiter, load the entity snapshot, apply one
// pure engine function, compare-and-swap the new snapshot, append an
// immutable ledger entry, and only then publish settlement intents and push
// the change to WebSocket clients.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atmx/ledger-engine/internal/escrow"
	"github.com/atmx/ledger-engine/internal/ledgererr"
	"github.com/atmx/ledger-engine/internal/metrics"
	"github.com/atmx/ledger-engine/internal/model"
	"github.com/atmx/ledger-engine/internal/outbox"
	"github.com/atmx/ledger-engine/internal/replay"
	"github.com/atmx/ledger-engine/internal/store"
)

// Default per-actor admission limits.
const (
	DefaultRateLimit  = 60
	DefaultRateWindow = 60_000 // ms
)

var errBadRequest = errors.New("bad request")

// rateLimitedError is returned by admit when an actor's window is full.
type rateLimitedError struct {
	subject    string
	retryAfter uint64 // ms
}

func (e *rateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry in %dms", e.subject, e.retryAfter)
}

// Options configures a Service. Store is required; everything else has a
// usable zero value.
type Options struct {
	Store        store.Store
	Publisher    outbox.Publisher
	Hub          *WSHub
	Logger       *zap.Logger
	RefundPolicy escrow.RefundPolicy
	PriceOracle  common.Address // sole publisher of prices; zero disables pricing
	RateLimit    uint64
	RateWindow   uint64 // ms
	Clock        func() uint64
}

// Service handles ledger operations. A mutex serialises read-modify-write
// within one instance; snapshot versions keep multiple instances correct.
type Service struct {
	store        store.Store
	publisher    outbox.Publisher
	hub          *WSHub
	logger       *zap.Logger
	refundPolicy escrow.RefundPolicy
	priceOracle  common.Address
	rateLimit    uint64
	rateWindow   uint64
	clock        func() uint64
	mu           sync.Mutex
}

// New creates a Service from opts.
func New(opts Options) *Service {
	s := &Service{
		store:        opts.Store,
		publisher:    opts.Publisher,
		hub:          opts.Hub,
		logger:       opts.Logger,
		refundPolicy: opts.RefundPolicy,
		priceOracle:  opts.PriceOracle,
		rateLimit:    opts.RateLimit,
		rateWindow:   opts.RateWindow,
		clock:        opts.Clock,
	}
	if s.publisher == nil {
		s.publisher = outbox.NopPublisher{}
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.rateLimit == 0 {
		s.rateLimit = DefaultRateLimit
	}
	if s.rateWindow == 0 {
		s.rateWindow = DefaultRateWindow
	}
	if s.clock == nil {
		s.clock = func() uint64 { return uint64(time.Now().UnixMilli()) }
	}
	return s
}

// Routes registers every ledger endpoint on r.
func (s *Service) Routes(r chi.Router) {
	r.Post("/pools", s.CreatePool)
	r.Get("/pools/{id}", s.GetPool)
	r.Post("/pools/{id}/quote", s.QuoteSwap)
	r.Post("/pools/{id}/swap", s.Swap)
	r.Post("/pools/{id}/liquidity", s.AddLiquidity)
	r.Post("/pools/{id}/liquidity/remove", s.RemoveLiquidity)

	r.Post("/curves", s.CreateCurve)
	r.Get("/curves/{id}", s.GetCurve)
	r.Post("/curves/{id}/quote", s.QuoteCurve)
	r.Post("/curves/{id}/buy", s.BuyFromCurve)
	r.Post("/curves/{id}/sell", s.SellToCurve)

	r.Post("/prices", s.SetPrice)
	r.Get("/prices/{id}", s.GetPrice)

	r.Post("/positions", s.OpenPosition)
	r.Get("/positions/{id}", s.GetPosition)
	r.Get("/positions/{id}/health", s.PositionHealth)
	r.Post("/positions/{id}/reprice", s.RepricePosition)
	r.Post("/positions/{id}/collateral", s.AddCollateral)
	r.Post("/positions/{id}/withdraw", s.WithdrawCollateral)
	r.Post("/positions/{id}/borrow", s.Borrow)
	r.Post("/positions/{id}/repay", s.Repay)

	r.Post("/schedules", s.CreateSchedule)
	r.Get("/schedules/{id}", s.GetSchedule)
	r.Post("/schedules/{id}/stakes", s.Stake)
	r.Get("/stakes/{id}", s.GetStake)
	r.Post("/stakes/{id}/add", s.AddStake)
	r.Post("/stakes/{id}/accrue", s.Accrue)
	r.Post("/stakes/{id}/claim", s.Claim)
	r.Post("/stakes/{id}/unstake", s.Unstake)

	r.Post("/escrows", s.CreateEscrow)
	r.Get("/escrows/{id}", s.GetEscrow)
	r.Post("/escrows/{id}/release", s.ReleaseEscrow)
	r.Post("/escrows/{id}/refund", s.RefundEscrow)
	r.Post("/escrows/{id}/disputes", s.FileDispute)
	r.Get("/disputes/{id}", s.GetDispute)
	r.Post("/disputes/{id}/resolve", s.ResolveDispute)
	r.Post("/disputes/{id}/reject", s.RejectDispute)

	r.Post("/nonces/{owner}/next", s.NextNonce)
	r.Get("/nonces/{owner}/{nonce}", s.IsNonceUsed)

	r.Get("/entities/{kind}", s.List)
	r.Get("/entities/{kind}/{id}/history", s.History)
}

// Envelope carries the fields shared by every mutating request.
type Envelope struct {
	Actor common.Address `json:"actor"`
	NowMs uint64         `json:"now_ms,omitempty"`
}

func (e Envelope) envelope() Envelope { return e }

type enveloped interface{ envelope() Envelope }

func (s *Service) now(e Envelope) uint64 {
	if e.NowMs != 0 {
		return e.NowMs
	}
	return s.clock()
}

// outcome is what a successful mutation reports back to handle.
type outcome struct {
	status  int
	body    any
	changes []change
	intents []*outbox.Intent
	fields  []zap.Field
}

// handle decodes req, admits its actor and runs apply under the service
// lock. apply must not have side effects beyond the snapshot writes it
// reports in its outcome.
func (s *Service) handle(w http.ResponseWriter, r *http.Request, component, op string, req enveloped, apply func(ctx context.Context, now uint64) (*outcome, error)) {
	started := time.Now()
	if err := decode(r, req); err != nil {
		s.fail(w, component, op, started, err)
		return
	}
	env := req.envelope()
	now := s.now(env)
	ctx := r.Context()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.admit(ctx, env.Actor, now); err != nil {
		s.fail(w, component, op, started, err)
		return
	}
	out, err := apply(ctx, now)
	if err != nil {
		s.fail(w, component, op, started, err)
		return
	}
	if out.status == 0 {
		out.status = http.StatusOK
	}
	s.commit(ctx, op, env.Actor, now, out.body, out.changes, out.intents)
	fields := append([]zap.Field{zap.String("actor", env.Actor.Hex()), zap.Uint64("now_ms", now)}, out.fields...)
	s.succeed(w, component, op, started, out.status, out.body, fields...)
}

// --- snapshot helpers ---

func load[T any](ctx context.Context, st store.Store, kind model.Kind, id string) (T, int64, error) {
	var v T
	snap, err := st.GetSnapshot(ctx, kind, id)
	if err != nil {
		return v, 0, fmt.Errorf("load %s %s: %w", kind, id, err)
	}
	if err := json.Unmarshal(snap.State, &v); err != nil {
		return v, 0, fmt.Errorf("decode %s %s: %w", kind, id, err)
	}
	return v, snap.Version, nil
}

func create[T any](ctx context.Context, st store.Store, kind model.Kind, id string, v *T) (int64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("encode %s %s: %w", kind, id, err)
	}
	snap := &model.Snapshot{Kind: kind, ID: id, Version: 1, State: data, UpdatedAt: time.Now().UTC()}
	if err := st.CreateSnapshot(ctx, snap); err != nil {
		return 0, fmt.Errorf("create %s %s: %w", kind, id, err)
	}
	return snap.Version, nil
}

func save[T any](ctx context.Context, st store.Store, kind model.Kind, id string, v *T, expected int64) (int64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("encode %s %s: %w", kind, id, err)
	}
	snap := &model.Snapshot{Kind: kind, ID: id, State: data, UpdatedAt: time.Now().UTC()}
	if err := st.UpdateSnapshot(ctx, snap, expected); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			metrics.VersionConflicts.Inc()
		}
		return 0, fmt.Errorf("save %s %s: %w", kind, id, err)
	}
	return snap.Version, nil
}

// saveAll writes changes in one batch, all or none. A change at version 0
// is created, any other is updated from that version. On success every
// change carries its new version.
func saveAll(ctx context.Context, st store.Store, changes []change) error {
	now := time.Now().UTC()
	writes := make([]store.Write, len(changes))
	for i, c := range changes {
		data, err := json.Marshal(c.state)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", c.kind, c.id, err)
		}
		writes[i] = store.Write{
			Snapshot:        &model.Snapshot{Kind: c.kind, ID: c.id, State: data, UpdatedAt: now},
			ExpectedVersion: c.version,
		}
	}
	if err := st.WriteSnapshots(ctx, writes); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			metrics.VersionConflicts.Inc()
		}
		return fmt.Errorf("save batch: %w", err)
	}
	for i := range changes {
		changes[i].version = writes[i].Snapshot.Version
	}
	return nil
}

// admit charges one request to actor's rate limiter.
func (s *Service) admit(ctx context.Context, actor common.Address, now uint64) error {
	if actor == (common.Address{}) {
		return fmt.Errorf("%w: actor is required", errBadRequest)
	}
	subject := actor.Hex()

	lim, version, err := load[replay.RateLimiter](ctx, s.store, model.KindRateLimiter, subject)
	if errors.Is(err, store.ErrNotFound) {
		fresh, err := replay.NewRateLimiter(subject, s.rateLimit, s.rateWindow)
		if err != nil {
			return err
		}
		next, _ := replay.CheckRateLimit(fresh, now)
		_, err = create(ctx, s.store, model.KindRateLimiter, subject, &next)
		return err
	}
	if err != nil {
		return err
	}

	next, ok := replay.CheckRateLimit(lim, now)
	if !ok {
		return &rateLimitedError{subject: subject, retryAfter: replay.RetryAfter(lim, now)}
	}
	_, err = save(ctx, s.store, model.KindRateLimiter, subject, &next, version)
	return err
}

// change describes one persisted snapshot write.
type change struct {
	kind    model.Kind
	id      string
	version int64
	state   any
}

// commit appends ledger entries for each change, publishes intents and
// notifies WebSocket clients. The snapshots are already persisted, so
// failures here are logged rather than returned.
func (s *Service) commit(ctx context.Context, op string, actor common.Address, now uint64, result any, changes []change, intents []*outbox.Intent) {
	var resultJSON json.RawMessage
	if result != nil {
		if data, err := json.Marshal(result); err == nil {
			resultJSON = data
		}
	}

	for _, c := range changes {
		entry := &model.LedgerEntry{
			ID:         uuid.New().String(),
			Kind:       c.kind,
			EntityID:   c.id,
			Operation:  op,
			Actor:      actor.Hex(),
			Version:    c.version,
			Result:     resultJSON,
			OccurredAt: now,
			RecordedAt: time.Now().UTC(),
		}
		if err := s.store.InsertLedgerEntry(ctx, entry); err != nil {
			s.logger.Error("ledger entry not recorded",
				zap.String("kind", string(c.kind)),
				zap.String("id", c.id),
				zap.String("op", op),
				zap.Error(err),
			)
		}
		if s.hub != nil {
			s.hub.Broadcast(c.kind, c.id, c.version, op, c.state)
		}
	}

	for _, intent := range intents {
		intent.ID = uuid.New().String()
		intent.Operation = op
		intent.CreatedAt = now
		if err := s.publisher.Publish(ctx, intent); err != nil {
			metrics.IntentsPublished.WithLabelValues(string(intent.Kind), "error").Inc()
			s.logger.Error("intent not published",
				zap.String("intent", intent.ID),
				zap.String("entity", intent.EntityID),
				zap.Error(err),
			)
			continue
		}
		metrics.IntentsPublished.WithLabelValues(string(intent.Kind), "ok").Inc()
	}
}

// --- responses ---

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// statusFor maps an error to its HTTP status and kind name.
func statusFor(err error) (int, string) {
	var limited *rateLimitedError
	switch {
	case errors.As(err, &limited):
		return http.StatusTooManyRequests, "RateLimited"
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest, "BadRequest"
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "NotFound"
	case errors.Is(err, store.ErrAlreadyExists):
		return http.StatusConflict, "AlreadyExists"
	case errors.Is(err, store.ErrVersionConflict):
		return http.StatusConflict, "VersionConflict"
	}

	kind := ledgererr.Kind(err)
	switch kind {
	case "":
		return http.StatusInternalServerError, "Internal"
	case "InvalidAmount", "InvalidRange", "DivisionByZero":
		return http.StatusBadRequest, kind
	case "Unauthorized":
		return http.StatusForbidden, kind
	case "Underflow", "Overflow":
		return http.StatusUnprocessableEntity, kind
	default:
		return http.StatusConflict, kind
	}
}

func (s *Service) fail(w http.ResponseWriter, component, op string, started time.Time, err error) {
	status, kind := statusFor(err)
	metrics.ObserveOperation(component, op, kind, started)

	var limited *rateLimitedError
	if errors.As(err, &limited) {
		metrics.RateLimitRejections.Inc()
		secs := (limited.retryAfter + 999) / 1000
		w.Header().Set("Retry-After", strconv.FormatUint(secs, 10))
	}

	if status == http.StatusInternalServerError {
		s.logger.Error("operation failed", zap.String("component", component), zap.String("op", op), zap.Error(err))
	} else {
		s.logger.Warn("operation rejected",
			zap.String("component", component),
			zap.String("op", op),
			zap.String("kind", kind),
			zap.Error(err),
		)
	}
	writeJSON(w, status, &ErrorResponse{Error: err.Error(), Kind: kind})
}

func (s *Service) succeed(w http.ResponseWriter, component, op string, started time.Time, status int, body any, fields ...zap.Field) {
	metrics.ObserveOperation(component, op, "", started)
	s.logger.Info(component+" "+op, fields...)
	writeJSON(w, status, body)
}

// read handles GET endpoints that return a snapshot as-is.
func (s *Service) read(w http.ResponseWriter, r *http.Request, kind model.Kind) {
	snap, err := s.store.GetSnapshot(r.Context(), kind, chi.URLParam(r, "id"))
	if err != nil {
		status, k := statusFor(err)
		writeJSON(w, status, &ErrorResponse{Error: err.Error(), Kind: k})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", errBadRequest, err)
	}
	return nil
}

// writeJSON writes body as JSON. Bodies holding uint256 values must be
// passed by pointer so the decimal marshaler applies.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// List handles GET /entities/{kind}.
func (s *Service) List(w http.ResponseWriter, r *http.Request) {
	kind := model.Kind(chi.URLParam(r, "kind"))
	if !kind.Valid() {
		writeJSON(w, http.StatusBadRequest, &ErrorResponse{Error: "unknown kind " + string(kind), Kind: "BadRequest"})
		return
	}
	snaps, err := s.store.ListSnapshots(r.Context(), kind)
	if err != nil {
		status, k := statusFor(err)
		writeJSON(w, status, &ErrorResponse{Error: err.Error(), Kind: k})
		return
	}
	if snaps == nil {
		snaps = []model.Snapshot{}
	}
	writeJSON(w, http.StatusOK, snaps)
}

// History handles GET /entities/{kind}/{id}/history.
func (s *Service) History(w http.ResponseWriter, r *http.Request) {
	kind := model.Kind(chi.URLParam(r, "kind"))
	if !kind.Valid() {
		writeJSON(w, http.StatusBadRequest, &ErrorResponse{Error: "unknown kind " + string(kind), Kind: "BadRequest"})
		return
	}
	entries, err := s.store.GetLedgerEntries(r.Context(), kind, chi.URLParam(r, "id"))
	if err != nil {
		status, k := statusFor(err)
		writeJSON(w, status, &ErrorResponse{Error: err.Error(), Kind: k})
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}
