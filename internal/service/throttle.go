package service

import (
	"net"
	"net/http"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/atmx/ledger-engine/internal/metrics"
)

// maxThrottleClients bounds the limiter map; it is reset when exceeded.
const maxThrottleClients = 10_000

// Throttle is a per-client token bucket in front of the HTTP API. It
// protects the process; per-actor ledger limits are enforced separately
// through persisted rate limiter snapshots.
type Throttle struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
	logger   *zap.Logger
}

// NewThrottle allows each client rps requests per second with burst.
func NewThrottle(rps float64, burst int, logger *zap.Logger) *Throttle {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Throttle{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(rps),
		burst:    burst,
		logger:   logger,
	}
}

func (t *Throttle) limiter(key string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()

	l, ok := t.limiters[key]
	if !ok {
		if len(t.limiters) >= maxThrottleClients {
			t.limiters = make(map[string]*rate.Limiter)
		}
		l = rate.NewLimiter(t.rate, t.burst)
		t.limiters[key] = l
	}
	return l
}

// Handler rejects requests over a client's budget with 429.
func (t *Throttle) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.RemoteAddr
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			key = host
		}

		if !t.limiter(key).Allow() {
			metrics.ThrottleRejections.Inc()
			t.logger.Warn("request throttled",
				zap.String("client", key),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
			)
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, &ErrorResponse{Error: "too many requests", Kind: "RateLimited"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
