// Package metrics provides Prometheus instrumentation for the ledger service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OperationsTotal counts engine operations by component, operation and
	// result ("ok" or the failure kind).
	OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_operations_total",
		Help: "Total engine operations",
	}, []string{"component", "op", "result"})

	// OperationLatency tracks load-apply-persist latency per operation.
	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_operation_latency_seconds",
		Help:    "Engine operation latency in seconds, including persistence",
		Buckets: prometheus.DefBuckets,
	}, []string{"component", "op"})

	// FailuresTotal counts failed operations by failure kind.
	FailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_failures_total",
		Help: "Engine failures by kind",
	}, []string{"kind"})

	// VersionConflicts counts lost compare-and-swap races.
	VersionConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_version_conflicts_total",
		Help: "Snapshot updates rejected by optimistic concurrency control",
	})

	// RateLimitRejections counts requests denied by a subject's rate limiter.
	RateLimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_rate_limit_rejections_total",
		Help: "Requests rejected by per-subject rate limiting",
	})

	// ThrottleRejections counts requests denied by the HTTP throttle.
	ThrottleRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_throttle_rejections_total",
		Help: "Requests rejected by the per-client HTTP throttle",
	})

	// IntentsPublished counts settlement intents handed to the outbox.
	IntentsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_intents_published_total",
		Help: "Settlement intents published, by result",
	}, []string{"kind", "result"})

	// WebSocketClients is the number of live snapshot subscribers.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_websocket_clients",
		Help: "Connected snapshot-change WebSocket subscribers",
	})

	// HTTPRequestsTotal is labelled by chi route pattern, not raw path.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration is labelled like HTTPRequestsTotal.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveOperation records one engine operation. kind is "" on success.
func ObserveOperation(component, op, kind string, started time.Time) {
	result := "ok"
	if kind != "" {
		result = kind
		FailuresTotal.WithLabelValues(kind).Inc()
	}
	OperationsTotal.WithLabelValues(component, op, result).Inc()
	OperationLatency.WithLabelValues(component, op).Observe(time.Since(started).Seconds())
}

// Middleware records request count and latency per route.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for the path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
