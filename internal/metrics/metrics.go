// Package metrics provides Prometheus instrumentation for the position
// engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OrdersTotal counts recorded ledger orders, partitioned by kind.
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_orders_total",
		Help: "Total number of orders recorded",
	}, []string{"kind"})

	// OrderApplyLatency tracks how long a full record mutation takes
	// (load, apply, persist, including conflict retries).
	OrderApplyLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_order_apply_seconds",
		Help:    "Order apply latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// ConflictRetries counts optimistic version conflicts that were
	// retried.
	ConflictRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_conflict_retries_total",
		Help: "Position saves retried after a version conflict",
	})

	// DuplicatesSuppressed counts mutations dropped because their
	// transaction hash was already recorded.
	DuplicatesSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_duplicates_suppressed_total",
		Help: "Mutations suppressed as duplicate transaction submissions",
	})

	// RejectedOrders counts mutations rejected before any state change,
	// partitioned by reason.
	RejectedOrders = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_rejected_orders_total",
		Help: "Mutations rejected by validation or business rules",
	}, []string{"reason"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
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

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
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
