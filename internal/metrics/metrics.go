// Package metrics provides Prometheus instrumentation for the arena.
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
	// OrdersTotal counts executed orders, partitioned by side.
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_orders_total",
		Help: "Total number of orders executed",
	}, []string{"side"})

	// OrderRejections counts rejected orders by reason.
	OrderRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_order_rejections_total",
		Help: "Orders rejected, by reason",
	}, []string{"reason"})

	// ActiveShards tracks the number of live shards.
	ActiveShards = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arena_active_shards",
		Help: "Number of currently live shards",
	})

	// ActiveAgents tracks the total assigned agent population.
	ActiveAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arena_active_agents",
		Help: "Number of currently assigned agents",
	})

	// EpochNumber exposes the current epoch.
	EpochNumber = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arena_epoch_number",
		Help: "Current epoch number",
	})

	// EliminationsTotal counts agents eliminated at epoch boundaries.
	EliminationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arena_eliminations_total",
		Help: "Agents eliminated at epoch boundaries",
	})

	// PromotionsTotal counts tier promotions.
	PromotionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_promotions_total",
		Help: "Tier promotions granted",
	}, []string{"tier"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arena_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// SnapshotFailures counts failed snapshot saves by backend.
	SnapshotFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_snapshot_failures_total",
		Help: "Failed snapshot saves, by backend",
	}, []string{"backend"})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "arena_http_request_duration_seconds",
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
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				path = p
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
