// Package metrics provides Prometheus instrumentation for the ledger
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
	// OrdersSubmitted counts order submissions by resulting status.
	OrdersSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_orders_submitted_total",
		Help: "Total orders submitted, by resulting status",
	}, []string{"status"})

	// OrdersCancelled counts successful cancellations.
	OrdersCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_orders_cancelled_total",
		Help: "Total orders cancelled",
	})

	// FillsApplied counts executions applied, partitioned by side.
	FillsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_fills_applied_total",
		Help: "Total executions applied",
	}, []string{"side"})

	// FillLatency is the latency of the atomic fill unit.
	FillLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_fill_latency_seconds",
		Help:    "Fill application latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// FillsRejected counts fills rejected before any state change.
	FillsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_fills_rejected_total",
		Help: "Fills rejected, by reason class",
	}, []string{"reason"})

	// RiskAlerts counts alerts raised by the margin evaluator.
	RiskAlerts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_risk_alerts_total",
		Help: "Risk alerts raised",
	}, []string{"type"})

	// SettlementRuns counts settlement batch runs by kind and outcome.
	SettlementRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_settlement_runs_total",
		Help: "Settlement batch runs",
	}, []string{"kind", "outcome"})

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

		// Use the raw path for the label; the API surface is small.
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
