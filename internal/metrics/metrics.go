// Package metrics provides Prometheus instrumentation for the clearing engine.
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
	// OffersSubmitted counts accepted offer submissions.
	OffersSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "poolmarket_offers_submitted_total",
		Help: "Total number of accepted energy offers",
	})

	// BidsSubmitted counts accepted bid submissions.
	BidsSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "poolmarket_bids_submitted_total",
		Help: "Total number of accepted demand bids",
	})

	// SubmissionRejections counts rejected submissions by kind.
	SubmissionRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poolmarket_submission_rejections_total",
		Help: "Submissions rejected by validation",
	}, []string{"kind"})

	// DispatchFailures counts SMP calculations that failed to cover demand.
	DispatchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "poolmarket_dispatch_failures_total",
		Help: "SMP calculations where supply could not cover demand",
	})

	// TotalDemand tracks the current aggregate demand (AIL) in MW.
	TotalDemand = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "poolmarket_total_demand_mw",
		Help: "Current aggregate internal load",
	})

	// LastSMP tracks the most recently calculated system marginal price.
	LastSMP = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "poolmarket_smp",
		Help: "Most recent system marginal price",
	})

	// LastPoolPrice tracks the most recently settled hourly pool price.
	LastPoolPrice = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "poolmarket_pool_price",
		Help: "Most recent settled pool price",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "poolmarket_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poolmarket_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "poolmarket_http_request_duration_seconds",
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

		// Use the raw path for the label; the API surface is small enough
		// that cardinality stays bounded.
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
