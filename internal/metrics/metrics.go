// Package metrics provides Prometheus instrumentation for the settlement core.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// WagersOpened counts wagers opened, partitioned by access mode and direction.
	WagersOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quickbet_wagers_opened_total",
		Help: "Total number of wagers opened",
	}, []string{"mode", "direction"})

	// WagersResolved counts resolutions by access mode and outcome.
	WagersResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quickbet_wagers_resolved_total",
		Help: "Total number of wagers resolved",
	}, []string{"mode", "outcome"})

	// PointsStaked accumulates stakes debited on open.
	PointsStaked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quickbet_points_staked_total",
		Help: "Cumulative points debited as stakes",
	})

	// PointsPaidOut accumulates payouts credited on won resolutions.
	PointsPaidOut = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quickbet_points_paid_out_total",
		Help: "Cumulative points credited as payouts",
	})

	// UsersInitialized counts newly created users.
	UsersInitialized = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quickbet_users_initialized_total",
		Help: "Number of users initialized",
	})

	// OperationLatency tracks settlement operation latency.
	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quickbet_operation_latency_seconds",
		Help:    "Settlement operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op", "mode"})

	// Rejections counts failed operations by error kind.
	Rejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quickbet_rejections_total",
		Help: "Operations rejected, by error kind",
	}, []string{"op", "code"})

	// DelegationTransitions counts accepted delegation steps.
	DelegationTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quickbet_delegation_transitions_total",
		Help: "Delegation lifecycle steps completed",
	}, []string{"step"})

	// OracleQuoteAge observes the age of the quote used for each settlement price.
	OracleQuoteAge = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "quickbet_oracle_quote_age_seconds",
		Help:    "Age of the oracle quote at the time it was read",
		Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600, 7200},
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quickbet_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// EventsDropped counts events a sink failed to deliver.
	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quickbet_events_dropped_total",
		Help: "Events a sink failed to deliver",
	}, []string{"sink"})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quickbet_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quickbet_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// ObserveOp records the latency of op and, when code is non-empty, a
// rejection labelled with it.
func ObserveOp(op, mode string, start time.Time, code string) {
	OperationLatency.WithLabelValues(op, mode).Observe(time.Since(start).Seconds())
	if code != "" {
		Rejections.WithLabelValues(op, code).Inc()
	}
}

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

		// Route pattern, not the raw path, keeps user ids out of labels.
		path := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
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

// Hijack lets the WebSocket upgrader take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
