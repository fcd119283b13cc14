// Package metrics exposes Prometheus instrumentation for the purchase API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pkordes/vehicle-escrow/backend/internal/domain"
)

// Metrics holds every collector the service registers. It satisfies
// service.Recorder.
type Metrics struct {
	gatherer prometheus.Gatherer

	transitions *prometheus.CounterVec
	failures    *prometheus.CounterVec
	httpTotal   *prometheus.CounterVec
	httpLatency *prometheus.HistogramVec
}

// New registers the collectors on reg. Tests pass a fresh
// prometheus.NewRegistry() so runs do not collide.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "purchase_transitions_total",
			Help: "Committed purchase request status transitions.",
		}, []string{"from", "to"}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "purchase_operation_errors_total",
			Help: "Purchase operations that returned an error, by error code.",
		}, []string{"operation", "code"}),
		httpTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "purchase_http_requests_total",
			Help: "Total HTTP requests.",
		}, []string{"method", "route", "status"}),
		httpLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "purchase_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"method", "route"}),
	}
}

// Transition counts a committed status change.
func (m *Metrics) Transition(from, to domain.Status) {
	m.transitions.WithLabelValues(string(from), string(to)).Inc()
}

// Failure counts a failed operation under its stable error code.
func (m *Metrics) Failure(operation string, err error) {
	m.failures.WithLabelValues(operation, domain.Code(err)).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Middleware records count and latency per chi route pattern, so ids in the
// path do not explode label cardinality. Unmatched requests are labelled
// "unmatched".
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		m.httpTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.httpLatency.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
