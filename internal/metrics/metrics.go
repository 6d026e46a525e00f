// ABOUTME: Prometheus collectors for the console's auth core
// ABOUTME: All recording methods are nil-safe so components work without metrics

package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "widget_console"

// Metrics holds the console's collectors.
type Metrics struct {
	BackendRequests *prometheus.CounterVec
	BackendLatency  *prometheus.HistogramVec
	Signals         *prometheus.CounterVec
	AuthTransitions *prometheus.CounterVec
	Refreshes       *prometheus.CounterVec
	CSRFFetches     *prometheus.CounterVec
	GuardDecisions  *prometheus.CounterVec
	ForcedLogouts   prometheus.Counter
	SessionSeconds  prometheus.Gauge

	gatherer prometheus.Gatherer
}

// New registers the collectors with registry.
func New(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)

	m := &Metrics{
		BackendRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_requests_total",
			Help:      "Backend API calls by method, path and status code",
		}, []string{"method", "path", "code"}),
		BackendLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_request_duration_seconds",
			Help:      "Backend API call latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		Signals: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_total",
			Help:      "Auth signals raised by the transport",
		}, []string{"kind", "delivered"}),
		AuthTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_transitions_total",
			Help:      "Auth session status transitions",
		}, []string{"status"}),
		Refreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_refreshes_total",
			Help:      "User re-fetch attempts by outcome",
		}, []string{"outcome"}),
		CSRFFetches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "csrf_fetches_total",
			Help:      "CSRF bootstrap attempts by outcome",
		}, []string{"outcome"}),
		GuardDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "guard_decisions_total",
			Help:      "Route guard decisions by outcome",
		}, []string{"outcome"}),
		ForcedLogouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forced_logouts_total",
			Help:      "Sessions ended by token expiry",
		}),
		SessionSeconds: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_remaining_seconds",
			Help:      "Seconds until the current token expires, 0 when unknown",
		}),
	}
	if g, ok := registry.(prometheus.Gatherer); ok {
		m.gatherer = g
	}
	return m
}

// NewRegistry returns a private registry with the collectors registered.
func NewRegistry() (*prometheus.Registry, *Metrics) {
	reg := prometheus.NewRegistry()
	return reg, New(reg)
}

// Handler serves the registry the metrics were created with.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// ObserveRequest records one backend call. status 0 means no response.
func (m *Metrics) ObserveRequest(method, path string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	code := "error"
	if status > 0 {
		code = strconv.Itoa(status)
	}
	m.BackendRequests.WithLabelValues(method, path, code).Inc()
	m.BackendLatency.WithLabelValues(method, path).Observe(elapsed.Seconds())
}

// Signal records a raised signal and whether it reached subscribers.
func (m *Metrics) Signal(kind string, delivered bool) {
	if m == nil {
		return
	}
	m.Signals.WithLabelValues(kind, strconv.FormatBool(delivered)).Inc()
}

// Transition records an auth status change.
func (m *Metrics) Transition(status string) {
	if m == nil {
		return
	}
	m.AuthTransitions.WithLabelValues(status).Inc()
}

// Refresh records a user re-fetch outcome.
func (m *Metrics) Refresh(outcome string) {
	if m == nil {
		return
	}
	m.Refreshes.WithLabelValues(outcome).Inc()
}

// CSRFFetch records a CSRF bootstrap outcome.
func (m *Metrics) CSRFFetch(outcome string) {
	if m == nil {
		return
	}
	m.CSRFFetches.WithLabelValues(outcome).Inc()
}

// GuardDecision records a route guard outcome.
func (m *Metrics) GuardDecision(outcome string) {
	if m == nil {
		return
	}
	m.GuardDecisions.WithLabelValues(outcome).Inc()
}

// ForcedLogout counts a logout caused by token expiry.
func (m *Metrics) ForcedLogout() {
	if m == nil {
		return
	}
	m.ForcedLogouts.Inc()
}

// SessionRemaining sets the remaining-session gauge.
func (m *Metrics) SessionRemaining(d time.Duration) {
	if m == nil {
		return
	}
	if d < 0 {
		d = 0
	}
	m.SessionSeconds.Set(d.Seconds())
}
