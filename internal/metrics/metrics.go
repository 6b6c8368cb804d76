// Package metrics defines the Prometheus collectors for the age verification flow.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the service's collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	initiated       *prometheus.CounterVec
	callbacks       *prometheus.CounterVec
	popupErrors     *prometheus.CounterVec
	completions     *prometheus.CounterVec
	rateLimited     *prometheus.CounterVec
	limiterFailover prometheus.Counter
	idpExchange     prometheus.Histogram
	cleanedUp       prometheus.Counter
}

// New registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		initiated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agegate_verifications_initiated_total",
			Help: "Authorization URLs issued, by flow kind",
		}, []string{"kind"}),
		callbacks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agegate_callbacks_total",
			Help: "Provider callbacks handled, by result",
		}, []string{"result"}),
		popupErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agegate_popup_errors_total",
			Help: "Popup bootstrap pages that failed before reaching the provider, by error code",
		}, []string{"code"}),
		completions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agegate_completions_total",
			Help: "Widget verification results recorded, by outcome",
		}, []string{"outcome"}),
		rateLimited: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agegate_rate_limited_total",
			Help: "Requests rejected by the rate limiter, by action",
		}, []string{"action"}),
		limiterFailover: f.NewCounter(prometheus.CounterOpts{
			Name: "agegate_ratelimit_fallback_total",
			Help: "Rate limit checks answered by the in-memory fallback",
		}),
		idpExchange: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "agegate_idp_exchange_duration_seconds",
			Help:    "Latency of authorization code exchanges with the identity provider",
			Buckets: prometheus.DefBuckets,
		}),
		cleanedUp: f.NewCounter(prometheus.CounterOpts{
			Name: "agegate_retention_deleted_total",
			Help: "Expired verification sessions removed by the retention sweep",
		}),
	}
}

// Handler serves the metrics collected by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) Initiated(kind string) {
	if m == nil {
		return
	}
	m.initiated.WithLabelValues(kind).Inc()
}

// Callback records a callback by its result: "delivered" or an error code.
func (m *Metrics) Callback(result string) {
	if m == nil {
		return
	}
	m.callbacks.WithLabelValues(result).Inc()
}

// PopupError records a popup that could not start a flow.
func (m *Metrics) PopupError(code string) {
	if m == nil {
		return
	}
	m.popupErrors.WithLabelValues(code).Inc()
}

func (m *Metrics) Completed(outcome string) {
	if m == nil {
		return
	}
	m.completions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RateLimited(action string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(action).Inc()
}

func (m *Metrics) LimiterFailover() {
	if m == nil {
		return
	}
	m.limiterFailover.Inc()
}

// ObserveExchange records one code exchange duration in seconds.
func (m *Metrics) ObserveExchange(seconds float64) {
	if m == nil {
		return
	}
	m.idpExchange.Observe(seconds)
}

func (m *Metrics) CleanedUp(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.cleanedUp.Add(float64(n))
}
