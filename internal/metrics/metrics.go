package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry owns a private prometheus registry so tests can create multiple
// instances without duplicate-registration panics.
type Registry struct {
	reg *prometheus.Registry

	RequestsTotal  *prometheus.CounterVec
	RequestLatency *prometheus.HistogramVec
	CostUSD        *prometheus.CounterVec
	RetriesTotal   *prometheus.CounterVec
	BlockedTotal   *prometheus.CounterVec
	RateLimited    prometheus.Counter
	CircuitOpens   *prometheus.CounterVec
	ActiveSessions prometheus.Gauge
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaygate_requests_total",
			Help: "Total requests routed through the gateway",
		}, []string{"model", "provider", "status"}),
		RequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relaygate_request_latency_ms",
			Help:    "Request latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12),
		}, []string{"model", "provider"}),
		CostUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaygate_cost_usd_total",
			Help: "Estimated USD cost of completed requests",
		}, []string{"model", "provider"}),
		RetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaygate_retries_total",
			Help: "Upstream attempts beyond the first, by provider",
		}, []string{"provider"}),
		BlockedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaygate_blocked_total",
			Help: "Requests blocked before dispatch, by reason",
		}, []string{"reason"}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaygate_rate_limited_total",
			Help: "Requests rejected by the per-key RPM limiter",
		}),
		CircuitOpens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaygate_circuit_opens_total",
			Help: "Circuit breaker transitions into the open state",
		}, []string{"provider"}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relaygate_active_sessions",
			Help: "Sessions observed in the active window",
		}),
	}
	reg.MustRegister(
		m.RequestsTotal,
		m.RequestLatency,
		m.CostUSD,
		m.RetriesTotal,
		m.BlockedTotal,
		m.RateLimited,
		m.CircuitOpens,
		m.ActiveSessions,
	)
	return m
}

func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
