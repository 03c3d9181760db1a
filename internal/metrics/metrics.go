// Package metrics exposes the daemon's Prometheus registry. It is served on
// a loopback-only HTTP handler, kept entirely separate from the Unix socket
// control-plane transport.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every metric the daemon records.
type Registry struct {
	reg *prometheus.Registry

	RequestsTotal  *prometheus.CounterVec
	RequestLatency *prometheus.HistogramVec
	CostUSD        *prometheus.CounterVec

	CallerRateLimitedTotal prometheus.Counter

	CredentialsByStatus *prometheus.GaugeVec
	DiscoveryScanSeconds prometheus.Histogram
	DiscoveryScanTotal   prometheus.Counter
}

// New builds a fresh Registry with every metric registered.
func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keyvaultd_requests_total",
			Help: "Total generate requests routed through keyvaultd",
		}, []string{"mode", "provider", "model", "status"}),
		RequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "keyvaultd_request_latency_ms",
			Help:    "Request latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		}, []string{"mode", "provider", "model"}),
		CostUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keyvaultd_cost_usd_total",
			Help: "Estimated USD cost of upstream usage",
		}, []string{"provider", "model"}),
		CallerRateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keyvaultd_caller_rate_limited_total",
			Help: "Total requests rejected by the per-caller rate limiter",
		}),
		CredentialsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "keyvaultd_credentials_by_status",
			Help: "Number of credentials currently in each status",
		}, []string{"status"}),
		DiscoveryScanSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "keyvaultd_discovery_scan_seconds",
			Help:    "Duration of a full discovery scan",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		DiscoveryScanTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keyvaultd_discovery_scan_total",
			Help: "Total completed discovery scans",
		}),
	}
	reg.MustRegister(
		m.RequestsTotal, m.RequestLatency, m.CostUSD,
		m.CallerRateLimitedTotal, m.CredentialsByStatus,
		m.DiscoveryScanSeconds, m.DiscoveryScanTotal,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// SetCredentialStatusCounts replaces the credentials-by-status gauge values.
func (m *Registry) SetCredentialStatusCounts(counts map[string]int) {
	m.CredentialsByStatus.Reset()
	for status, n := range counts {
		m.CredentialsByStatus.WithLabelValues(status).Set(float64(n))
	}
}
