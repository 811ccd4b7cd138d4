// Package metrics defines the gateway's Prometheus instrumentation,
// wired into the route, auth, and proxy engines (spec §6 "monitoring").
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the platform gateway.
type Metrics struct {
	ConnectionsTotal  prometheus.Counter
	ActiveConnections prometheus.Gauge
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	ErrorsTotal       *prometheus.CounterVec
	AuthFailuresTotal *prometheus.CounterVec
	TokenRefreshTotal prometheus.Counter
	BackendReachable  *prometheus.GaugeVec
	RateLimitedTotal  prometheus.Counter
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	return &Metrics{
		ConnectionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "trac_gateway_connections_total",
			Help: "Total client connections accepted",
		}),
		ActiveConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "trac_gateway_active_connections",
			Help: "Current active client connections",
		}),
		RequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "trac_gateway_requests_total",
			Help: "Total requests routed, by route name and status class",
		}, []string{"route", "status_class"}),
		RequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trac_gateway_request_duration_seconds",
			Help:    "Request latency from accept to response completion",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		ErrorsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "trac_gateway_errors_total",
			Help: "Total errors, by error kind",
		}, []string{"kind"}),
		AuthFailuresTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "trac_gateway_auth_failures_total",
			Help: "Total authentication failures, by reason",
		}, []string{"reason"}),
		TokenRefreshTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "trac_gateway_token_refresh_total",
			Help: "Total session tokens refreshed",
		}),
		BackendReachable: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trac_gateway_backend_reachable",
			Help: "Backend reachability by route (1=up, 0=down)",
		}, []string{"route"}),
		RateLimitedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "trac_gateway_rate_limited_total",
			Help: "Total requests rejected by rate limiting",
		}),
	}
}
