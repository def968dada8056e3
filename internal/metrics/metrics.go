package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the gateway's prometheus instruments on a private
// registry so tests can create independent instances.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	AdmissionRejects  *prometheus.CounterVec
	RateLimitRejects  prometheus.Counter
	BreakerState      *prometheus.GaugeVec
	WorkerRestarts    prometheus.Counter
	WorkersReady      prometheus.Gauge
	IPCFramesTotal    *prometheus.CounterVec
	IPCBytesTotal     *prometheus.CounterVec
	VaultOps          *prometheus.CounterVec
	QueueDepth        prometheus.Gauge
	InFlightRequests  prometheus.Gauge
	UpstreamHealthy   *prometheus.GaugeVec
}

// New creates and registers all instruments.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ferry_requests_total",
			Help: "Completed HTTP requests by route and status class.",
		}, []string{"route", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ferry_request_duration_seconds",
			Help:    "End-to-end request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		AdmissionRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ferry_admission_rejects_total",
			Help: "Requests rejected before dispatch, by stage.",
		}, []string{"stage"}),
		RateLimitRejects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ferry_ratelimit_rejects_total",
			Help: "Requests rejected by the rate limiter.",
		}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ferry_breaker_state",
			Help: "Circuit breaker state per key (0 closed, 1 half-open, 2 open).",
		}, []string{"key"}),
		WorkerRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ferry_worker_restarts_total",
			Help: "Worker respawns performed by the supervisor.",
		}),
		WorkersReady: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ferry_workers_ready",
			Help: "Workers currently in the ready state.",
		}),
		IPCFramesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ferry_ipc_frames_total",
			Help: "IPC frames by direction.",
		}, []string{"direction"}),
		IPCBytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ferry_ipc_bytes_total",
			Help: "IPC payload bytes by direction.",
		}, []string{"direction"}),
		VaultOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ferry_vault_ops_total",
			Help: "Vault operations by op and outcome.",
		}, []string{"op", "outcome"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ferry_admission_queue_depth",
			Help: "Requests waiting in the admission queue.",
		}),
		InFlightRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ferry_inflight_requests",
			Help: "Requests currently being served.",
		}),
		UpstreamHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ferry_upstream_healthy",
			Help: "Upstream health (1 healthy, 0 unhealthy).",
		}, []string{"upstream"}),
	}

	reg.MustRegister(
		m.RequestsTotal, m.RequestDuration, m.AdmissionRejects,
		m.RateLimitRejects, m.BreakerState, m.WorkerRestarts, m.WorkersReady,
		m.IPCFramesTotal, m.IPCBytesTotal, m.VaultOps,
		m.QueueDepth, m.InFlightRequests, m.UpstreamHealthy,
	)
	return m
}

// ObserveRequest records a completed request.
func (m *Metrics) ObserveRequest(route string, status int, seconds float64) {
	class := strconv.Itoa(status/100) + "xx"
	m.RequestsTotal.WithLabelValues(route, class).Inc()
	m.RequestDuration.WithLabelValues(route).Observe(seconds)
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
