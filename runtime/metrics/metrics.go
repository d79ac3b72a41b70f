// Package metrics exposes the platform's Prometheus surface. Each process
// owns one Metrics value with its own registry; components record through it
// and the HTTP layer mounts Handler at /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/breaker"
)

// Buckets spans 1ms to 10s, the standard latency range for substrate and
// handler timings.
var Buckets = []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Metrics is the per-process metric set.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	messages        *prometheus.CounterVec
	substrate       *prometheus.HistogramVec
	rateLimited     *prometheus.CounterVec
	failOpen        *prometheus.CounterVec
	breakerState    *prometheus.GaugeVec
	breakerTrips    *prometheus.CounterVec
	activeSessions  prometheus.Gauge
	poolSize        *prometheus.GaugeVec
	eventsPublished *prometheus.CounterVec
	deliveries      *prometheus.CounterVec
}

// New returns a Metrics set labelled with the service identity. The
// service-info gauge carries name, version and environment.
func New(service, version, environment string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "infrasafe_http_requests_total",
			Help: "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "infrasafe_http_request_duration_seconds",
			Help:    "HTTP request processing time.",
			Buckets: Buckets,
		}, []string{"method", "route"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "infrasafe_gateway_updates_total",
			Help: "Gateway updates by type: message, command or callback.",
		}, []string{"type"}),
		substrate: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "infrasafe_substrate_latency_seconds",
			Help:    "Substrate operation latency.",
			Buckets: Buckets,
		}, []string{"op"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "infrasafe_rate_limited_total",
			Help: "Requests denied by the rate limiter, by scope.",
		}, []string{"scope"}),
		failOpen: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "infrasafe_rate_limit_fail_open_total",
			Help: "Limiter admissions granted because the substrate was unreachable.",
		}, []string{"scope"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "infrasafe_breaker_state",
			Help: "Breaker state: 0 closed, 1 open, 2 half-open.",
		}, []string{"name"}),
		breakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "infrasafe_breaker_transitions_total",
			Help: "Breaker state transitions by name and new state.",
		}, []string{"name", "to"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "infrasafe_active_sessions",
			Help: "Currently active sessions.",
		}),
		poolSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "infrasafe_pool_size",
			Help: "Connection and worker pool sizes by pool and kind.",
		}, []string{"pool", "kind"}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "infrasafe_events_published_total",
			Help: "Events published by kind and outcome.",
		}, []string{"kind", "outcome"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "infrasafe_notifications_total",
			Help: "Notification deliveries by channel and status.",
		}, []string{"channel", "status"}),
	}
	reg.MustRegister(
		m.httpRequests, m.httpDuration, m.messages, m.substrate,
		m.rateLimited, m.failOpen, m.breakerState, m.breakerTrips,
		m.activeSessions, m.poolSize, m.eventsPublished, m.deliveries,
	)

	info := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "infrasafe_service_info",
		Help: "Service identity; value is always 1.",
	}, []string{"service", "version", "environment"})
	reg.MustRegister(info)
	info.WithLabelValues(service, version, environment).Set(1)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for test scraping.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	m.httpRequests.WithLabelValues(method, route, statusClass(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// CountUpdate records one gateway update of the given type.
func (m *Metrics) CountUpdate(kind string) { m.messages.WithLabelValues(kind).Inc() }

// ObserveSubstrate records one substrate operation.
func (m *Metrics) ObserveSubstrate(op string, elapsed time.Duration) {
	m.substrate.WithLabelValues(op).Observe(elapsed.Seconds())
}

// CountRateLimited records one limiter denial.
func (m *Metrics) CountRateLimited(scope string) { m.rateLimited.WithLabelValues(scope).Inc() }

// CountFailOpen records one fail-open admission.
func (m *Metrics) CountFailOpen(scope string) { m.failOpen.WithLabelValues(scope).Inc() }

// SetBreakerState mirrors a breaker's state into its gauge.
func (m *Metrics) SetBreakerState(name string, s breaker.State) {
	m.breakerState.WithLabelValues(name).Set(float64(s))
}

// ObserveBreakerChange records a transition and updates the state gauge.
// Wire it as the breaker registry's OnStateChange hook.
func (m *Metrics) ObserveBreakerChange(name string, _, to breaker.State) {
	m.breakerTrips.WithLabelValues(name, to.String()).Inc()
	m.SetBreakerState(name, to)
}

// SetActiveSessions updates the active-session gauge.
func (m *Metrics) SetActiveSessions(n int) { m.activeSessions.Set(float64(n)) }

// SetPoolSize updates one pool gauge, e.g. ("kv", "total") or ("hash", "slots").
func (m *Metrics) SetPoolSize(pool, kind string, n int) {
	m.poolSize.WithLabelValues(pool, kind).Set(float64(n))
}

// CountEvent records one publish attempt.
func (m *Metrics) CountEvent(kind string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.eventsPublished.WithLabelValues(kind, outcome).Inc()
}

// CountDelivery records one notification delivery outcome.
func (m *Metrics) CountDelivery(channel, status string) {
	m.deliveries.WithLabelValues(channel, status).Inc()
}

func statusClass(status int) string {
	switch {
	case status < 200:
		return "1xx"
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
