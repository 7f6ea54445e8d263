package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus collectors for the relay and transcode managers.
// All methods are safe to call on a nil *Metrics.
type Metrics struct {
	registry         *prometheus.Registry
	requestsTotal    prometheus.Counter
	errorsTotal      prometheus.Counter
	sessionsStarted  *prometheus.CounterVec
	sessionsRemoved  *prometheus.CounterVec
	activeSessions   *prometheus.GaugeVec
	upstreamFailures *prometheus.CounterVec
	manifestsServed  *prometheus.CounterVec
	spawnAttempts    *prometheus.CounterVec
}

// New creates and registers the collectors on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		sessionsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hls_sessions_started_total",
			Help: "Sessions created, by manager",
		}, []string{"manager"}),
		sessionsRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hls_sessions_removed_total",
			Help: "Sessions removed, by manager and reason",
		}, []string{"manager", "reason"}),
		activeSessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hls_active_sessions",
			Help: "Sessions currently on disk, by manager",
		}, []string{"manager"}),
		upstreamFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hls_upstream_failures_total",
			Help: "Failed upstream fetches, by resource",
		}, []string{"resource"}),
		manifestsServed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hls_manifests_served_total",
			Help: "Rewritten playlists served, by playlist kind",
		}, []string{"kind"}),
		spawnAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hls_spawn_attempts_total",
			Help: "Transcoder launch attempts, by strategy and result",
		}, []string{"strategy", "result"}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.sessionsStarted,
		m.sessionsRemoved,
		m.activeSessions,
		m.upstreamFailures,
		m.manifestsServed,
		m.spawnAttempts,
	)
	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	if m == nil {
		return
	}
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	if m == nil {
		return
	}
	m.errorsTotal.Inc()
}

// SessionStarted counts a session created by manager.
func (m *Metrics) SessionStarted(manager string) {
	if m == nil {
		return
	}
	m.sessionsStarted.WithLabelValues(manager).Inc()
}

// SessionRemoved counts a removal by manager and reason.
func (m *Metrics) SessionRemoved(manager, reason string) {
	if m == nil {
		return
	}
	m.sessionsRemoved.WithLabelValues(manager, reason).Inc()
}

// SetActiveSessions sets the active sessions gauge for manager.
func (m *Metrics) SetActiveSessions(manager string, n int) {
	if m == nil {
		return
	}
	m.activeSessions.WithLabelValues(manager).Set(float64(n))
}

// UpstreamFailure counts a failed fetch of a "manifest" or "segment".
func (m *Metrics) UpstreamFailure(resource string) {
	if m == nil {
		return
	}
	m.upstreamFailures.WithLabelValues(resource).Inc()
}

// ManifestServed counts a rewritten playlist of the given kind.
func (m *Metrics) ManifestServed(kind string) {
	if m == nil {
		return
	}
	m.manifestsServed.WithLabelValues(kind).Inc()
}

// SpawnAttempt counts one launch attempt of strategy.
func (m *Metrics) SpawnAttempt(strategy string, ok bool) {
	if m == nil {
		return
	}
	result := "fail"
	if ok {
		result = "ok"
	}
	m.spawnAttempts.WithLabelValues(strategy, result).Inc()
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. active sessions).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
