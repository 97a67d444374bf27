package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway's Prometheus collectors on a private registry,
// so tests and embedders never collide with the global default registry.
type Metrics struct {
	registry *prometheus.Registry

	spawnDuration  *prometheus.HistogramVec
	workersIdle    *prometheus.GaugeVec
	workersSpawned *prometheus.CounterVec
	spawnErrors    *prometheus.CounterVec
	sessionsActive *prometheus.GaugeVec
	sessionsTotal  *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors under the given namespace.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "vilya"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		spawnDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "spawn_duration_seconds",
			Help:      "Time to launch one backend worker process.",
			// Process startup ranges from a few ms (echo) to seconds (interpreters)
			Buckets: []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		}, []string{"backend"}),
		workersIdle: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_idle",
			Help:      "Warm workers currently held in the pool reserve.",
		}, []string{"backend"}),
		workersSpawned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workers_spawned_total",
			Help:      "Worker processes launched since startup.",
		}, []string{"backend"}),
		spawnErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spawn_errors_total",
			Help:      "Worker launch attempts that failed.",
		}, []string{"backend"}),
		sessionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Client sessions currently bridged to a worker.",
		}, []string{"backend"}),
		sessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Client sessions accepted since startup.",
		}, []string{"backend"}),
	}

	m.registry.MustRegister(
		m.spawnDuration,
		m.workersIdle,
		m.workersSpawned,
		m.spawnErrors,
		m.sessionsActive,
		m.sessionsTotal,
	)

	return m
}

// Handler serves the exposition format for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
