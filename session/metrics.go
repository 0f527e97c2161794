package session

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/consometers/quoalise/metric"
)

// Metrics holds Prometheus metrics for the session manager
type Metrics struct {
	sessionsActive  prometheus.Gauge
	sessionsOpened  prometheus.Counter
	sessionsEvicted prometheus.Counter
	transitions     *prometheus.CounterVec
}

// NewMetrics creates session manager metrics registered on the registry
func NewMetrics(registry *metric.MetricsRegistry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{}

	m.sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quoalise_sessions_active",
			Help: "Number of live command dialog sessions",
		},
	)
	registry.RegisterGauge("sessions", "active", m.sessionsActive)

	m.sessionsOpened = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quoalise_sessions_opened_total",
			Help: "Total sessions opened",
		},
	)
	registry.RegisterCounter("sessions", "opened_total", m.sessionsOpened)

	m.sessionsEvicted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quoalise_sessions_evicted_total",
			Help: "Total sessions evicted after terminal state or inactivity",
		},
	)
	registry.RegisterCounter("sessions", "evicted_total", m.sessionsEvicted)

	m.transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quoalise_session_transitions_total",
			Help: "Total session state transitions",
		},
		[]string{"from", "to"},
	)
	registry.RegisterCounterVec("sessions", "transitions_total", m.transitions)

	return m
}
