package command

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/consometers/quoalise/metric"
)

// Metrics holds Prometheus metrics for the command executor
type Metrics struct {
	executions        *prometheus.CounterVec
	executionDuration prometheus.Histogram
	upstreamErrors    *prometheus.CounterVec
}

// NewMetrics creates command executor metrics registered on the registry
func NewMetrics(registry *metric.MetricsRegistry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{}

	m.executions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quoalise_command_executions_total",
			Help: "Total command executions by result",
		},
		[]string{"result"},
	)
	registry.RegisterCounterVec("command", "executions_total", m.executions)

	m.executionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quoalise_command_execution_duration_seconds",
			Help:    "Command execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
	registry.RegisterHistogram("command", "execution_duration_seconds", m.executionDuration)

	m.upstreamErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quoalise_upstream_errors_total",
			Help: "Total upstream errors by issuer",
		},
		[]string{"issuer"},
	)
	registry.RegisterCounterVec("command", "upstream_errors_total", m.upstreamErrors)

	return m
}
