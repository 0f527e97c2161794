package metric

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockService simulates a service that can register its own metrics
type MockService struct {
	name    string
	metrics struct {
		queriesServed prometheus.Counter
		pendingQuery  prometheus.Gauge
	}
}

func NewMockService(name string) *MockService {
	return &MockService{name: name}
}

func (m *MockService) Name() string {
	return m.name
}

// RegisterMetrics registers domain-specific metrics for the mock service
func (m *MockService) RegisterMetrics(registrar MetricsRegistrar) error {
	// Register a custom counter
	m.metrics.queriesServed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "quoalise",
		Subsystem: "mock_source",
		Name:      "queries_served_total",
		Help:      "Total number of history queries served",
	})

	err := registrar.RegisterCounter(m.name, "queries_served_total", m.metrics.queriesServed)
	if err != nil {
		return err
	}

	// Register a custom gauge
	m.metrics.pendingQuery = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "quoalise",
		Subsystem: "mock_source",
		Name:      "pending_queries",
		Help:      "Current number of in-flight history queries",
	})

	return registrar.RegisterGauge(m.name, "pending_queries", m.metrics.pendingQuery)
}

// ServeQueries simulates query handling and updates metrics
func (m *MockService) ServeQueries(served int, pending int) {
	m.metrics.queriesServed.Add(float64(served))
	m.metrics.pendingQuery.Set(float64(pending))
}

func TestMetricsIntegration_ServiceRegistration(t *testing.T) {
	// Create a new metrics registry
	registry := NewMetricsRegistry()

	// Create mock service
	mockService := NewMockService("test-service")

	// Register the service's metrics
	err := mockService.RegisterMetrics(registry)
	require.NoError(t, err)

	// Simulate some service activity
	mockService.ServeQueries(10, 5)

	// Verify metrics are registered and have values
	metricFamilies, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	foundMetrics := make(map[string]bool)
	for _, mf := range metricFamilies {
		foundMetrics[mf.GetName()] = true
	}

	// Verify custom metrics are registered
	assert.True(t, foundMetrics["quoalise_mock_source_queries_served_total"],
		"Custom queries_served metric should be registered")
	assert.True(t, foundMetrics["quoalise_mock_source_pending_queries"],
		"Custom pending_queries metric should be registered")
}

func TestMetricsIntegration_NoDuplicateRegistration(t *testing.T) {
	registry := NewMetricsRegistry()

	// Create two services with the same name (this shouldn't happen in real usage)
	service1 := NewMockService("duplicate-service")
	service2 := NewMockService("duplicate-service")

	// Register first service's metrics
	err := service1.RegisterMetrics(registry)
	require.NoError(t, err)

	// Try to register second service's metrics - should fail
	err = service2.RegisterMetrics(registry)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestMetricsIntegration_CoreAndServiceMetricsSeparate(t *testing.T) {
	registry := NewMetricsRegistry()
	coreMetrics := registry.CoreMetrics()

	mockService := NewMockService("separation-test")
	err := mockService.RegisterMetrics(registry)
	require.NoError(t, err)

	// Use core metrics
	coreMetrics.RecordServiceStatus("separation-test", 2)
	coreMetrics.RecordRequestReceived("separation-test", "get_history")

	// Use service-specific metrics
	mockService.ServeQueries(5, 3)

	// Verify both types of metrics are present
	metricFamilies, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	foundMetrics := make(map[string]bool)
	for _, mf := range metricFamilies {
		foundMetrics[mf.GetName()] = true
	}

	// Verify core metrics
	assert.True(t, foundMetrics["quoalise_service_status"],
		"core service status metric should be present")
	assert.True(t, foundMetrics["quoalise_requests_received_total"],
		"core requests received metric should be present")

	// Verify service-specific metrics
	assert.True(t, foundMetrics["quoalise_mock_source_queries_served_total"],
		"Service-specific queries served metric should be present")
	assert.True(t, foundMetrics["quoalise_mock_source_pending_queries"],
		"Service-specific pending queries metric should be present")

	// Verify business metrics are NOT present (they should be registered by specific services only)
	assert.False(t, foundMetrics["quoalise_sessions_active"],
		"Session metric should NOT be in core registry")
	assert.False(t, foundMetrics["quoalise_command_executions_total"],
		"Command metric should NOT be in core registry")
}

func TestMetricsIntegration_MetricsUnregistration(t *testing.T) {
	registry := NewMetricsRegistry()

	mockService := NewMockService("unregister-test")

	// Register metrics
	err := mockService.RegisterMetrics(registry)
	require.NoError(t, err)

	// Serve some queries to make metrics visible
	mockService.ServeQueries(1, 1)

	// Verify metrics are present
	metricFamilies, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	foundBefore := make(map[string]bool)
	for _, mf := range metricFamilies {
		foundBefore[mf.GetName()] = true
	}

	assert.True(t, foundBefore["quoalise_mock_source_queries_served_total"],
		"Metric should be present before unregistration")

	// Unregister one of the metrics
	success := registry.Unregister("unregister-test", "queries_served_total")
	assert.True(t, success, "Unregistration should succeed")

	// Verify metric is no longer present
	metricFamilies, err = registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	foundAfter := make(map[string]bool)
	for _, mf := range metricFamilies {
		foundAfter[mf.GetName()] = true
	}

	assert.False(t, foundAfter["quoalise_mock_source_queries_served_total"],
		"Metric should be absent after unregistration")
	assert.True(t, foundAfter["quoalise_mock_source_pending_queries"],
		"Other service metrics should remain")
}

func TestMetricsIntegration_MultipleServicesWithUniqueMetrics(t *testing.T) {
	registry := NewMetricsRegistry()

	// Create multiple services - they need different metric names to coexist
	service1 := NewMockService("history-source")
	service2 := NewMockService("push-source")

	// Register first service
	err := service1.RegisterMetrics(registry)
	require.NoError(t, err)

	// The second service will fail because it tries to register the same Prometheus metric names
	// This demonstrates that our registry correctly prevents Prometheus-level conflicts
	err = service2.RegisterMetrics(registry)
	assert.Error(t, err, "Second service should fail due to Prometheus metric name conflict")
	assert.Contains(t, err.Error(), "prometheus conflict")
}

func TestMetricsIntegration_MultipleServicesSameNames(t *testing.T) {
	registry := NewMetricsRegistry()

	// Create services with identical names - this simulates trying to register
	// the same service twice, which should be prevented
	service1 := NewMockService("identical-service")
	service2 := NewMockService("identical-service")

	// Register first service
	err := service1.RegisterMetrics(registry)
	require.NoError(t, err)

	// Second service with same name should fail at our registry level
	err = service2.RegisterMetrics(registry)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}
