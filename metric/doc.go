// Package metric provides Prometheus-based metrics collection and an HTTP
// server for agent monitoring and observability.
//
// The package offers a centralized metrics registry managing both core
// platform metrics (service status, request handling, NATS health) and custom
// component-specific metrics. It includes an HTTP server exposing metrics in
// Prometheus format for monitoring system integration.
//
// # Architecture
//
// The package follows a three-layer design:
//
//  1. Core Metrics: Platform-level metrics automatically registered (Metrics type)
//  2. Service Registry: Extensible registration for component-specific metrics (MetricsRegistrar interface)
//  3. HTTP Server: Metrics endpoint with health checks (Server type)
//
// This architecture separates infrastructure concerns (core metrics) from
// application concerns (component-specific metrics) while providing a unified
// metrics endpoint for monitoring systems.
//
// # Basic Usage
//
// Setting up metrics collection and the HTTP server:
//
//	registry := metric.NewMetricsRegistry()
//	server := metric.NewServer(9090, "/metrics", registry)
//
//	go func() {
//	    if err := server.Start(); err != nil && err != http.ErrServerClosed {
//	        log.Printf("metrics server error: %v", err)
//	    }
//	}()
//
//	// Record core platform metrics
//	coreMetrics := registry.CoreMetrics()
//	coreMetrics.RecordServiceStatus("agent", 2)
//	coreMetrics.RecordRequestReceived("agent", "get_history")
//	coreMetrics.RecordNATSStatus(true)
//
// The server exposes Prometheus-formatted metrics at
// http://localhost:9090/metrics and a health check at
// http://localhost:9090/health.
//
// # Core Metrics
//
// The package automatically registers core platform metrics tracking:
//
//   - Service lifecycle: quoalise_service_status (0=stopped, 1=starting, 2=running, 3=stopping, 4=failed)
//   - Request handling: quoalise_requests_received_total, quoalise_requests_handled_total
//   - Handling performance: quoalise_handling_duration_seconds
//   - NATS connectivity: quoalise_nats_connected, quoalise_nats_rtt_milliseconds
//   - Error tracking: quoalise_errors_total
//
// # Component Metrics
//
// Components register their own metrics through the MetricsRegistrar
// interface, keyed by "<service>.<metric>" so duplicate registrations are
// rejected before they reach Prometheus:
//
//	counter := prometheus.NewCounter(prometheus.CounterOpts{
//	    Name: "quoalise_sessions_opened_total",
//	    Help: "Total sessions opened",
//	})
//	if err := registry.RegisterCounter("sessions", "opened_total", counter); err != nil {
//	    return err
//	}
//
// The session manager and command executor follow this pattern; see their
// NewMetrics constructors.
package metric
