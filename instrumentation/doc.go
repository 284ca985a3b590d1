// Package instrumentation provides OpenTelemetry metrics and tracing for the
// grant core.
//
// The Instrumentation type owns the meter and tracer providers and a Metrics
// holder with pre-registered instruments for the flow, security, and storage
// layers. When disabled it degrades to no-op providers with zero overhead,
// so storage adapters and the flow can call Record* unconditionally.
//
// Storage adapters report per-operation counters and durations and register
// observable gauges for store sizes via RegisterStorageSizeCallbacks; the
// callbacks read lock-free atomic counters so metric collection never blocks
// issuance traffic.
//
// Exporter selection (Prometheus, OTLP, stdout) belongs to the embedding
// service; this package only names instruments and scopes.
package instrumentation
