// Package telemetry provides Prometheus metrics and OpenTelemetry tracing for
// the coordination runtime. All helpers are nil-safe so components can carry
// an optional *Metrics or *Tracer without guarding every call site.
package telemetry
