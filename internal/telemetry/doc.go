// Package telemetry wires OpenTelemetry tracing and metrics for pipelined.
//
// The orchestrator opens one span per stage attempt and the HTTP layer
// records request metrics through the meter returned here. When telemetry
// is disabled every accessor falls back to the global no-op providers, so
// callers never need to nil-check.
package telemetry
