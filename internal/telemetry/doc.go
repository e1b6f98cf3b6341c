// Package telemetry wraps OpenTelemetry SDK initialization: OTLP gRPC
// exporters for traces and metrics, registered as global providers. When
// telemetry is disabled the providers stay noop and nothing connects out.
package telemetry
