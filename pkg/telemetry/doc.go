// Package telemetry provides structured logging, Prometheus metrics, and an
// in-process event bus for the Luminode device runtime.
//
// Logging wraps zerolog with component-scoped child loggers. Metrics cover the
// program lifecycle, capability invocations, shadow synchronization, and the
// delivery protocol. The event bus carries lifecycle events between components
// without coupling them to each other.
package telemetry
