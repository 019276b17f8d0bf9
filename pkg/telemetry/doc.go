// Package telemetry provides the observability layer for Stackform:
// structured logging via zerolog, Prometheus metrics, OpenTelemetry
// tracing, and an in-process run event bus.
//
// The engine stays decoupled from this package: metrics and events
// attach to a run through the engine's Observer interface, and the
// logger hands the engine a plain zerolog.Logger.
package telemetry
