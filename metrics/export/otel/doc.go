// Package otel exposes goIdP engine metrics as OpenTelemetry observable
// instruments.
//
// [NewExporter] registers one Int64ObservableCounter per engine counter,
// one per side counter (audit drops, mail delivery) and one
// Int64ObservableGauge per histogram bucket. A single callback reads the
// engine on each collection cycle.
//
// # What this package must NOT do
//
//   - Own the MeterProvider. Callers supply the Meter.
//   - Mutate engine state.
package otel
