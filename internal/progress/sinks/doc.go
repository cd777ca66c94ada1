// Package sinks implements progress consumers: structured logging,
// Prometheus job metrics, run history persistence, result archiving and
// completion publishing. Each sink satisfies progress.Sink.
package sinks
