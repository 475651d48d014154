// Package sinks provides events.Sink implementations: structured logs,
// Prometheus collectors, Pub/Sub publishing and blob archiving.
package sinks
