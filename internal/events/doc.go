// Package events carries job lifecycle events from the manager, worker and
// recovery orchestrator to a batching Hub that fans them out to sinks.
package events
