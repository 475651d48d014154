// Package jobs defines the job model shared across the scheduler: priorities,
// statuses and the transition table, job configuration and records, typed
// errors, and the narrow interfaces implemented by stores, lane backends,
// source catalogs and task runners.
package jobs
