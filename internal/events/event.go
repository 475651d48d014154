package events

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/scrape-scheduler/internal/jobs"
)

// Stage denotes the lifecycle milestone represented by an Event.
type Stage string

// Supported stages.
const (
	StageCreated   Stage = "job.created"
	StageQueued    Stage = "job.queued"
	StageStarted   Stage = "job.started"
	StageProgress  Stage = "job.progress"
	StageCompleted Stage = "job.completed"
	StageFailed    Stage = "job.failed"
	StageCancelled Stage = "job.cancelled"
	StageRetried   Stage = "job.retried"
	StageStale     Stage = "job.stale"
	StageHealth    Stage = "scheduler.health"
)

// Event captures a single job transition or scheduler report.
type Event struct {
	// JobID is empty only for scheduler-wide stages.
	JobID      string         `json:"job_id,omitempty"`
	TS         time.Time      `json:"ts"`
	Stage      Stage          `json:"stage"`
	SourceID   string         `json:"source_id,omitempty"`
	Kind       jobs.Kind      `json:"kind,omitempty"`
	Priority   jobs.Priority  `json:"priority,omitempty"`
	Status     jobs.Status    `json:"status,omitempty"`
	RetryCount int            `json:"retry_count"`
	// Dur is the run time for terminal stages.
	Dur    time.Duration  `json:"dur,omitempty"`
	Note   string         `json:"note,omitempty"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageHealth:
		return nil
	case StageCreated, StageQueued, StageStarted, StageProgress,
		StageCompleted, StageFailed, StageCancelled, StageRetried, StageStale:
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Terminal reports whether the stage ends a run.
func (e Event) Terminal() bool {
	switch e.Stage {
	case StageCompleted, StageFailed, StageCancelled, StageStale:
		return true
	}
	return false
}

// FromRecord builds an event describing rec at ts. Terminal stages get Dur
// from the record's start and completion times.
func FromRecord(stage Stage, rec jobs.Record, ts time.Time) Event {
	evt := Event{
		JobID:      rec.ID,
		TS:         ts,
		Stage:      stage,
		SourceID:   rec.Config.SourceID,
		Kind:       rec.Config.Kind,
		Priority:   rec.Config.Priority,
		Status:     rec.Status,
		RetryCount: rec.RetryCount,
		Note:       rec.ErrorMessage,
	}
	if rec.StartedAt != nil && rec.CompletedAt != nil {
		if d := rec.CompletedAt.Sub(*rec.StartedAt); d > 0 {
			evt.Dur = d
		}
	}
	return evt
}

// Attributes returns the routing attributes published alongside the event.
func (e Event) Attributes() map[string]string {
	attrs := map[string]string{"stage": string(e.Stage)}
	if e.JobID != "" {
		attrs["job_id"] = e.JobID
	}
	if e.SourceID != "" {
		attrs["source_id"] = e.SourceID
	}
	if e.Status != "" {
		attrs["status"] = string(e.Status)
	}
	return attrs
}
