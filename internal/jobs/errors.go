package jobs

import (
	"errors"
	"fmt"
)

// Sentinels matched with errors.Is against the typed errors below.
var (
	ErrValidation         = errors.New("validation failed")
	ErrNotFound           = errors.New("not found")
	ErrInvalidState       = errors.New("invalid state transition")
	ErrTaskExecution      = errors.New("task execution failed")
	ErrBackendUnavailable = errors.New("backend unavailable")
)

// ValidationError rejects a malformed JobConfig.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid job config: %s: %s", e.Field, e.Reason)
}

// Is matches ErrValidation.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// NotFoundError reports an unknown job or source.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// Is matches ErrNotFound.
func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// InvalidStateError reports an illegal transition for a job.
type InvalidStateError struct {
	ID   string
	From Status
	To   Status
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("job %s: cannot transition %s -> %s", e.ID, e.From, e.To)
}

// Is matches ErrInvalidState.
func (e *InvalidStateError) Is(target error) bool { return target == ErrInvalidState }

// TaskExecutionError wraps a task runner failure.
type TaskExecutionError struct {
	JobID string
	Err   error
}

func (e *TaskExecutionError) Error() string {
	return fmt.Sprintf("job %s: task failed: %v", e.JobID, e.Err)
}

// Is matches ErrTaskExecution.
func (e *TaskExecutionError) Is(target error) bool { return target == ErrTaskExecution }

func (e *TaskExecutionError) Unwrap() error { return e.Err }

// BackendUnavailableError reports that a durable backend cannot be reached.
type BackendUnavailableError struct {
	Backend string
	Err     error
}

func (e *BackendUnavailableError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Backend, e.Err)
}

// Is matches ErrBackendUnavailable.
func (e *BackendUnavailableError) Is(target error) bool { return target == ErrBackendUnavailable }

func (e *BackendUnavailableError) Unwrap() error { return e.Err }
