package jobs

import (
	"context"
	"io"
	"time"
)

// RecordStore persists job records. Each call is atomic.
type RecordStore interface {
	Insert(ctx context.Context, rec Record) error
	Get(ctx context.Context, id string) (Record, error)
	// Update applies patch if the current record satisfies patch.From and
	// patch.Attempt and returns the updated record. It returns a *NotFoundError for unknown ids
	// and an *InvalidStateError when the precondition fails.
	Update(ctx context.Context, id string, patch Patch) (Record, error)
	List(ctx context.Context, filter Filter) ([]Record, error)
	Counts(ctx context.Context) (map[Status]int, error)
	Ping(ctx context.Context) error
}

// LaneBackend is a multi-lane FIFO of job ids, one lane per Priority.
type LaneBackend interface {
	Push(ctx context.Context, lane Priority, id string) error
	// Pop removes the oldest id from lane, waiting up to wait for one to
	// arrive. ok is false when the lane stayed empty.
	Pop(ctx context.Context, lane Priority, wait time.Duration) (id string, ok bool, err error)
	Depth(ctx context.Context, lane Priority) (int, error)
	// Remove drops id from lane if present. It is best-effort.
	Remove(ctx context.Context, lane Priority, id string) (bool, error)
	// Contains reports whether id is waiting on lane.
	Contains(ctx context.Context, lane Priority, id string) (bool, error)
	Ping(ctx context.Context) error
}

// Enqueuer is implemented by record stores that can apply a patch and push
// onto a lane in one transaction.
type Enqueuer interface {
	Enqueue(ctx context.Context, id string, patch Patch, lane Priority) (Record, error)
}

// SourceCatalog answers whether a scrape source is registered.
type SourceCatalog interface {
	SourceExists(ctx context.Context, sourceID string) (bool, error)
}

// ProgressFunc reports incremental progress for the running job.
type ProgressFunc func(progress map[string]any)

// TaskRunner executes the scraping work for one job. It must return when ctx
// is cancelled.
type TaskRunner interface {
	Run(ctx context.Context, rec Record, report ProgressFunc) (map[string]any, error)
}

// TaskRunnerFunc adapts a function to TaskRunner.
type TaskRunnerFunc func(ctx context.Context, rec Record, report ProgressFunc) (map[string]any, error)

// Run calls f.
func (f TaskRunnerFunc) Run(ctx context.Context, rec Record, report ProgressFunc) (map[string]any, error) {
	return f(ctx, rec, report)
}

// BlobStore writes artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher pushes job events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}
