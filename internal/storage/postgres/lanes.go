package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/scrape-scheduler/internal/jobs"
)

const defaultPollInterval = 100 * time.Millisecond

// Lanes is the durable lane backend. Rows are claimed with
// FOR UPDATE SKIP LOCKED so several schedulers can share one table.
type Lanes struct {
	db           DB
	table        string
	pollInterval time.Duration
}

// NewLanes wraps a pool. pollInterval bounds how often Pop re-checks an
// empty lane while waiting.
func NewLanes(db DB, table string, pollInterval time.Duration) (*Lanes, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := checkTable(table, "job_lanes")
	if err != nil {
		return nil, err
	}
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &Lanes{db: db, table: name, pollInterval: pollInterval}, nil
}

// Push appends id to lane.
func (l *Lanes) Push(ctx context.Context, lane jobs.Priority, id string) error {
	query := fmt.Sprintf(`INSERT INTO %s (priority, job_id) VALUES ($1, $2)`, l.table)
	if _, err := l.db.Exec(ctx, query, int(lane), id); err != nil {
		return fmt.Errorf("push lane: %w", unavailable(err))
	}
	return nil
}

// Pop claims and deletes the oldest row on lane, polling until wait elapses.
func (l *Lanes) Pop(ctx context.Context, lane jobs.Priority, wait time.Duration) (string, bool, error) {
	query := fmt.Sprintf(`
DELETE FROM %[1]s
WHERE id = (
	SELECT id FROM %[1]s
	WHERE priority = $1
	ORDER BY id
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING job_id`, l.table)

	deadline := time.Now().Add(wait)
	for {
		var id string
		err := l.db.QueryRow(ctx, query, int(lane)).Scan(&id)
		if err == nil {
			return id, true, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return "", false, fmt.Errorf("pop lane: %w", unavailable(err))
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", false, nil
		}
		select {
		case <-ctx.Done():
			return "", false, fmt.Errorf("pop canceled: %w", ctx.Err())
		case <-time.After(min(remaining, l.pollInterval)):
		}
	}
}

// Depth counts rows on lane.
func (l *Lanes) Depth(ctx context.Context, lane jobs.Priority) (int, error) {
	var depth int64
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE priority = $1`, l.table)
	if err := l.db.QueryRow(ctx, query, int(lane)).Scan(&depth); err != nil {
		return 0, fmt.Errorf("lane depth: %w", unavailable(err))
	}
	return int(depth), nil
}

// Remove deletes id from lane if it has not been claimed yet.
func (l *Lanes) Remove(ctx context.Context, lane jobs.Priority, id string) (bool, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE priority = $1 AND job_id = $2`, l.table)
	tag, err := l.db.Exec(ctx, query, int(lane), id)
	if err != nil {
		return false, fmt.Errorf("remove from lane: %w", unavailable(err))
	}
	return tag.RowsAffected() > 0, nil
}

// Contains reports whether an unclaimed row for id exists on lane.
func (l *Lanes) Contains(ctx context.Context, lane jobs.Priority, id string) (bool, error) {
	var found bool
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE priority = $1 AND job_id = $2)`, l.table)
	if err := l.db.QueryRow(ctx, query, int(lane), id).Scan(&found); err != nil {
		return false, fmt.Errorf("lane lookup: %w", unavailable(err))
	}
	return found, nil
}

// Ping checks connectivity.
func (l *Lanes) Ping(ctx context.Context) error {
	if err := l.db.Ping(ctx); err != nil {
		return &jobs.BackendUnavailableError{Backend: "postgres", Err: err}
	}
	return nil
}
