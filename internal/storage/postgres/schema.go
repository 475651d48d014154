package postgres

import (
	"context"
	"fmt"
)

// Tables names the relations used by the stores.
type Tables struct {
	Jobs    string
	Lanes   string
	Sources string
}

func (t Tables) resolve() (Tables, error) {
	var err error
	if t.Jobs, err = checkTable(t.Jobs, "jobs"); err != nil {
		return Tables{}, err
	}
	if t.Lanes, err = checkTable(t.Lanes, "job_lanes"); err != nil {
		return Tables{}, err
	}
	if t.Sources, err = checkTable(t.Sources, "sources"); err != nil {
		return Tables{}, err
	}
	return t, nil
}

// EnsureSchema creates the scheduler tables when they do not exist.
func EnsureSchema(ctx context.Context, db DB, tables Tables) error {
	t, err := tables.resolve()
	if err != nil {
		return err
	}
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	source_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	priority SMALLINT NOT NULL,
	status TEXT NOT NULL,
	config JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	progress JSONB,
	result JSONB,
	error_message TEXT,
	retry_count INTEGER NOT NULL DEFAULT 0
)`, t.Jobs),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_status_idx ON %s (status, created_at)`, t.Jobs, t.Jobs),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	priority SMALLINT NOT NULL,
	job_id TEXT NOT NULL,
	enqueued_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, t.Lanes),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_priority_idx ON %s (priority, id)`, t.Lanes, t.Lanes),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	active BOOLEAN NOT NULL DEFAULT TRUE
)`, t.Sources),
	}
	for _, stmt := range statements {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", unavailable(err))
		}
	}
	return nil
}
