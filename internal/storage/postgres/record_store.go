package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/scrape-scheduler/internal/jobs"
)

const recordColumns = `id, config, status, created_at, started_at, completed_at, progress, result, COALESCE(error_message, ''), retry_count`

// RecordStore persists job records in Postgres. It also implements
// jobs.Enqueuer when the lane table lives in the same database.
type RecordStore struct {
	db     DB
	tables Tables
}

// NewRecordStore wraps an open pool (or pgxmock pool in tests).
func NewRecordStore(db DB, tables Tables) (*RecordStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	resolved, err := tables.resolve()
	if err != nil {
		return nil, err
	}
	return &RecordStore{db: db, tables: resolved}, nil
}

// Close releases the underlying pool.
func (s *RecordStore) Close() {
	if s == nil || s.db == nil {
		return
	}
	s.db.Close()
}

// Ping checks connectivity.
func (s *RecordStore) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return &jobs.BackendUnavailableError{Backend: "postgres", Err: err}
	}
	return nil
}

// Insert writes a new job row.
func (s *RecordStore) Insert(ctx context.Context, rec jobs.Record) error {
	if rec.ID == "" {
		return fmt.Errorf("record id is required")
	}
	configJSON, err := json.Marshal(rec.Config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	progressJSON, err := marshalMap(rec.Progress)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	resultJSON, err := marshalMap(rec.Result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	source_id,
	kind,
	priority,
	status,
	config,
	created_at,
	started_at,
	completed_at,
	progress,
	result,
	error_message,
	retry_count
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
)`, s.tables.Jobs)
	args := []any{
		rec.ID,
		rec.Config.SourceID,
		string(rec.Config.Kind),
		int(rec.Config.Priority),
		string(rec.Status),
		configJSON,
		rec.CreatedAt,
		rec.StartedAt,
		rec.CompletedAt,
		progressJSON,
		resultJSON,
		nullableString(rec.ErrorMessage),
		rec.RetryCount,
	}
	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert job: %w", unavailable(err))
	}
	return nil
}

// Get loads a job row by id.
func (s *RecordStore) Get(ctx context.Context, id string) (jobs.Record, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, recordColumns, s.tables.Jobs)
	rec, err := scanRecord(s.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return jobs.Record{}, &jobs.NotFoundError{Kind: "job", ID: id}
	}
	if err != nil {
		return jobs.Record{}, fmt.Errorf("get job: %w", unavailable(err))
	}
	return rec, nil
}

// Update applies patch conditionally on the current status and attempt.
func (s *RecordStore) Update(ctx context.Context, id string, patch jobs.Patch) (jobs.Record, error) {
	query, args, err := s.buildUpdate(id, patch)
	if err != nil {
		return jobs.Record{}, err
	}
	rec, err := scanRecord(s.db.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return jobs.Record{}, s.conflict(ctx, id, patch)
	}
	if err != nil {
		return jobs.Record{}, fmt.Errorf("update job: %w", unavailable(err))
	}
	return rec, nil
}

// Enqueue applies patch and inserts the lane row in one transaction.
func (s *RecordStore) Enqueue(ctx context.Context, id string, patch jobs.Patch, lane jobs.Priority) (jobs.Record, error) {
	query, args, err := s.buildUpdate(id, patch)
	if err != nil {
		return jobs.Record{}, err
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return jobs.Record{}, fmt.Errorf("begin enqueue: %w", unavailable(err))
	}
	done := false
	defer func() {
		if !done {
			_ = tx.Rollback(ctx) //nolint:errcheck // best-effort after a failed step
		}
	}()

	rec, err := scanRecord(tx.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		done = true
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return jobs.Record{}, fmt.Errorf("rollback enqueue: %w", unavailable(rbErr))
		}
		return jobs.Record{}, s.conflict(ctx, id, patch)
	}
	if err != nil {
		return jobs.Record{}, fmt.Errorf("enqueue update: %w", unavailable(err))
	}
	insert := fmt.Sprintf(`INSERT INTO %s (priority, job_id) VALUES ($1, $2)`, s.tables.Lanes)
	if _, err := tx.Exec(ctx, insert, int(lane), id); err != nil {
		return jobs.Record{}, fmt.Errorf("enqueue push: %w", unavailable(err))
	}
	done = true
	if err := tx.Commit(ctx); err != nil {
		return jobs.Record{}, fmt.Errorf("commit enqueue: %w", unavailable(err))
	}
	return rec, nil
}

// List returns rows matching filter ordered by creation time.
func (s *RecordStore) List(ctx context.Context, filter jobs.Filter) ([]jobs.Record, error) {
	var (
		where []string
		args  []any
	)
	if len(filter.Statuses) > 0 {
		args = append(args, statusStrings(filter.Statuses))
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if filter.SourceID != "" {
		args = append(args, filter.SourceID)
		where = append(where, fmt.Sprintf("source_id = $%d", len(args)))
	}
	if filter.CompletedAfter != nil {
		args = append(args, *filter.CompletedAfter)
		where = append(where, fmt.Sprintf("completed_at >= $%d", len(args)))
	}
	query := fmt.Sprintf(`SELECT %s FROM %s`, recordColumns, s.tables.Jobs)
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", unavailable(err))
	}
	defer rows.Close()
	var out []jobs.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", unavailable(err))
	}
	return out, nil
}

// Counts groups rows by status.
func (s *RecordStore) Counts(ctx context.Context) (map[jobs.Status]int, error) {
	query := fmt.Sprintf(`SELECT status, COUNT(*) FROM %s GROUP BY status`, s.tables.Jobs)
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", unavailable(err))
	}
	defer rows.Close()
	out := make(map[jobs.Status]int, len(jobs.AllStatuses))
	for rows.Next() {
		var (
			status string
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[jobs.Status(status)] = int(count)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate counts: %w", unavailable(err))
	}
	return out, nil
}

func (s *RecordStore) buildUpdate(id string, patch jobs.Patch) (string, []any, error) {
	args := []any{id}
	var sets []string
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if patch.Status != "" {
		add("status", string(patch.Status))
	}
	if patch.StartedAt != nil {
		add("started_at", *patch.StartedAt)
	}
	switch {
	case patch.CompletedAt != nil:
		add("completed_at", *patch.CompletedAt)
	case patch.ClearCompletedAt:
		sets = append(sets, "completed_at = NULL")
	}
	if patch.Result != nil {
		data, err := json.Marshal(patch.Result)
		if err != nil {
			return "", nil, fmt.Errorf("marshal result: %w", err)
		}
		add("result", data)
	}
	if patch.Progress != nil {
		data, err := json.Marshal(patch.Progress)
		if err != nil {
			return "", nil, fmt.Errorf("marshal progress: %w", err)
		}
		args = append(args, data)
		sets = append(sets, fmt.Sprintf("progress = COALESCE(progress, '{}'::jsonb) || $%d::jsonb", len(args)))
	}
	if patch.ErrorMessage != nil {
		add("error_message", nullableString(*patch.ErrorMessage))
	}
	if patch.RetryCount != nil {
		add("retry_count", *patch.RetryCount)
	}
	if len(sets) == 0 {
		return "", nil, fmt.Errorf("empty patch for job %s", id)
	}
	where := "id = $1"
	if len(patch.From) > 0 {
		args = append(args, statusStrings(patch.From))
		where += fmt.Sprintf(" AND status = ANY($%d)", len(args))
	}
	if patch.Attempt != nil {
		args = append(args, *patch.Attempt)
		where += fmt.Sprintf(" AND retry_count = $%d", len(args))
	}
	query := fmt.Sprintf(`UPDATE %s SET %s WHERE %s RETURNING %s`,
		s.tables.Jobs, strings.Join(sets, ", "), where, recordColumns)
	return query, args, nil
}

// conflict explains why a conditional update matched no row.
func (s *RecordStore) conflict(ctx context.Context, id string, patch jobs.Patch) error {
	var status string
	query := fmt.Sprintf(`SELECT status FROM %s WHERE id = $1`, s.tables.Jobs)
	err := s.db.QueryRow(ctx, query, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return &jobs.NotFoundError{Kind: "job", ID: id}
	}
	if err != nil {
		return fmt.Errorf("read job status: %w", unavailable(err))
	}
	return &jobs.InvalidStateError{ID: id, From: jobs.Status(status), To: patch.Status}
}

func scanRecord(row pgx.Row) (jobs.Record, error) {
	var (
		rec          jobs.Record
		configJSON   []byte
		status       string
		startedAt    *time.Time
		completedAt  *time.Time
		progressJSON []byte
		resultJSON   []byte
	)
	if err := row.Scan(
		&rec.ID,
		&configJSON,
		&status,
		&rec.CreatedAt,
		&startedAt,
		&completedAt,
		&progressJSON,
		&resultJSON,
		&rec.ErrorMessage,
		&rec.RetryCount,
	); err != nil {
		return jobs.Record{}, err
	}
	if err := json.Unmarshal(configJSON, &rec.Config); err != nil {
		return jobs.Record{}, fmt.Errorf("decode config: %w", err)
	}
	rec.Config.RetryBudgetProvided = true
	rec.Status = jobs.Status(status)
	rec.StartedAt = startedAt
	rec.CompletedAt = completedAt
	var err error
	if rec.Progress, err = unmarshalMap(progressJSON); err != nil {
		return jobs.Record{}, fmt.Errorf("decode progress: %w", err)
	}
	if rec.Result, err = unmarshalMap(resultJSON); err != nil {
		return jobs.Record{}, fmt.Errorf("decode result: %w", err)
	}
	return rec, nil
}

func marshalMap(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal map: %w", err)
	}
	return data, nil
}

func unmarshalMap(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshal map: %w", err)
	}
	return out, nil
}

func statusStrings(statuses []jobs.Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
