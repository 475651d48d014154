package postgres

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrape-scheduler/internal/jobs"
)

var recordCols = []string{
	"id", "config", "status", "created_at", "started_at", "completed_at",
	"progress", "result", "error_message", "retry_count",
}

func newMockStore(t *testing.T) (pgxmock.PgxPoolIface, *RecordStore) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewRecordStore(mock, Tables{})
	require.NoError(t, err)
	return mock, store
}

func sampleConfig() jobs.JobConfig {
	return jobs.JobConfig{SourceID: "s1", Priority: jobs.PriorityHigh, RetryBudget: 2}.WithDefaults(jobs.Defaults{})
}

func TestNewRecordStoreRejectsBadTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewRecordStore(mock, Tables{Jobs: "jobs; DROP TABLE x"})
	require.Error(t, err)
	_, err = NewRecordStore(nil, Tables{})
	require.Error(t, err)
}

func TestInsertWritesRow(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	created := time.Unix(1700000000, 0).UTC()
	rec := jobs.Record{ID: "job-1", Config: sampleConfig(), Status: jobs.StatusPending, CreatedAt: created}
	configJSON, err := json.Marshal(rec.Config)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO jobs").
		WithArgs(
			"job-1",
			"s1",
			"price_update",
			3,
			"pending",
			configJSON,
			created,
			(*time.Time)(nil),
			(*time.Time)(nil),
			[]byte(nil),
			[]byte(nil),
			(*string)(nil),
			0,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.Insert(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetScansRecord(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	cfg := sampleConfig()
	configJSON, err := json.Marshal(cfg)
	require.NoError(t, err)
	created := time.Unix(1700000000, 0).UTC()
	started := created.Add(time.Minute)

	mock.ExpectQuery(regexp.QuoteMeta("FROM jobs WHERE id = $1")).
		WithArgs("job-1").
		WillReturnRows(mock.NewRows(recordCols).AddRow(
			"job-1", configJSON, "running", created, &started, (*time.Time)(nil),
			[]byte(`{"pages":3}`), []byte(nil), "", 1,
		))

	rec, err := store.Get(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, jobs.StatusRunning, rec.Status)
	require.Equal(t, cfg.SourceID, rec.Config.SourceID)
	require.Equal(t, cfg.RetryBudget, rec.Config.RetryBudget)
	require.Equal(t, started, *rec.StartedAt)
	require.Nil(t, rec.CompletedAt)
	require.Equal(t, float64(3), rec.Progress["pages"])
	require.Equal(t, 1, rec.RetryCount)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetMissingIsNotFound(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM jobs WHERE id = $1")).
		WithArgs("missing").
		WillReturnRows(mock.NewRows(recordCols))

	_, err := store.Get(context.Background(), "missing")
	require.ErrorIs(t, err, jobs.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateConflictReportsCurrentStatus(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	started := time.Unix(1700000100, 0).UTC()

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE jobs SET status = $2, started_at = $3 WHERE id = $1 AND status = ANY($4)")).
		WithArgs("job-1", "running", started, []string{"queued"}).
		WillReturnRows(mock.NewRows(recordCols))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM jobs WHERE id = $1")).
		WithArgs("job-1").
		WillReturnRows(mock.NewRows([]string{"status"}).AddRow("cancelled"))

	_, err := store.Update(context.Background(), "job-1", jobs.Patch{
		From:      []jobs.Status{jobs.StatusQueued},
		Status:    jobs.StatusRunning,
		StartedAt: &started,
	})
	var stateErr *jobs.InvalidStateError
	require.ErrorAs(t, err, &stateErr)
	require.Equal(t, jobs.StatusCancelled, stateErr.From)
	require.Equal(t, jobs.StatusRunning, stateErr.To)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateMergesProgress(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	configJSON, err := json.Marshal(sampleConfig())
	require.NoError(t, err)
	created := time.Unix(1700000000, 0).UTC()

	mock.ExpectQuery(regexp.QuoteMeta("SET progress = COALESCE(progress, '{}'::jsonb) || $2::jsonb WHERE id = $1 AND status = ANY($3)")).
		WithArgs("job-1", []byte(`{"pages":10}`), []string{"running"}).
		WillReturnRows(mock.NewRows(recordCols).AddRow(
			"job-1", configJSON, "running", created, &created, (*time.Time)(nil),
			[]byte(`{"pages":10}`), []byte(nil), "", 0,
		))

	rec, err := store.Update(context.Background(), "job-1", jobs.Patch{
		From:     []jobs.Status{jobs.StatusRunning},
		Progress: map[string]any{"pages": 10},
	})
	require.NoError(t, err)
	require.Equal(t, float64(10), rec.Progress["pages"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateRejectsEmptyPatch(t *testing.T) {
	t.Parallel()

	_, store := newMockStore(t)
	_, err := store.Update(context.Background(), "job-1", jobs.Patch{From: []jobs.Status{jobs.StatusRunning}})
	require.Error(t, err)
}

func TestEnqueueIsTransactional(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	configJSON, err := json.Marshal(sampleConfig())
	require.NoError(t, err)
	created := time.Unix(1700000000, 0).UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE jobs SET status = $2 WHERE id = $1 AND status = ANY($3)")).
		WithArgs("job-1", "queued", []string{"pending"}).
		WillReturnRows(mock.NewRows(recordCols).AddRow(
			"job-1", configJSON, "queued", created, (*time.Time)(nil), (*time.Time)(nil),
			[]byte(nil), []byte(nil), "", 0,
		))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO job_lanes (priority, job_id) VALUES ($1, $2)")).
		WithArgs(3, "job-1").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	rec, err := store.Enqueue(context.Background(), "job-1", jobs.Patch{
		From:   []jobs.Status{jobs.StatusPending},
		Status: jobs.StatusQueued,
	}, jobs.PriorityHigh)
	require.NoError(t, err)
	require.Equal(t, jobs.StatusQueued, rec.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueConflictRollsBack(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE jobs SET status").
		WithArgs("job-1", "queued", []string{"pending"}).
		WillReturnRows(mock.NewRows(recordCols))
	mock.ExpectRollback()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM jobs WHERE id = $1")).
		WithArgs("job-1").
		WillReturnRows(mock.NewRows([]string{"status"}).AddRow("running"))

	_, err := store.Enqueue(context.Background(), "job-1", jobs.Patch{
		From:   []jobs.Status{jobs.StatusPending},
		Status: jobs.StatusQueued,
	}, jobs.PriorityNormal)
	require.ErrorIs(t, err, jobs.ErrInvalidState)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListBuildsFilter(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	configJSON, err := json.Marshal(sampleConfig())
	require.NoError(t, err)
	done := time.Unix(1700000500, 0).UTC()

	mock.ExpectQuery(regexp.QuoteMeta("FROM jobs WHERE status = ANY($1) AND source_id = $2 ORDER BY created_at, id LIMIT $3")).
		WithArgs([]string{"failed"}, "s1", 10).
		WillReturnRows(mock.NewRows(recordCols).
			AddRow("a", configJSON, "failed", done, &done, &done, []byte(nil), []byte(nil), "boom", 0).
			AddRow("b", configJSON, "failed", done, &done, &done, []byte(nil), []byte(nil), "stale", 1))

	recs, err := store.List(context.Background(), jobs.Filter{
		Statuses: []jobs.Status{jobs.StatusFailed},
		SourceID: "s1",
		Limit:    10,
	})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, "stale", recs[1].ErrorMessage)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCounts(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status, COUNT(*) FROM jobs GROUP BY status")).
		WillReturnRows(mock.NewRows([]string{"status", "count"}).
			AddRow("queued", int64(2)).
			AddRow("failed", int64(1)))

	counts, err := store.Counts(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, counts[jobs.StatusQueued])
	require.Equal(t, 1, counts[jobs.StatusFailed])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateGuardsAttempt(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	done := time.Unix(1700000200, 0).UTC()
	attempt := 0

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE jobs SET status = $2, completed_at = $3 WHERE id = $1 AND status = ANY($4) AND retry_count = $5")).
		WithArgs("job-1", "failed", done, []string{"running"}, 0).
		WillReturnRows(mock.NewRows(recordCols))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM jobs WHERE id = $1")).
		WithArgs("job-1").
		WillReturnRows(mock.NewRows([]string{"status"}).AddRow("running"))

	_, err := store.Update(context.Background(), "job-1", jobs.Patch{
		From:        []jobs.Status{jobs.StatusRunning},
		Attempt:     &attempt,
		Status:      jobs.StatusFailed,
		CompletedAt: &done,
	})
	require.ErrorIs(t, err, jobs.ErrInvalidState)
	require.NoError(t, mock.ExpectationsWereMet())
}
