package manager

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrape-scheduler/internal/clock/system"
	"github.com/JakeFAU/scrape-scheduler/internal/events"
	"github.com/JakeFAU/scrape-scheduler/internal/jobs"
	queuemem "github.com/JakeFAU/scrape-scheduler/internal/queue/memory"
	storemem "github.com/JakeFAU/scrape-scheduler/internal/storage/memory"
	"github.com/JakeFAU/scrape-scheduler/internal/storage/postgres"
)

type scenarioResult struct {
	stages []events.Stage
	final  jobs.Record
}

// runScenario drives create → queue → dequeue → start → complete.
func runScenario(t *testing.T, mgr *Manager, rec *recorder) scenarioResult {
	t.Helper()
	ctx := context.Background()

	id, err := mgr.CreateJob(ctx, jobs.JobConfig{SourceID: "s1", Priority: jobs.PriorityHigh, RetryBudget: 2})
	require.NoError(t, err)
	ok, err := mgr.QueueJob(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)

	got, ok, err := mgr.DequeueNext(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, id, got)

	_, err = mgr.StartJob(ctx, id)
	require.NoError(t, err)
	require.NoError(t, mgr.CompleteJob(ctx, id, map[string]any{"success": true}))

	final, err := mgr.GetStatus(ctx, id)
	require.NoError(t, err)
	return scenarioResult{stages: rec.Stages(), final: final}
}

func TestDegradedModeEquivalence(t *testing.T) {
	t.Parallel()

	memRec := &recorder{}
	memMgr, err := New(Deps{
		Records: storemem.NewRecordStore(),
		Lanes:   queuemem.NewLanes(),
		Clock:   system.NewManual(epoch),
		IDs:     &seqIDs{},
		Events:  memRec,
	}, Config{LaneWait: time.Millisecond, Degraded: true})
	require.NoError(t, err)
	memResult := runScenario(t, memMgr, memRec)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	expectScenario(t, mock)

	store, err := postgres.NewRecordStore(mock, postgres.Tables{})
	require.NoError(t, err)
	lanes, err := postgres.NewLanes(mock, "", time.Millisecond)
	require.NoError(t, err)
	pgRec := &recorder{}
	pgMgr, err := New(Deps{
		Records:  store,
		Lanes:    lanes,
		Enqueuer: store,
		Clock:    system.NewManual(epoch),
		IDs:      &seqIDs{},
		Events:   pgRec,
	}, Config{LaneWait: time.Millisecond})
	require.NoError(t, err)
	pgResult := runScenario(t, pgMgr, pgRec)
	require.NoError(t, mock.ExpectationsWereMet())

	require.Equal(t, memResult.stages, pgResult.stages)
	require.Equal(t, memResult.final.Status, pgResult.final.Status)
	require.Equal(t, memResult.final.RetryCount, pgResult.final.RetryCount)
	require.Equal(t, memResult.final.Result["success"], pgResult.final.Result["success"])
	require.Equal(t, memResult.final.Config.Priority, pgResult.final.Config.Priority)
	require.False(t, pgMgr.Degraded())
}

var jobCols = []string{
	"id", "config", "status", "created_at", "started_at", "completed_at",
	"progress", "result", "error_message", "retry_count",
}

func expectScenario(t *testing.T, mock pgxmock.PgxPoolIface) {
	t.Helper()
	cfg := jobs.JobConfig{SourceID: "s1", Priority: jobs.PriorityHigh, RetryBudget: 2}.WithDefaults(jobs.Defaults{})
	configJSON, err := json.Marshal(cfg)
	require.NoError(t, err)
	row := func(status string, started, completed *time.Time, result []byte) *pgxmock.Rows {
		return mock.NewRows(jobCols).AddRow(
			"job-1", configJSON, status, epoch, started, completed, []byte(nil), result, "", 0,
		)
	}
	started := epoch
	done := epoch
	result := []byte(`{"success":true}`)

	mock.ExpectExec("INSERT INTO jobs").WillReturnResult(pgxmock.NewResult("INSERT", 1))

	mock.ExpectQuery("SELECT .* FROM jobs WHERE id").WithArgs("job-1").
		WillReturnRows(row("pending", nil, nil, nil))
	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE jobs SET status").
		WillReturnRows(row("queued", nil, nil, nil))
	mock.ExpectExec("INSERT INTO job_lanes").WithArgs(3, "job-1").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	mock.ExpectQuery("DELETE FROM job_lanes").WithArgs(4).
		WillReturnRows(mock.NewRows([]string{"job_id"}))
	mock.ExpectQuery("DELETE FROM job_lanes").WithArgs(3).
		WillReturnRows(mock.NewRows([]string{"job_id"}).AddRow("job-1"))

	mock.ExpectQuery("UPDATE jobs SET status").
		WillReturnRows(row("running", &started, nil, nil))
	mock.ExpectQuery("UPDATE jobs SET status").
		WillReturnRows(row("completed", &started, &done, result))

	mock.ExpectQuery("SELECT .* FROM jobs WHERE id").WithArgs("job-1").
		WillReturnRows(row("completed", &started, &done, result))
}
