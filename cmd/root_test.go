package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-scheduler/internal/config"
	"github.com/JakeFAU/scrape-scheduler/internal/jobs"
	"github.com/JakeFAU/scrape-scheduler/internal/recovery"
	"github.com/JakeFAU/scrape-scheduler/internal/server"
)

// sharedApp keeps one in-memory app alive across command invocations.
type sharedApp struct{ *server.App }

func (sharedApp) Close(context.Context) error { return nil }

func useSharedApp(t *testing.T) *server.App {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	app, err := server.Build(context.Background(), cfg, server.Options{
		Logger:        zap.NewNop(),
		Registerer:    prometheus.NewRegistry(),
		SkipTelemetry: true,
	})
	require.NoError(t, err)

	prev := newApp
	newApp = func(context.Context, config.Config) (App, error) { return sharedApp{app}, nil }
	t.Cleanup(func() {
		newApp = prev
		_ = app.Close(context.Background())
	})
	return app
}

func execute(t *testing.T, args ...string) ([]byte, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(&out)
	root.SetErr(io.Discard)
	err := root.ExecuteContext(context.Background())
	return out.Bytes(), err
}

func TestSubmitStatusCancel(t *testing.T) {
	useSharedApp(t)

	out, err := execute(t, "submit", "--source", "acme", "--priority", "urgent", "--retry-budget", "0")
	require.NoError(t, err)
	var submitted struct {
		JobID  string `json:"job_id"`
		Queued bool   `json:"queued"`
	}
	require.NoError(t, json.Unmarshal(out, &submitted))
	require.True(t, submitted.Queued)

	out, err = execute(t, "status", submitted.JobID)
	require.NoError(t, err)
	var rec jobs.Record
	require.NoError(t, json.Unmarshal(out, &rec))
	require.Equal(t, jobs.StatusQueued, rec.Status)
	require.Equal(t, jobs.PriorityUrgent, rec.Config.Priority)
	require.Zero(t, rec.Config.RetryBudget)

	out, err = execute(t, "stats")
	require.NoError(t, err)
	var stats jobs.Stats
	require.NoError(t, json.Unmarshal(out, &stats))
	require.Equal(t, 1, stats.Queued)
	require.Equal(t, 1, stats.Lanes["urgent"])
	require.True(t, stats.Degraded)

	out, err = execute(t, "cancel", submitted.JobID)
	require.NoError(t, err)
	require.Contains(t, string(out), `"cancelled": true`)

	out, err = execute(t, "cancel", submitted.JobID)
	require.NoError(t, err)
	require.Contains(t, string(out), `"cancelled": false`)

	out, err = execute(t, "list", "--status", "cancelled")
	require.NoError(t, err)
	var recs []jobs.Record
	require.NoError(t, json.Unmarshal(out, &recs))
	require.Len(t, recs, 1)
	require.Equal(t, submitted.JobID, recs[0].ID)
}

func TestSubmitWithoutQueueLeavesPending(t *testing.T) {
	app := useSharedApp(t)

	out, err := execute(t, "submit", "--source", "acme", "--no-queue")
	require.NoError(t, err)
	require.Contains(t, string(out), `"queued": false`)

	recs, err := app.Manager().ListJobs(context.Background(), jobs.Filter{Statuses: []jobs.Status{jobs.StatusPending}})
	require.NoError(t, err)
	require.Len(t, recs, 1)
}

func TestSweepAdmitsPendingJobs(t *testing.T) {
	app := useSharedApp(t)
	ctx := context.Background()
	id, err := app.Manager().CreateJob(ctx, jobs.JobConfig{SourceID: "acme"})
	require.NoError(t, err)

	out, err := execute(t, "sweep")
	require.NoError(t, err)
	var report recovery.Report
	require.NoError(t, json.Unmarshal(out, &report))
	require.Equal(t, []string{id}, report.Admitted)
	require.Equal(t, 100.0, report.Health.Score)
}

func TestCommandValidation(t *testing.T) {
	useSharedApp(t)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{name: "status needs uuid", args: []string{"status", "job-1"}, want: "not a UUID"},
		{name: "cancel needs uuid", args: []string{"cancel", "nope"}, want: "not a UUID"},
		{name: "submit needs source", args: []string{"submit"}, want: "source"},
		{name: "bad priority", args: []string{"submit", "--source", "acme", "--priority", "asap"}, want: "unknown priority"},
		{name: "bad kind", args: []string{"submit", "--source", "acme", "--kind", "deep_crawl"}, want: "kind"},
		{name: "bad schedule", args: []string{"submit", "--source", "acme", "--scheduled-at", "tomorrow"}, want: "scheduled_time"},
		{name: "bad status filter", args: []string{"list", "--status", "done"}, want: "unknown status"},
		{name: "unknown job", args: []string{"status", "7f1c1f7e-9a7e-4c0e-8d43-8a7b6f0e2b11"}, want: "not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, tt.args...)
			require.ErrorContains(t, err, tt.want)
		})
	}
}
