package jobs

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithDefaults(t *testing.T) {
	t.Parallel()

	cfg := JobConfig{SourceID: "s1"}.WithDefaults(Defaults{})
	assert.Equal(t, KindPriceUpdate, cfg.Kind)
	assert.Equal(t, 100, cfg.MaxPages)
	assert.Equal(t, time.Second, cfg.RateLimitDelay)
	assert.Equal(t, 100, cfg.BatchSize)
	assert.Equal(t, PriorityNormal, cfg.Priority)
	assert.Equal(t, 3, cfg.RetryBudget)
	assert.Equal(t, 2*time.Hour, cfg.Timeout)
	require.NoError(t, cfg.Validate())
}

func TestWithDefaultsKeepsExplicitZeroBudget(t *testing.T) {
	t.Parallel()

	cfg := JobConfig{SourceID: "s1", RetryBudgetProvided: true}.WithDefaults(Defaults{RetryBudget: 5})
	assert.Equal(t, 0, cfg.RetryBudget)

	cfg = JobConfig{SourceID: "s1"}.WithDefaults(Defaults{RetryBudget: 5, Timeout: time.Minute})
	assert.Equal(t, 5, cfg.RetryBudget)
	assert.Equal(t, time.Minute, cfg.Timeout)
}

func TestValidateRejects(t *testing.T) {
	t.Parallel()

	base := JobConfig{SourceID: "s1"}.WithDefaults(Defaults{})
	tests := []struct {
		name  string
		mut   func(*JobConfig)
		field string
	}{
		{"missing source", func(c *JobConfig) { c.SourceID = "" }, "source_id"},
		{"unknown kind", func(c *JobConfig) { c.Kind = "mystery" }, "kind"},
		{"bad priority", func(c *JobConfig) { c.Priority = 9 }, "priority"},
		{"negative batch", func(c *JobConfig) { c.BatchSize = -1 }, "batch_size"},
		{"negative pages", func(c *JobConfig) { c.MaxPages = -5 }, "max_pages"},
		{"negative delay", func(c *JobConfig) { c.RateLimitDelay = -time.Second }, "rate_limit_delay"},
		{"budget too large", func(c *JobConfig) { c.RetryBudget = 11 }, "retry_budget"},
		{"negative timeout", func(c *JobConfig) { c.Timeout = -time.Minute }, "timeout"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tc.mut(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.True(t, errors.Is(err, ErrValidation))
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			require.Equal(t, tc.field, verr.Field)
		})
	}
}

func TestParsePriority(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]Priority{"low": PriorityLow, "HIGH": PriorityHigh, "4": PriorityUrgent, "": PriorityNormal} {
		got, err := ParsePriority(in)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := ParsePriority("asap")
	require.ErrorIs(t, err, ErrValidation)
}

func TestPatchApplyAndClone(t *testing.T) {
	t.Parallel()

	now := time.Unix(100, 0).UTC()
	rec := Record{ID: "j1", Status: StatusFailed, CompletedAt: TimePtr(now), Progress: map[string]any{"a": 1}}
	retry := 1
	msg := ""
	Patch{
		Status:           StatusQueued,
		ClearCompletedAt: true,
		RetryCount:       &retry,
		ErrorMessage:     &msg,
		Progress:         map[string]any{"b": 2},
	}.Apply(&rec)

	require.Equal(t, StatusQueued, rec.Status)
	require.Nil(t, rec.CompletedAt)
	require.Equal(t, 1, rec.RetryCount)
	require.Equal(t, map[string]any{"a": 1, "b": 2}, rec.Progress)

	clone := rec.Clone()
	clone.Progress["c"] = 3
	require.NotContains(t, rec.Progress, "c")
}

func TestTypedErrorsMatchSentinels(t *testing.T) {
	t.Parallel()

	cause := errors.New("boom")
	require.ErrorIs(t, &NotFoundError{Kind: "job", ID: "x"}, ErrNotFound)
	require.ErrorIs(t, &InvalidStateError{ID: "x"}, ErrInvalidState)
	require.ErrorIs(t, &TaskExecutionError{JobID: "x", Err: cause}, ErrTaskExecution)
	require.ErrorIs(t, &TaskExecutionError{JobID: "x", Err: cause}, cause)
	require.ErrorIs(t, &BackendUnavailableError{Backend: "postgres", Err: cause}, ErrBackendUnavailable)
}
