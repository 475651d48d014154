// Package manager owns the job lifecycle: creation, queueing on priority
// lanes, state transitions and queue statistics. Workers, the recovery
// orchestrator and the CLI all go through it.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-scheduler/internal/events"
	"github.com/JakeFAU/scrape-scheduler/internal/jobs"
)

// ReasonStale is the error message recorded on jobs failed by the stale sweep.
const ReasonStale = "stale"

const defaultLaneWait = 250 * time.Millisecond

// Config tunes the manager.
type Config struct {
	// LaneWait bounds how long DequeueNext waits on each lane in its second pass.
	LaneWait time.Duration
	Defaults jobs.Defaults
	// Degraded marks the in-memory fallback backend.
	Degraded bool
}

// Deps are the collaborators the manager is built from. Records, Lanes,
// Clock and IDs are required.
type Deps struct {
	Records jobs.RecordStore
	Lanes   jobs.LaneBackend
	// Enqueuer, when set, performs the QUEUED write and the lane push in one
	// transaction. It must share storage with Lanes.
	Enqueuer jobs.Enqueuer
	Sources  jobs.SourceCatalog
	Clock    jobs.Clock
	IDs      jobs.IDGenerator
	Events   events.Emitter
	Logger   *zap.Logger
}

// Manager is safe for concurrent use.
type Manager struct {
	records  jobs.RecordStore
	lanes    jobs.LaneBackend
	enqueuer jobs.Enqueuer
	sources  jobs.SourceCatalog
	clock    jobs.Clock
	ids      jobs.IDGenerator
	events   events.Emitter
	logger   *zap.Logger
	cfg      Config

	// mu serializes status writes that must stay consistent with lane contents.
	mu sync.RWMutex
}

// New validates deps and returns a Manager.
func New(deps Deps, cfg Config) (*Manager, error) {
	switch {
	case deps.Records == nil:
		return nil, fmt.Errorf("record store is required")
	case deps.Lanes == nil:
		return nil, fmt.Errorf("lane backend is required")
	case deps.Clock == nil:
		return nil, fmt.Errorf("clock is required")
	case deps.IDs == nil:
		return nil, fmt.Errorf("id generator is required")
	}
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.LaneWait <= 0 {
		cfg.LaneWait = defaultLaneWait
	}
	return &Manager{
		records:  deps.Records,
		lanes:    deps.Lanes,
		enqueuer: deps.Enqueuer,
		sources:  deps.Sources,
		clock:    deps.Clock,
		ids:      deps.IDs,
		events:   deps.Events,
		logger:   deps.Logger.Named("manager"),
		cfg:      cfg,
	}, nil
}

// Degraded reports whether the manager runs on the in-memory fallback.
func (m *Manager) Degraded() bool {
	return m.cfg.Degraded
}

// Now returns the manager clock's current time.
func (m *Manager) Now() time.Time {
	return m.clock.Now()
}

// Ping checks both backends.
func (m *Manager) Ping(ctx context.Context) error {
	if err := m.records.Ping(ctx); err != nil {
		return fmt.Errorf("ping record store: %w", err)
	}
	if err := m.lanes.Ping(ctx); err != nil {
		return fmt.Errorf("ping lanes: %w", err)
	}
	return nil
}

// CreateJob applies defaults, validates cfg and persists a PENDING record.
func (m *Manager) CreateJob(ctx context.Context, cfg jobs.JobConfig) (string, error) {
	cfg, err := m.prepare(ctx, cfg)
	if err != nil {
		return "", err
	}
	return m.insert(ctx, cfg)
}

// BulkCreate validates every config before inserting any, then creates and
// queues them in order. The returned ids cover the jobs created before a
// failure.
func (m *Manager) BulkCreate(ctx context.Context, cfgs []jobs.JobConfig) ([]string, error) {
	prepared := make([]jobs.JobConfig, len(cfgs))
	for i, cfg := range cfgs {
		p, err := m.prepare(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("job %d: %w", i, err)
		}
		prepared[i] = p
	}
	ids := make([]string, 0, len(prepared))
	for i, cfg := range prepared {
		id, err := m.insert(ctx, cfg)
		if err != nil {
			return ids, fmt.Errorf("create job %d: %w", i, err)
		}
		ids = append(ids, id)
		if _, err := m.QueueJob(ctx, id); err != nil {
			return ids, fmt.Errorf("queue job %d: %w", i, err)
		}
	}
	return ids, nil
}

func (m *Manager) prepare(ctx context.Context, cfg jobs.JobConfig) (jobs.JobConfig, error) {
	cfg = cfg.WithDefaults(m.cfg.Defaults)
	if err := cfg.Validate(); err != nil {
		return jobs.JobConfig{}, err
	}
	if m.sources == nil {
		return cfg, nil
	}
	ok, err := m.sources.SourceExists(ctx, cfg.SourceID)
	if err != nil {
		return jobs.JobConfig{}, fmt.Errorf("check source: %w", err)
	}
	if !ok {
		return jobs.JobConfig{}, &jobs.NotFoundError{Kind: "source", ID: cfg.SourceID}
	}
	return cfg, nil
}

func (m *Manager) insert(ctx context.Context, cfg jobs.JobConfig) (string, error) {
	id, err := m.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	rec := jobs.Record{
		ID:        id,
		Config:    cfg,
		Status:    jobs.StatusPending,
		CreatedAt: m.clock.Now(),
	}
	if err := m.records.Insert(ctx, rec); err != nil {
		return "", fmt.Errorf("insert job: %w", err)
	}
	m.logger.Info("job created",
		zap.String("job_id", id),
		zap.String("source_id", cfg.SourceID),
		zap.String("kind", string(cfg.Kind)),
		zap.Stringer("priority", cfg.Priority),
	)
	m.emit(events.StageCreated, rec)
	return id, nil
}

// QueueJob moves a PENDING or retry-eligible FAILED job to QUEUED and pushes
// it onto its priority lane. Re-queueing a FAILED job increments retry_count
// and clears completed_at and the error message.
func (m *Manager) QueueJob(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.records.Get(ctx, id)
	if err != nil {
		return false, err
	}
	patch := jobs.Patch{From: []jobs.Status{rec.Status}, Status: jobs.StatusQueued}
	stage := events.StageQueued
	switch rec.Status {
	case jobs.StatusPending:
	case jobs.StatusFailed:
		if !rec.RetryEligible() {
			return false, &jobs.InvalidStateError{ID: id, From: rec.Status, To: jobs.StatusQueued}
		}
		retries := rec.RetryCount + 1
		empty := ""
		patch.RetryCount = &retries
		patch.ClearCompletedAt = true
		patch.ErrorMessage = &empty
		stage = events.StageRetried
	default:
		return false, &jobs.InvalidStateError{ID: id, From: rec.Status, To: jobs.StatusQueued}
	}

	lane := rec.Config.Priority
	var queued jobs.Record
	if m.enqueuer != nil {
		queued, err = m.enqueuer.Enqueue(ctx, id, patch, lane)
		if err != nil {
			return false, err
		}
	} else {
		queued, err = m.records.Update(ctx, id, patch)
		if err != nil {
			return false, err
		}
		if err := m.lanes.Push(ctx, lane, id); err != nil {
			m.rollbackQueue(ctx, rec)
			return false, fmt.Errorf("push job %s: %w", id, err)
		}
	}
	m.logger.Info("job queued",
		zap.String("job_id", id),
		zap.Stringer("lane", lane),
		zap.Int("retry_count", queued.RetryCount),
	)
	m.emit(stage, queued)
	return true, nil
}

// rollbackQueue restores prev after a failed lane push.
func (m *Manager) rollbackQueue(ctx context.Context, prev jobs.Record) {
	retries := prev.RetryCount
	msg := prev.ErrorMessage
	patch := jobs.Patch{
		From:         []jobs.Status{jobs.StatusQueued},
		Status:       prev.Status,
		CompletedAt:  prev.CompletedAt,
		RetryCount:   &retries,
		ErrorMessage: &msg,
	}
	if _, err := m.records.Update(context.WithoutCancel(ctx), prev.ID, patch); err != nil {
		m.logger.Error("rollback after failed push", zap.String("job_id", prev.ID), zap.Error(err))
	}
}

// DequeueNext pops the next id in URGENT→LOW order. The first pass does not
// wait; the second waits up to LaneWait per lane. ok is false when every lane
// stayed empty. Callers must re-check the job status before running it.
func (m *Manager) DequeueNext(ctx context.Context) (string, bool, error) {
	for _, wait := range []time.Duration{0, m.cfg.LaneWait} {
		for _, lane := range jobs.DrainOrder {
			id, ok, err := m.lanes.Pop(ctx, lane, wait)
			if err != nil {
				return "", false, fmt.Errorf("pop %s lane: %w", lane, err)
			}
			if ok {
				return id, true, nil
			}
			if ctx.Err() != nil {
				return "", false, ctx.Err()
			}
		}
	}
	return "", false, nil
}

// StartJob moves a QUEUED job to RUNNING.
func (m *Manager) StartJob(ctx context.Context, id string) (jobs.Record, error) {
	now := m.clock.Now()
	rec, err := m.transition(ctx, id, jobs.Patch{
		From:      []jobs.Status{jobs.StatusQueued},
		Status:    jobs.StatusRunning,
		StartedAt: &now,
	})
	if err != nil {
		return jobs.Record{}, err
	}
	m.emit(events.StageStarted, rec)
	return rec, nil
}

// CompleteJob moves a RUNNING job to COMPLETED with result.
func (m *Manager) CompleteJob(ctx context.Context, id string, result map[string]any) error {
	return m.complete(ctx, id, nil, result)
}

// CompleteAttempt is CompleteJob restricted to the run that started with
// retry_count attempt. A result from an earlier run is rejected with
// ErrInvalidState.
func (m *Manager) CompleteAttempt(ctx context.Context, id string, attempt int, result map[string]any) error {
	return m.complete(ctx, id, &attempt, result)
}

func (m *Manager) complete(ctx context.Context, id string, attempt *int, result map[string]any) error {
	now := m.clock.Now()
	if result == nil {
		result = map[string]any{}
	}
	rec, err := m.transition(ctx, id, jobs.Patch{
		From:        []jobs.Status{jobs.StatusRunning},
		Attempt:     attempt,
		Status:      jobs.StatusCompleted,
		CompletedAt: &now,
		Result:      result,
	})
	if err != nil {
		return err
	}
	m.logger.Info("job completed", zap.String("job_id", id))
	m.emit(events.StageCompleted, rec)
	return nil
}

// FailJob moves a RUNNING job to FAILED. It never re-queues; retries belong
// to the recovery orchestrator.
func (m *Manager) FailJob(ctx context.Context, id, message string) error {
	return m.fail(ctx, id, nil, message, events.StageFailed)
}

// FailAttempt is FailJob restricted to the run that started with retry_count
// attempt.
func (m *Manager) FailAttempt(ctx context.Context, id string, attempt int, message string) error {
	return m.fail(ctx, id, &attempt, message, events.StageFailed)
}

// FailStale fails a RUNNING job that outlived its timeout, recording
// ReasonStale. attempt is the retry_count observed when the job was judged
// stale.
func (m *Manager) FailStale(ctx context.Context, id string, attempt int) error {
	return m.fail(ctx, id, &attempt, ReasonStale, events.StageStale)
}

func (m *Manager) fail(ctx context.Context, id string, attempt *int, message string, stage events.Stage) error {
	now := m.clock.Now()
	rec, err := m.transition(ctx, id, jobs.Patch{
		From:         []jobs.Status{jobs.StatusRunning},
		Attempt:      attempt,
		Status:       jobs.StatusFailed,
		CompletedAt:  &now,
		ErrorMessage: &message,
	})
	if err != nil {
		return err
	}
	m.logger.Warn("job failed",
		zap.String("job_id", id),
		zap.String("error", message),
		zap.Int("retry_count", rec.RetryCount),
	)
	m.emit(stage, rec)
	return nil
}

// CancelJob cancels a PENDING, QUEUED or RUNNING job. Cancelling an already
// cancelled job returns false with no error. Removing a QUEUED id from its
// lane is best-effort; workers skip cancelled ids after popping them.
func (m *Manager) CancelJob(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.records.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if rec.Status == jobs.StatusCancelled {
		return false, nil
	}
	now := m.clock.Now()
	cancelled, err := m.records.Update(ctx, id, jobs.Patch{
		From:        jobs.Sources(jobs.StatusCancelled),
		Status:      jobs.StatusCancelled,
		CompletedAt: &now,
	})
	if err != nil {
		var stateErr *jobs.InvalidStateError
		if errors.As(err, &stateErr) && stateErr.From == jobs.StatusCancelled {
			return false, nil
		}
		return false, err
	}
	if rec.Status == jobs.StatusQueued {
		removed, err := m.lanes.Remove(ctx, rec.Config.Priority, id)
		if err != nil {
			m.logger.Warn("remove cancelled job from lane", zap.String("job_id", id), zap.Error(err))
		}
		m.logger.Debug("cancelled job lane removal", zap.String("job_id", id), zap.Bool("removed", removed))
	}
	m.logger.Info("job cancelled", zap.String("job_id", id), zap.String("from", string(rec.Status)))
	m.emit(events.StageCancelled, cancelled)
	return true, nil
}

// RestoreLane pushes a QUEUED job back onto its lane when it is missing
// from it, as happens when a worker pops an id and stops before starting it.
// It reports whether the id was pushed.
func (m *Manager) RestoreLane(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.records.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return m.restoreLocked(ctx, rec)
}

// ReconcileLanes restores every QUEUED job that has no lane entry and
// returns their ids. An id popped by a live worker that has not started it
// yet may be pushed twice; the second pop is skipped once the job runs.
func (m *Manager) ReconcileLanes(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	queued, err := m.records.List(ctx, jobs.Filter{Statuses: []jobs.Status{jobs.StatusQueued}})
	if err != nil {
		return nil, fmt.Errorf("list queued jobs: %w", err)
	}
	var restored []string
	for _, rec := range queued {
		pushed, err := m.restoreLocked(ctx, rec)
		if err != nil {
			return restored, err
		}
		if pushed {
			restored = append(restored, rec.ID)
		}
	}
	return restored, nil
}

func (m *Manager) restoreLocked(ctx context.Context, rec jobs.Record) (bool, error) {
	if rec.Status != jobs.StatusQueued {
		return false, nil
	}
	lane := rec.Config.Priority
	found, err := m.lanes.Contains(ctx, lane, rec.ID)
	if err != nil {
		return false, fmt.Errorf("look up job %s on %s lane: %w", rec.ID, lane, err)
	}
	if found {
		return false, nil
	}
	if err := m.lanes.Push(ctx, lane, rec.ID); err != nil {
		return false, fmt.Errorf("restore job %s: %w", rec.ID, err)
	}
	m.logger.Warn("queued job restored to lane", zap.String("job_id", rec.ID), zap.Stringer("lane", lane))
	return true, nil
}

// UpdateProgress merges progress into a RUNNING job's progress map.
func (m *Manager) UpdateProgress(ctx context.Context, id string, progress map[string]any) error {
	if len(progress) == 0 {
		return nil
	}
	rec, err := m.records.Update(ctx, id, jobs.Patch{
		From:     []jobs.Status{jobs.StatusRunning},
		Progress: progress,
	})
	if err != nil {
		return err
	}
	evt := events.FromRecord(events.StageProgress, rec, m.clock.Now())
	evt.Fields = progress
	m.events.Emit(evt)
	return nil
}

// GetStatus returns a snapshot of the job.
func (m *Manager) GetStatus(ctx context.Context, id string) (jobs.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.records.Get(ctx, id)
}

// ListJobs returns records matching filter.
func (m *Manager) ListJobs(ctx context.Context, filter jobs.Filter) ([]jobs.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	recs, err := m.records.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return recs, nil
}

// GetQueueStats reports per-lane depth and per-status counts. Active is
// QUEUED plus RUNNING.
func (m *Manager) GetQueueStats(ctx context.Context) (jobs.Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := jobs.Stats{Lanes: make(map[string]int, len(jobs.DrainOrder)), Degraded: m.cfg.Degraded}
	for _, lane := range jobs.DrainOrder {
		depth, err := m.lanes.Depth(ctx, lane)
		if err != nil {
			return jobs.Stats{}, fmt.Errorf("depth of %s lane: %w", lane, err)
		}
		stats.Lanes[lane.String()] = depth
	}
	counts, err := m.records.Counts(ctx)
	if err != nil {
		return jobs.Stats{}, fmt.Errorf("count jobs: %w", err)
	}
	stats.Pending = counts[jobs.StatusPending]
	stats.Queued = counts[jobs.StatusQueued]
	stats.Running = counts[jobs.StatusRunning]
	stats.Completed = counts[jobs.StatusCompleted]
	stats.Failed = counts[jobs.StatusFailed]
	stats.Cancelled = counts[jobs.StatusCancelled]
	stats.Active = stats.Queued + stats.Running
	return stats, nil
}

func (m *Manager) transition(ctx context.Context, id string, patch jobs.Patch) (jobs.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.records.Update(ctx, id, patch)
	if err != nil {
		if errors.Is(err, jobs.ErrInvalidState) {
			m.logger.Debug("rejected transition", zap.String("job_id", id), zap.Error(err))
		}
		return jobs.Record{}, err
	}
	return rec, nil
}

func (m *Manager) emit(stage events.Stage, rec jobs.Record) {
	m.events.Emit(events.FromRecord(stage, rec, m.clock.Now()))
}
