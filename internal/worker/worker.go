// Package worker runs the job execution loop: dequeue, start, run the task,
// then complete or fail.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-scheduler/internal/jobs"
	"github.com/JakeFAU/scrape-scheduler/internal/metrics"
)

// Jobs is the subset of the manager the worker drives.
type Jobs interface {
	DequeueNext(ctx context.Context) (string, bool, error)
	GetStatus(ctx context.Context, id string) (jobs.Record, error)
	StartJob(ctx context.Context, id string) (jobs.Record, error)
	CompleteAttempt(ctx context.Context, id string, attempt int, result map[string]any) error
	FailAttempt(ctx context.Context, id string, attempt int, message string) error
	RestoreLane(ctx context.Context, id string) (bool, error)
	CancelJob(ctx context.Context, id string) (bool, error)
	UpdateProgress(ctx context.Context, id string, progress map[string]any) error
	Degraded() bool
}

// Runners resolves the task runner for a job.
type Runners interface {
	RunnerFor(rec jobs.Record) (jobs.TaskRunner, error)
}

// Config controls Worker pacing.
type Config struct {
	// ID labels logs and spans.
	ID              string
	IdleSleep       time.Duration
	ErrorSleep      time.Duration
	MaxErrorSleep   time.Duration
	CancelPoll      time.Duration
	ShutdownTimeout time.Duration
}

const (
	defaultIdleSleep       = time.Second
	defaultErrorSleep      = 5 * time.Second
	defaultMaxErrorSleep   = 30 * time.Second
	defaultCancelPoll      = 5 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	errorBackoffFactor     = 1.5
)

var (
	errJobCancelled = errors.New("job cancelled")
	// errAttemptLost means the job left this worker's run, for example after
	// a stale sweep failed it and another worker picked up the retry.
	errAttemptLost = errors.New("job attempt superseded")
)

// Worker executes one job at a time.
type Worker struct {
	jobs    Jobs
	runners Runners
	cfg     Config
	logger  *zap.Logger
	tracer  trace.Tracer

	mu       sync.Mutex
	current  string
	failures int
}

// New constructs a Worker.
func New(j Jobs, runners Runners, cfg Config, logger *zap.Logger) *Worker {
	if cfg.IdleSleep <= 0 {
		cfg.IdleSleep = defaultIdleSleep
	}
	if cfg.ErrorSleep <= 0 {
		cfg.ErrorSleep = defaultErrorSleep
	}
	if cfg.MaxErrorSleep <= 0 {
		cfg.MaxErrorSleep = defaultMaxErrorSleep
	}
	if cfg.CancelPoll <= 0 {
		cfg.CancelPoll = defaultCancelPoll
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		jobs:    j,
		runners: runners,
		cfg:     cfg,
		logger:  logger.Named("worker").With(zap.String("worker_id", cfg.ID)),
		tracer:  otel.Tracer("github.com/JakeFAU/scrape-scheduler/internal/worker"),
	}
}

// CurrentJob returns the id of the job being executed, or "".
func (w *Worker) CurrentJob() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

func (w *Worker) setCurrent(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.current = id
}

// Run blocks until ctx is done. It returns nil on shutdown and an error only
// when the backend fails while the manager is already degraded.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started")
	defer w.logger.Info("worker stopped")
	for {
		if ctx.Err() != nil {
			return nil
		}
		id, ok, err := w.jobs.DequeueNext(ctx)
		if err == nil && ok {
			err = w.process(ctx, id)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if fatal := w.backendFailure(ctx, err); fatal != nil {
				return fatal
			}
			continue
		}
		w.failures = 0
		if !ok {
			sleep(ctx, w.cfg.IdleSleep)
		}
	}
}

// backendFailure logs err and sleeps with exponential backoff.
func (w *Worker) backendFailure(ctx context.Context, err error) error {
	if errors.Is(err, jobs.ErrBackendUnavailable) && w.jobs.Degraded() {
		w.logger.Error("fallback backend failed", zap.Error(err))
		return fmt.Errorf("worker %s: %w", w.cfg.ID, err)
	}
	wait := w.errorBackoff(w.failures)
	w.failures++
	w.logger.Error("backend error, backing off",
		zap.Error(err),
		zap.Int("consecutive_failures", w.failures),
		zap.Duration("wait", wait),
	)
	sleep(ctx, wait)
	return nil
}

func (w *Worker) errorBackoff(failures int) time.Duration {
	d := float64(w.cfg.ErrorSleep) * math.Pow(errorBackoffFactor, float64(failures))
	if math.IsInf(d, 0) || d >= float64(w.cfg.MaxErrorSleep) {
		return w.cfg.MaxErrorSleep
	}
	return time.Duration(d)
}

// process runs one popped id. Returned errors are backend errors; task
// failures are recorded on the job.
func (w *Worker) process(ctx context.Context, id string) error {
	rec, err := w.jobs.GetStatus(ctx, id)
	if errors.Is(err, jobs.ErrNotFound) {
		w.logger.Warn("dequeued unknown job", zap.String("job_id", id))
		return nil
	}
	if err != nil {
		w.restore(ctx, id)
		return fmt.Errorf("read dequeued job: %w", err)
	}
	if rec.Status != jobs.StatusQueued {
		w.logger.Debug("skipping dequeued job", zap.String("job_id", id), zap.String("status", string(rec.Status)))
		return nil
	}
	rec, err = w.jobs.StartJob(ctx, id)
	if errors.Is(err, jobs.ErrInvalidState) {
		w.logger.Debug("job changed state before start", zap.String("job_id", id), zap.Error(err))
		return nil
	}
	if err != nil {
		w.restore(ctx, id)
		return fmt.Errorf("start job: %w", err)
	}

	w.setCurrent(id)
	defer w.setCurrent("")
	metrics.IncBusyWorkers()
	defer metrics.DecBusyWorkers()
	logger := w.logger.With(zap.String("job_id", id), zap.String("source_id", rec.Config.SourceID))
	logger.Info("job started", zap.Stringer("priority", rec.Config.Priority), zap.Int("retry_count", rec.RetryCount))

	result, stopped, runErr := w.execute(ctx, rec)
	switch {
	case ctx.Err() != nil:
		w.cancelOnShutdown(ctx, rec, logger)
		return nil
	case errors.Is(stopped, errJobCancelled):
		logger.Info("job cancelled while running")
		return nil
	case errors.Is(stopped, errAttemptLost):
		logger.Warn("job attempt superseded, dropping its outcome")
		return nil
	case runErr != nil:
		logger.Warn("job run failed", zap.Error(runErr))
		if err := w.jobs.FailAttempt(ctx, id, rec.RetryCount, failureMessage(runErr)); err != nil && !errors.Is(err, jobs.ErrInvalidState) {
			return fmt.Errorf("fail job: %w", err)
		}
		return nil
	}
	if err := w.jobs.CompleteAttempt(ctx, id, rec.RetryCount, result); err != nil && !errors.Is(err, jobs.ErrInvalidState) {
		return fmt.Errorf("complete job: %w", err)
	}
	logger.Info("job finished")
	return nil
}

// restore puts a popped id back on its lane when the job was not started.
func (w *Worker) restore(ctx context.Context, id string) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.ShutdownTimeout)
	defer cancel()
	pushed, err := w.jobs.RestoreLane(rctx, id)
	if err != nil {
		w.logger.Error("restore popped job", zap.String("job_id", id), zap.Error(err))
		return
	}
	if pushed {
		w.logger.Info("popped job returned to lane", zap.String("job_id", id))
	}
}

// execute runs the task under a span and a per-job context that is cancelled
// when the job is cancelled or leaves this run. stopped is errJobCancelled or
// errAttemptLost when the watcher stopped the task.
func (w *Worker) execute(ctx context.Context, rec jobs.Record) (map[string]any, error, error) {
	jobCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go w.watchRun(jobCtx, rec, cancel)

	jobCtx, span := w.tracer.Start(jobCtx, "job.execute", trace.WithAttributes(
		attribute.String("job.id", rec.ID),
		attribute.String("job.source_id", rec.Config.SourceID),
		attribute.String("job.kind", string(rec.Config.Kind)),
		attribute.Int("job.priority", int(rec.Config.Priority)),
		attribute.Int("job.retry_count", rec.RetryCount),
		attribute.String("worker.id", w.cfg.ID),
	))
	defer span.End()

	result, err := w.invoke(jobCtx, rec)
	var stopped error
	if cause := context.Cause(jobCtx); errors.Is(cause, errJobCancelled) || errors.Is(cause, errAttemptLost) {
		stopped = cause
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(
		attribute.Bool("job.cancelled", errors.Is(stopped, errJobCancelled)),
		attribute.Bool("job.superseded", errors.Is(stopped, errAttemptLost)),
	)
	return result, stopped, err
}

func (w *Worker) invoke(ctx context.Context, rec jobs.Record) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = &jobs.TaskExecutionError{JobID: rec.ID, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	runner, err := w.runners.RunnerFor(rec)
	if err != nil {
		return nil, &jobs.TaskExecutionError{JobID: rec.ID, Err: err}
	}
	report := func(progress map[string]any) {
		if err := w.jobs.UpdateProgress(ctx, rec.ID, progress); err != nil {
			w.logger.Debug("progress update rejected", zap.String("job_id", rec.ID), zap.Error(err))
		}
	}
	result, err = runner.Run(ctx, rec, report)
	if err != nil && !errors.Is(err, jobs.ErrTaskExecution) {
		err = &jobs.TaskExecutionError{JobID: rec.ID, Err: err}
	}
	return result, err
}

// watchRun polls the record and stops the task when the job is cancelled or
// is no longer the run this worker started.
func (w *Worker) watchRun(ctx context.Context, started jobs.Record, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(w.cfg.CancelPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rec, err := w.jobs.GetStatus(ctx, started.ID)
			if err != nil {
				continue
			}
			switch {
			case rec.Status == jobs.StatusCancelled:
				cancel(errJobCancelled)
				return
			case !sameRun(rec, started):
				cancel(errAttemptLost)
				return
			}
		}
	}
}

// sameRun reports whether rec is still the RUNNING attempt described by started.
func sameRun(rec, started jobs.Record) bool {
	if rec.Status != jobs.StatusRunning || rec.RetryCount != started.RetryCount {
		return false
	}
	if rec.StartedAt == nil || started.StartedAt == nil {
		return rec.StartedAt == started.StartedAt
	}
	return rec.StartedAt.Equal(*started.StartedAt)
}

// cancelOnShutdown marks the in-flight job cancelled so it is not left
// RUNNING. A job already taken over by another run is left alone.
func (w *Worker) cancelOnShutdown(ctx context.Context, started jobs.Record, logger *zap.Logger) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.ShutdownTimeout)
	defer cancel()
	rec, err := w.jobs.GetStatus(cctx, started.ID)
	if err == nil && !sameRun(rec, started) {
		logger.Info("in-flight job no longer owned at shutdown", zap.String("status", string(rec.Status)))
		return
	}
	if _, err := w.jobs.CancelJob(cctx, started.ID); err != nil {
		logger.Error("cancel in-flight job on shutdown", zap.Error(err))
		return
	}
	logger.Info("in-flight job cancelled on shutdown")
}

func failureMessage(err error) string {
	var execErr *jobs.TaskExecutionError
	if errors.As(err, &execErr) && execErr.Err != nil {
		return execErr.Err.Error()
	}
	return err.Error()
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
