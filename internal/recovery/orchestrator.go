// Package recovery runs the periodic sweep that restores queued jobs missing
// from their lanes, fails stale jobs, re-queues failed jobs after backoff,
// admits pending jobs by priority and reports scheduler health.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-scheduler/internal/events"
	"github.com/JakeFAU/scrape-scheduler/internal/jobs"
	"github.com/JakeFAU/scrape-scheduler/internal/metrics"
)

// Jobs is the subset of the manager the orchestrator uses. It never writes
// records directly.
type Jobs interface {
	ListJobs(ctx context.Context, filter jobs.Filter) ([]jobs.Record, error)
	FailStale(ctx context.Context, id string, attempt int) error
	QueueJob(ctx context.Context, id string) (bool, error)
	ReconcileLanes(ctx context.Context) ([]string, error)
	GetQueueStats(ctx context.Context) (jobs.Stats, error)
	Ping(ctx context.Context) error
}

// Config tunes the sweep.
type Config struct {
	Interval      time.Duration
	StaleAfter    time.Duration
	BackoffBase   time.Duration
	MaxConcurrent int
	HealthWindow  time.Duration
	// ErrorRateWarn is the error rate percentage above which a warning is logged.
	ErrorRateWarn float64
}

// Defaults.
const (
	DefaultInterval      = 60 * time.Second
	DefaultStaleAfter    = 2 * time.Hour
	DefaultBackoffBase   = 60 * time.Second
	DefaultMaxConcurrent = 3
	DefaultHealthWindow  = time.Hour
	DefaultErrorRateWarn = 10.0
)

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.HealthWindow <= 0 {
		c.HealthWindow = DefaultHealthWindow
	}
	if c.ErrorRateWarn <= 0 {
		c.ErrorRateWarn = DefaultErrorRateWarn
	}
	return c
}

// Report summarizes one sweep.
type Report struct {
	At       time.Time     `json:"at"`
	Restored []string      `json:"restored,omitempty"`
	Stale    []string      `json:"stale,omitempty"`
	Retried  []string      `json:"retried,omitempty"`
	Admitted []string      `json:"admitted,omitempty"`
	Health   Health        `json:"health"`
	Stats    jobs.Stats    `json:"stats"`
	Duration time.Duration `json:"duration"`
	Errors   []string      `json:"errors,omitempty"`
}

// Orchestrator owns the recovery loop.
type Orchestrator struct {
	jobs   Jobs
	clock  jobs.Clock
	events events.Emitter
	cfg    Config
	logger *zap.Logger

	mu   sync.RWMutex
	last *Report
}

// New builds an Orchestrator. emitter may be nil.
func New(j Jobs, clock jobs.Clock, emitter events.Emitter, cfg Config, logger *zap.Logger) *Orchestrator {
	if emitter == nil {
		emitter = events.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		jobs:   j,
		clock:  clock,
		events: emitter,
		cfg:    cfg.withDefaults(),
		logger: logger.Named("recovery"),
	}
}

// LastReport returns the most recent sweep report, if any.
func (o *Orchestrator) LastReport() (Report, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.last == nil {
		return Report{}, false
	}
	return *o.last, true
}

// Run sweeps immediately and then every Interval until ctx is done. Sweep
// errors are logged, not returned.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("recovery loop started", zap.Duration("interval", o.cfg.Interval))
	ticker := time.NewTicker(o.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := o.Sweep(ctx); err != nil && ctx.Err() == nil {
			o.logger.Error("recovery sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			o.logger.Info("recovery loop stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep runs the lane reconcile, stale, retry, prioritization and health
// passes once. Every pass runs even if an earlier one failed; their errors
// are joined.
func (o *Orchestrator) Sweep(ctx context.Context) (Report, error) {
	start := time.Now()
	now := o.clock.Now()
	report := Report{At: now}
	var errs []error

	restored, err := o.jobs.ReconcileLanes(ctx)
	report.Restored = restored
	errs = appendErr(errs, "lane reconcile", err)

	stale, err := o.sweepStale(ctx, now)
	report.Stale = stale
	errs = appendErr(errs, "stale sweep", err)

	retried, err := o.sweepRetries(ctx, now)
	report.Retried = retried
	errs = appendErr(errs, "retry sweep", err)

	admitted, err := o.prioritize(ctx, now)
	report.Admitted = admitted
	errs = appendErr(errs, "prioritization", err)

	health, stats, err := o.checkHealth(ctx, now)
	report.Health = health
	report.Stats = stats
	errs = appendErr(errs, "health check", err)

	for _, e := range errs {
		report.Errors = append(report.Errors, e.Error())
	}
	report.Duration = time.Since(start)
	metrics.ObserveSweep(report.Duration)
	metrics.ObserveRecovery("restored", len(restored))
	metrics.ObserveRecovery("stale", len(stale))
	metrics.ObserveRecovery("retried", len(retried))
	metrics.ObserveRecovery("admitted", len(admitted))

	o.mu.Lock()
	o.last = &report
	o.mu.Unlock()

	o.logger.Info("recovery sweep finished",
		zap.Int("restored", len(restored)),
		zap.Int("stale", len(stale)),
		zap.Int("retried", len(retried)),
		zap.Int("admitted", len(admitted)),
		zap.Float64("error_rate", health.ErrorRate),
		zap.Float64("health_score", health.Score),
		zap.Duration("took", report.Duration),
	)
	return report, errors.Join(errs...)
}

// sweepStale fails RUNNING jobs whose run time has reached their timeout.
func (o *Orchestrator) sweepStale(ctx context.Context, now time.Time) ([]string, error) {
	running, err := o.jobs.ListJobs(ctx, jobs.Filter{Statuses: []jobs.Status{jobs.StatusRunning}})
	if err != nil {
		return nil, fmt.Errorf("list running jobs: %w", err)
	}
	var failed []string
	for _, rec := range running {
		if rec.StartedAt == nil {
			continue
		}
		timeout := o.cfg.StaleAfter
		if rec.Config.Timeout > 0 {
			timeout = rec.Config.Timeout
		}
		if now.Before(rec.StartedAt.Add(timeout)) {
			continue
		}
		if err := o.jobs.FailStale(ctx, rec.ID, rec.RetryCount); err != nil {
			if skippable(err) {
				continue
			}
			return failed, fmt.Errorf("fail stale job %s: %w", rec.ID, err)
		}
		o.logger.Warn("stale job failed",
			zap.String("job_id", rec.ID),
			zap.Time("started_at", *rec.StartedAt),
			zap.Duration("timeout", timeout),
		)
		failed = append(failed, rec.ID)
	}
	return failed, nil
}

// sweepRetries re-queues FAILED jobs whose backoff has elapsed.
func (o *Orchestrator) sweepRetries(ctx context.Context, now time.Time) ([]string, error) {
	failed, err := o.jobs.ListJobs(ctx, jobs.Filter{Statuses: []jobs.Status{jobs.StatusFailed}})
	if err != nil {
		return nil, fmt.Errorf("list failed jobs: %w", err)
	}
	var retried []string
	for _, rec := range failed {
		if !RetryDue(rec, now, o.cfg.BackoffBase) {
			continue
		}
		if _, err := o.jobs.QueueJob(ctx, rec.ID); err != nil {
			if skippable(err) {
				continue
			}
			return retried, fmt.Errorf("retry job %s: %w", rec.ID, err)
		}
		o.logger.Info("job re-queued for retry",
			zap.String("job_id", rec.ID),
			zap.Int("attempt", rec.RetryCount+1),
			zap.Int("budget", rec.Config.RetryBudget),
		)
		retried = append(retried, rec.ID)
	}
	return retried, nil
}

// Backoff returns base × 2^retryCount.
func Backoff(base time.Duration, retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount > 30 {
		retryCount = 30
	}
	return base * time.Duration(1<<retryCount)
}

// RetryDue reports whether a FAILED record has budget left and its backoff
// window since completed_at has elapsed.
func RetryDue(rec jobs.Record, now time.Time, base time.Duration) bool {
	if !rec.RetryEligible() || rec.CompletedAt == nil {
		return false
	}
	return !now.Before(rec.CompletedAt.Add(Backoff(base, rec.RetryCount)))
}

func skippable(err error) bool {
	return errors.Is(err, jobs.ErrInvalidState) || errors.Is(err, jobs.ErrNotFound)
}

func appendErr(errs []error, pass string, err error) []error {
	if err == nil {
		return errs
	}
	return append(errs, fmt.Errorf("%s: %w", pass, err))
}
