package recovery

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-scheduler/internal/events"
	"github.com/JakeFAU/scrape-scheduler/internal/jobs"
	"github.com/JakeFAU/scrape-scheduler/internal/metrics"
)

// Health is the result of the health pass.
type Health struct {
	// ErrorRate is failed / (completed + failed) × 100 over the window.
	ErrorRate float64 `json:"error_rate"`
	Score     float64 `json:"score"`
	Completed int     `json:"completed"`
	Failed    int     `json:"failed"`
	BackendOK bool    `json:"backend_ok"`
}

const (
	pingPenalty       = 30.0
	errorRateFloor    = 5.0
	maxErrorPenalty   = 50.0
	errorRateMultiple = 2.0
)

// ScoreHealth applies the health formula: start at 100, lose 30 when the
// backend ping failed, lose min(2×rate, 50) when the rate exceeds 5, floor 0.
func ScoreHealth(errorRate float64, backendOK bool) float64 {
	score := 100.0
	if !backendOK {
		score -= pingPenalty
	}
	if errorRate > errorRateFloor {
		score -= math.Min(errorRateMultiple*errorRate, maxErrorPenalty)
	}
	return math.Max(score, 0)
}

// ErrorRate returns failed / (completed + failed) as a percentage, or 0 when
// nothing finished.
func ErrorRate(completed, failed int) float64 {
	total := completed + failed
	if total == 0 {
		return 0
	}
	return float64(failed) / float64(total) * 100
}

func (o *Orchestrator) checkHealth(ctx context.Context, now time.Time) (Health, jobs.Stats, error) {
	h := Health{BackendOK: true}
	pingErr := o.jobs.Ping(ctx)
	if pingErr != nil {
		h.BackendOK = false
		o.logger.Warn("backend ping failed", zap.Error(pingErr))
	}

	since := now.Add(-o.cfg.HealthWindow)
	finished, err := o.jobs.ListJobs(ctx, jobs.Filter{
		Statuses:       []jobs.Status{jobs.StatusCompleted, jobs.StatusFailed},
		CompletedAfter: &since,
	})
	if err != nil {
		h.Score = ScoreHealth(0, h.BackendOK)
		return h, jobs.Stats{}, fmt.Errorf("list finished jobs: %w", err)
	}
	for _, rec := range finished {
		switch rec.Status {
		case jobs.StatusCompleted:
			h.Completed++
		case jobs.StatusFailed:
			h.Failed++
		}
	}
	h.ErrorRate = ErrorRate(h.Completed, h.Failed)
	h.Score = ScoreHealth(h.ErrorRate, h.BackendOK)
	metrics.SetHealth(h.ErrorRate, h.Score)
	if h.ErrorRate > o.cfg.ErrorRateWarn {
		o.logger.Warn("job error rate above threshold",
			zap.Float64("error_rate", h.ErrorRate),
			zap.Float64("threshold", o.cfg.ErrorRateWarn),
			zap.Int("failed", h.Failed),
			zap.Int("completed", h.Completed),
		)
	}

	stats, err := o.jobs.GetQueueStats(ctx)
	if err != nil {
		return h, jobs.Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	statuses := map[string]int{
		string(jobs.StatusPending):   stats.Pending,
		string(jobs.StatusQueued):    stats.Queued,
		string(jobs.StatusRunning):   stats.Running,
		string(jobs.StatusCompleted): stats.Completed,
		string(jobs.StatusFailed):    stats.Failed,
		string(jobs.StatusCancelled): stats.Cancelled,
	}
	metrics.SetQueueStats(stats.Lanes, statuses)
	metrics.SetDegraded(stats.Degraded)

	o.events.Emit(events.Event{
		TS:    now,
		Stage: events.StageHealth,
		Fields: map[string]any{
			"error_rate": h.ErrorRate,
			"score":      h.Score,
			"backend_ok": h.BackendOK,
			"degraded":   stats.Degraded,
		},
	})
	return h, stats, nil
}
