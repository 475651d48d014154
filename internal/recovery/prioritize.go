package recovery

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-scheduler/internal/jobs"
)

// maxAgeBonus caps how much waiting time can add to a job's score.
const maxAgeBonus = 10.0

// Score ranks a pending job: priority×10 plus its age in hours, capped at 10.
func Score(rec jobs.Record, now time.Time) float64 {
	age := now.Sub(rec.CreatedAt).Hours()
	if age < 0 {
		age = 0
	}
	return float64(rec.Config.Priority)*10 + math.Min(age, maxAgeBonus)
}

// Due reports whether a pending job may be admitted at now.
func Due(rec jobs.Record, now time.Time) bool {
	return rec.Config.ScheduledTime == nil || !rec.Config.ScheduledTime.After(now)
}

// Rank orders due pending jobs by score, highest first, then oldest first.
func Rank(pending []jobs.Record, now time.Time) []jobs.Record {
	due := make([]jobs.Record, 0, len(pending))
	for _, rec := range pending {
		if rec.Status == jobs.StatusPending && Due(rec, now) {
			due = append(due, rec)
		}
	}
	sort.SliceStable(due, func(i, j int) bool {
		si, sj := Score(due[i], now), Score(due[j], now)
		if si != sj {
			return si > sj
		}
		return due[i].CreatedAt.Before(due[j].CreatedAt)
	})
	return due
}

// prioritize queues up to MaxConcurrent − RUNNING pending jobs.
func (o *Orchestrator) prioritize(ctx context.Context, now time.Time) ([]string, error) {
	stats, err := o.jobs.GetQueueStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	slots := o.cfg.MaxConcurrent - stats.Running
	if slots <= 0 {
		return nil, nil
	}
	pending, err := o.jobs.ListJobs(ctx, jobs.Filter{Statuses: []jobs.Status{jobs.StatusPending}})
	if err != nil {
		return nil, fmt.Errorf("list pending jobs: %w", err)
	}
	var admitted []string
	for _, rec := range Rank(pending, now) {
		if len(admitted) >= slots {
			break
		}
		if _, err := o.jobs.QueueJob(ctx, rec.ID); err != nil {
			if skippable(err) {
				continue
			}
			return admitted, fmt.Errorf("admit job %s: %w", rec.ID, err)
		}
		o.logger.Debug("pending job admitted",
			zap.String("job_id", rec.ID),
			zap.Float64("score", Score(rec, now)),
		)
		admitted = append(admitted, rec.ID)
	}
	return admitted, nil
}
