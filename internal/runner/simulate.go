package runner

import (
	"context"
	"time"

	"github.com/JakeFAU/scrape-scheduler/internal/jobs"
)

// SimulateName is the registry name of the built-in Simulate runner.
const SimulateName = "simulate"

// Simulate walks MaxPages pages of BatchSize products each, reporting progress
// after every page. It stands in for real scrapers in development.
type Simulate struct {
	// PageDelay overrides the job's rate_limit_delay between pages.
	PageDelay time.Duration
	// MaxPages caps the pages walked per job when positive.
	MaxPages int
	// UpdateEvery marks every n-th product as updated. Default 10.
	UpdateEvery int
}

// Run implements jobs.TaskRunner.
func (s Simulate) Run(ctx context.Context, rec jobs.Record, report jobs.ProgressFunc) (map[string]any, error) {
	pages := rec.Config.MaxPages
	if s.MaxPages > 0 && s.MaxPages < pages {
		pages = s.MaxPages
	}
	delay := rec.Config.RateLimitDelay
	if s.PageDelay > 0 {
		delay = s.PageDelay
	}
	every := s.UpdateEvery
	if every <= 0 {
		every = 10
	}

	processed, updated := 0, 0
	for page := 1; page <= pages; page++ {
		if page > 1 && delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		} else if err := ctx.Err(); err != nil {
			return nil, err
		}
		processed += rec.Config.BatchSize
		updated = processed / every
		if report != nil {
			report(map[string]any{
				"pages_done":         page,
				"pages_total":        pages,
				"products_processed": processed,
			})
		}
	}
	if rec.Config.Kind == jobs.KindValidation || rec.Config.Kind == jobs.KindCleanup {
		updated = 0
	}
	return map[string]any{
		"success":            true,
		"kind":               string(rec.Config.Kind),
		"pages":              pages,
		"products_processed": processed,
		"products_updated":   updated,
	}, nil
}
