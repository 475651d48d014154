// Package dispatcher supervises a pool of workers sharing one manager.
package dispatcher

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Runner is a long-running loop such as worker.Worker.
type Runner interface {
	Run(ctx context.Context) error
}

// Dispatcher fans work out to a fixed set of workers.
type Dispatcher struct {
	workers []Runner
	logger  *zap.Logger
}

// New creates a Dispatcher.
func New(workers []Runner, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{workers: workers, logger: logger.Named("dispatcher")}
}

// Size returns the number of workers.
func (d *Dispatcher) Size() int {
	return len(d.workers)
}

// Run starts every worker and blocks until all have returned. The first
// worker error cancels the rest and is returned.
func (d *Dispatcher) Run(ctx context.Context) error {
	if len(d.workers) == 0 {
		return fmt.Errorf("dispatcher has no workers")
	}
	d.logger.Info("starting workers", zap.Int("count", len(d.workers)))
	g, gctx := errgroup.WithContext(ctx)
	for i, w := range d.workers {
		g.Go(func() error {
			if err := w.Run(gctx); err != nil {
				return fmt.Errorf("worker %d: %w", i, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		d.logger.Error("worker pool stopped", zap.Error(err))
		return err
	}
	return nil
}
