// Package memory provides the in-process lane backend used when the durable
// queue is unavailable.
package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/JakeFAU/scrape-scheduler/internal/jobs"
)

// Lanes keeps one ordered slice of job ids per priority.
type Lanes struct {
	mu     sync.Mutex
	lanes  map[jobs.Priority][]string
	notify chan struct{}
	closed bool
}

// NewLanes constructs empty lanes.
func NewLanes() *Lanes {
	return &Lanes{
		lanes:  make(map[jobs.Priority][]string, len(jobs.DrainOrder)),
		notify: make(chan struct{}),
	}
}

// Push appends id to the tail of lane and wakes waiting poppers.
func (l *Lanes) Push(_ context.Context, lane jobs.Priority, id string) error {
	if !lane.Valid() {
		return fmt.Errorf("push: unknown lane %d", lane)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errors.New("lanes closed")
	}
	l.lanes[lane] = append(l.lanes[lane], id)
	close(l.notify)
	l.notify = make(chan struct{})
	return nil
}

// Pop removes the head of lane, waiting up to wait for a push.
func (l *Lanes) Pop(ctx context.Context, lane jobs.Priority, wait time.Duration) (string, bool, error) {
	var deadline <-chan time.Time
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		deadline = timer.C
	}
	for {
		id, ok, notify := l.tryPop(lane)
		if ok || wait <= 0 {
			return id, ok, nil
		}
		select {
		case <-ctx.Done():
			return "", false, fmt.Errorf("pop canceled: %w", ctx.Err())
		case <-deadline:
			return "", false, nil
		case <-notify:
		}
	}
}

func (l *Lanes) tryPop(lane jobs.Priority) (string, bool, <-chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := l.lanes[lane]
	if len(ids) == 0 {
		return "", false, l.notify
	}
	id := ids[0]
	ids[0] = ""
	l.lanes[lane] = ids[1:]
	return id, true, nil
}

// Depth returns the number of ids waiting on lane.
func (l *Lanes) Depth(_ context.Context, lane jobs.Priority) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lanes[lane]), nil
}

// Remove deletes the first occurrence of id from lane.
func (l *Lanes) Remove(_ context.Context, lane jobs.Priority, id string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := l.lanes[lane]
	for i, candidate := range ids {
		if candidate == id {
			l.lanes[lane] = append(ids[:i:i], ids[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

// Contains reports whether id is waiting on lane.
func (l *Lanes) Contains(_ context.Context, lane jobs.Priority, id string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Contains(l.lanes[lane], id), nil
}

// Ping always succeeds for in-process lanes.
func (l *Lanes) Ping(context.Context) error {
	return nil
}

// Close rejects further pushes. Pending ids stay poppable.
func (l *Lanes) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
}
