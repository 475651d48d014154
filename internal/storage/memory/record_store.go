// Package memory provides in-process stores used in degraded mode and tests.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/JakeFAU/scrape-scheduler/internal/jobs"
)

// RecordStore keeps job records in a map guarded by an RWMutex.
type RecordStore struct {
	mu      sync.RWMutex
	records map[string]jobs.Record
	order   []string
}

// NewRecordStore constructs an empty RecordStore.
func NewRecordStore() *RecordStore {
	return &RecordStore{records: make(map[string]jobs.Record)}
}

// Insert stores a new record.
func (s *RecordStore) Insert(_ context.Context, rec jobs.Record) error {
	if rec.ID == "" {
		return fmt.Errorf("record id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[rec.ID]; exists {
		return fmt.Errorf("job %s already exists", rec.ID)
	}
	s.records[rec.ID] = rec.Clone()
	s.order = append(s.order, rec.ID)
	return nil
}

// Get fetches a record by id.
func (s *RecordStore) Get(_ context.Context, id string) (jobs.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return jobs.Record{}, &jobs.NotFoundError{Kind: "job", ID: id}
	}
	return rec.Clone(), nil
}

// Update applies patch when the current record satisfies its preconditions.
func (s *RecordStore) Update(_ context.Context, id string, patch jobs.Patch) (jobs.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return jobs.Record{}, &jobs.NotFoundError{Kind: "job", ID: id}
	}
	if !patch.Matches(rec) {
		return jobs.Record{}, &jobs.InvalidStateError{ID: id, From: rec.Status, To: patch.Status}
	}
	patch.Apply(&rec)
	s.records[id] = rec
	return rec.Clone(), nil
}

// List returns records matching filter in creation order.
func (s *RecordStore) List(_ context.Context, filter jobs.Filter) ([]jobs.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []jobs.Record
	for _, id := range s.order {
		rec := s.records[id]
		if !matches(rec, filter) {
			continue
		}
		out = append(out, rec.Clone())
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// Counts returns the number of records per status.
func (s *RecordStore) Counts(context.Context) (map[jobs.Status]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[jobs.Status]int, len(jobs.AllStatuses))
	for _, rec := range s.records {
		out[rec.Status]++
	}
	return out, nil
}

// Ping always succeeds.
func (s *RecordStore) Ping(context.Context) error {
	return nil
}

func matches(rec jobs.Record, filter jobs.Filter) bool {
	if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, rec.Status) {
		return false
	}
	if filter.SourceID != "" && rec.Config.SourceID != filter.SourceID {
		return false
	}
	if filter.CompletedAfter != nil {
		if rec.CompletedAt == nil || rec.CompletedAt.Before(*filter.CompletedAfter) {
			return false
		}
	}
	return true
}
