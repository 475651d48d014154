// Package source holds the configured scrape sources: which ids exist and how
// fast each may be scraped.
package source

import (
	"context"
	"slices"
	"sync"
	"time"
)

// Definition describes one configured source.
type Definition struct {
	ID   string `mapstructure:"id"`
	Name string `mapstructure:"name"`
	// Runner names the task runner registered for this source.
	Runner string `mapstructure:"runner"`
	// RatePerSecond limits runner invocations per second; zero means unlimited.
	RatePerSecond float64 `mapstructure:"rate_per_second"`
	Burst         int     `mapstructure:"burst"`
	// Timeout overrides the job default for this source when non-zero.
	Timeout time.Duration `mapstructure:"timeout"`
}

// Static is an in-memory jobs.SourceCatalog built from configuration.
type Static struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewStatic builds a catalog from defs. Later duplicates win.
func NewStatic(defs ...Definition) *Static {
	s := &Static{defs: make(map[string]Definition, len(defs))}
	for _, d := range defs {
		s.defs[d.ID] = d
	}
	return s
}

// SourceExists implements jobs.SourceCatalog.
func (s *Static) SourceExists(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.defs[id]
	return ok, nil
}

// Lookup returns the definition for id.
func (s *Static) Lookup(id string) (Definition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.defs[id]
	return d, ok
}

// IDs lists the configured source ids in sorted order.
func (s *Static) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.defs))
	for id := range s.defs {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}
