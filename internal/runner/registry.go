// Package runner maps jobs to task runners and wraps every invocation with the
// source's rate limit and timeout.
package runner

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/scrape-scheduler/internal/jobs"
	"github.com/JakeFAU/scrape-scheduler/internal/source"
)

// Catalog looks up source definitions.
type Catalog interface {
	Lookup(id string) (source.Definition, bool)
}

// Registry implements worker.Runners.
type Registry struct {
	mu         sync.RWMutex
	runners    map[string]jobs.TaskRunner
	defaultRun string
	catalog    Catalog
	limiter    *Limiter
}

// NewRegistry builds a registry. Sources with no runner name use
// defaultRunner. catalog and limiter may be nil.
func NewRegistry(catalog Catalog, defaultRunner string, limiter *Limiter) *Registry {
	if limiter == nil {
		limiter = NewLimiter(LimiterConfig{})
	}
	return &Registry{
		runners:    make(map[string]jobs.TaskRunner),
		defaultRun: defaultRunner,
		catalog:    catalog,
		limiter:    limiter,
	}
}

// Register adds or replaces a named runner.
func (r *Registry) Register(name string, runner jobs.TaskRunner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runners[name] = runner
}

// Names lists the registered runner names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.runners))
	for name := range r.runners {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// RunnerFor resolves the runner for rec's source.
func (r *Registry) RunnerFor(rec jobs.Record) (jobs.TaskRunner, error) {
	var def source.Definition
	if r.catalog != nil {
		def, _ = r.catalog.Lookup(rec.Config.SourceID)
	}
	name := def.Runner
	if name == "" {
		name = r.defaultRun
	}
	r.mu.RLock()
	runner, ok := r.runners[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &jobs.NotFoundError{Kind: "runner", ID: name}
	}
	return &limited{
		source:  rec.Config.SourceID,
		def:     def,
		limiter: r.limiter,
		next:    runner,
	}, nil
}

type limited struct {
	source  string
	def     source.Definition
	limiter *Limiter
	next    jobs.TaskRunner
}

func (l *limited) Run(ctx context.Context, rec jobs.Record, report jobs.ProgressFunc) (map[string]any, error) {
	if err := l.limiter.Wait(ctx, l.source); err != nil {
		return nil, err
	}
	if l.def.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.def.Timeout)
		defer cancel()
	}
	result, err := l.next.Run(ctx, rec, report)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", l.source, err)
	}
	return result, nil
}

// ConfigureSources applies each definition's rate limit to the limiter.
func ConfigureSources(l *Limiter, defs []source.Definition) {
	for _, d := range defs {
		if d.RatePerSecond > 0 {
			l.Configure(d.ID, d.RatePerSecond, d.Burst)
		}
	}
}
