package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/scrape-scheduler/internal/events"
)

// PrometheusSink derives job counters from the event stream.
type PrometheusSink struct {
	transitions *prometheus.CounterVec
	running     prometheus.Gauge
	runtime     *prometheus.HistogramVec
	retries     *prometheus.CounterVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scheduler_job_transitions_total",
			Help: "Job lifecycle events partitioned by stage and priority.",
		}, []string{"stage", "priority"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scheduler_jobs_running",
			Help: "Jobs started by this process that have not finished.",
		}),
		runtime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scheduler_job_runtime_seconds",
			Help:    "Wall time per finished job.",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600, 7200},
		}, []string{"result"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scheduler_job_retries_total",
			Help: "Failed jobs re-queued by the retry sweep, per source.",
		}, []string{"source_id"}),
		tracker: &runTracker{running: make(map[string]struct{})},
	}
	for _, c := range []prometheus.Collector{s.transitions, s.running, s.runtime, s.retries} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register event collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors.
func (s *PrometheusSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		if evt.Stage == events.StageHealth || evt.Stage == events.StageProgress {
			continue
		}
		s.transitions.WithLabelValues(string(evt.Stage), evt.Priority.String()).Inc()
		switch {
		case evt.Stage == events.StageStarted:
			if s.tracker.start(evt.JobID) {
				s.running.Inc()
			}
		case evt.Stage == events.StageRetried:
			s.retries.WithLabelValues(evt.SourceID).Inc()
		case evt.Terminal():
			if s.tracker.finish(evt.JobID) {
				s.running.Dec()
			}
			if evt.Dur > 0 {
				s.runtime.WithLabelValues(string(evt.Status)).Observe(evt.Dur.Seconds())
			}
		}
	}
	return nil
}

// Close implements events.Sink.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func (t *runTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) finish(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
