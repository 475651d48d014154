// Package metrics exposes the scheduler's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	laneDepth                  *prometheus.GaugeVec
	jobsByStatus               *prometheus.GaugeVec
	recoveryActionsTotal       *prometheus.CounterVec
	sweepDurationSeconds       prometheus.Histogram
	healthErrorRate            prometheus.Gauge
	healthScore                prometheus.Gauge
	backendDegraded            prometheus.Gauge
	busyWorkers                prometheus.Gauge
	rateLimitWaitSeconds       *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry. It is safe to
// call more than once.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scheduler_http_requests_total",
				Help: "Ops server requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)
		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scheduler_http_request_duration_seconds",
				Help:    "Ops server latency, labeled by method and route.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"method", "route"},
		)
		laneDepth = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "scheduler_lane_depth",
				Help: "Job ids waiting on each priority lane at the last sweep.",
			},
			[]string{"lane"},
		)
		jobsByStatus = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "scheduler_jobs",
				Help: "Jobs per status at the last sweep.",
			},
			[]string{"status"},
		)
		recoveryActionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scheduler_recovery_actions_total",
				Help: "Jobs touched by the recovery orchestrator, labeled by action.",
			},
			[]string{"action"},
		)
		sweepDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "scheduler_sweep_duration_seconds",
				Help:    "Wall time of one recovery sweep.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15},
			},
		)
		healthErrorRate = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scheduler_error_rate_percent",
				Help: "Failed share of jobs finished within the health window.",
			},
		)
		healthScore = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scheduler_health_score",
				Help: "Health score from 0 to 100.",
			},
		)
		backendDegraded = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scheduler_backend_degraded",
				Help: "1 when running on the in-memory fallback backend.",
			},
		)
		busyWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scheduler_busy_workers",
				Help: "Workers currently executing a job.",
			},
		)
		rateLimitWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scheduler_rate_limit_wait_seconds",
				Help:    "Time spent waiting on a source rate limiter.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"source"},
		)
	})
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware is a chi middleware that records request counts and latency.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		ObserveHTTPRequest(r.Method, route, rec.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// ObserveHTTPRequest records one ops server request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// SetQueueStats publishes lane depths and per-status counts.
func SetQueueStats(lanes map[string]int, statuses map[string]int) {
	Init()
	for lane, depth := range lanes {
		laneDepth.WithLabelValues(lane).Set(float64(depth))
	}
	for status, n := range statuses {
		jobsByStatus.WithLabelValues(status).Set(float64(n))
	}
}

// ObserveRecovery counts jobs handled by one recovery action
// ("restored", "stale", "retried", "admitted").
func ObserveRecovery(action string, n int) {
	Init()
	if n > 0 {
		recoveryActionsTotal.WithLabelValues(action).Add(float64(n))
	}
}

// ObserveSweep records the duration of a recovery sweep.
func ObserveSweep(d time.Duration) {
	Init()
	sweepDurationSeconds.Observe(d.Seconds())
}

// SetHealth publishes the latest error rate and health score.
func SetHealth(errorRate, score float64) {
	Init()
	healthErrorRate.Set(errorRate)
	healthScore.Set(score)
}

// SetDegraded publishes the backend fallback flag.
func SetDegraded(degraded bool) {
	Init()
	if degraded {
		backendDegraded.Set(1)
		return
	}
	backendDegraded.Set(0)
}

// IncBusyWorkers marks a worker as executing a job.
func IncBusyWorkers() {
	Init()
	busyWorkers.Inc()
}

// DecBusyWorkers marks a worker as idle.
func DecBusyWorkers() {
	Init()
	busyWorkers.Dec()
}

// ObserveRateLimitWait records time spent blocked on a source limiter.
func ObserveRateLimitWait(source string, d time.Duration) {
	Init()
	rateLimitWaitSeconds.WithLabelValues(source).Observe(d.Seconds())
}
