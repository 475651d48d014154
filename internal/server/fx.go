// Package server wires configuration into a running scheduler: backend
// selection, the event hub, the worker pool, the recovery loop and the ops
// HTTP server.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/scrape-scheduler/internal/api"
	"github.com/JakeFAU/scrape-scheduler/internal/clock/system"
	"github.com/JakeFAU/scrape-scheduler/internal/config"
	"github.com/JakeFAU/scrape-scheduler/internal/dispatcher"
	"github.com/JakeFAU/scrape-scheduler/internal/events"
	"github.com/JakeFAU/scrape-scheduler/internal/events/sinks"
	"github.com/JakeFAU/scrape-scheduler/internal/id/uuid"
	"github.com/JakeFAU/scrape-scheduler/internal/jobs"
	"github.com/JakeFAU/scrape-scheduler/internal/logging"
	"github.com/JakeFAU/scrape-scheduler/internal/manager"
	"github.com/JakeFAU/scrape-scheduler/internal/metrics"
	memorypublisher "github.com/JakeFAU/scrape-scheduler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/scrape-scheduler/internal/publisher/pubsub"
	queuemem "github.com/JakeFAU/scrape-scheduler/internal/queue/memory"
	"github.com/JakeFAU/scrape-scheduler/internal/recovery"
	"github.com/JakeFAU/scrape-scheduler/internal/runner"
	"github.com/JakeFAU/scrape-scheduler/internal/source"
	gcsstorage "github.com/JakeFAU/scrape-scheduler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/scrape-scheduler/internal/storage/local"
	storemem "github.com/JakeFAU/scrape-scheduler/internal/storage/memory"
	pgstore "github.com/JakeFAU/scrape-scheduler/internal/storage/postgres"
	"github.com/JakeFAU/scrape-scheduler/internal/telemetry"
	"github.com/JakeFAU/scrape-scheduler/internal/worker"
)

// memoryProject as the Pub/Sub project id keeps published events in process.
const memoryProject = "memory"

const publishedEventLimit = 1024

// Options adjusts Build for embedding and tests.
type Options struct {
	// Logger replaces the logger built from cfg.Logging.
	Logger *zap.Logger
	// Registerer receives the event sink collectors. Defaults to
	// prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
	// SkipTelemetry leaves the global OpenTelemetry providers untouched.
	SkipTelemetry bool
	Clock         jobs.Clock
}

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	ownLogger bool
	degraded  bool

	manager   *manager.Manager
	orch      *recovery.Orchestrator
	registry  *runner.Registry
	dispatch  *dispatcher.Dispatcher
	apiServer *api.Server

	closers   []closer
	closeOnce sync.Once
	closeErr  error
}

type closer struct {
	name string
	fn   func(context.Context) error
}

type backend struct {
	records  jobs.RecordStore
	lanes    jobs.LaneBackend
	enqueuer jobs.Enqueuer
	sources  jobs.SourceCatalog
	degraded bool
}

// Build creates the application's dependencies. Anything opened before a
// failure is closed again.
func Build(ctx context.Context, cfg config.Config, opts Options) (app *App, err error) {
	app = &App{cfg: cfg, logger: opts.Logger}
	if app.logger == nil {
		app.logger, err = logging.New(cfg.Logging)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		app.ownLogger = true
		zap.ReplaceGlobals(app.logger)
	}
	defer func() {
		if err != nil {
			_ = app.Close(context.WithoutCancel(ctx))
			app = nil
		}
	}()

	if !opts.SkipTelemetry {
		providers, terr := telemetry.Init(ctx, cfg.Telemetry)
		if terr != nil {
			return app, fmt.Errorf("telemetry init failed: %w", terr)
		}
		app.onClose("telemetry", providers.Shutdown)
	}
	metrics.Init()

	clock := opts.Clock
	if clock == nil {
		clock = system.New()
	}
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	app.logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.Int("workers", cfg.Worker.Concurrency),
		zap.Int("sources", len(cfg.Sources)),
	)
	static := source.NewStatic(cfg.Sources...)

	be, err := app.setupBackend(ctx, static)
	if err != nil {
		return app, err
	}
	app.degraded = be.degraded
	metrics.SetDegraded(be.degraded)

	emitter, err := app.setupEvents(ctx, reg)
	if err != nil {
		return app, err
	}

	app.manager, err = manager.New(manager.Deps{
		Records:  be.records,
		Lanes:    be.lanes,
		Enqueuer: be.enqueuer,
		Sources:  be.sources,
		Clock:    clock,
		IDs:      uuid.New(),
		Events:   emitter,
		Logger:   app.logger,
	}, manager.Config{
		LaneWait: cfg.Queue.LaneWait,
		Defaults: cfg.JobDefaults(),
		Degraded: be.degraded,
	})
	if err != nil {
		return app, fmt.Errorf("manager init failed: %w", err)
	}

	app.orch = recovery.New(app.manager, clock, emitter, recovery.Config{
		Interval:      cfg.Recovery.Interval,
		StaleAfter:    cfg.Recovery.StaleAfter,
		BackoffBase:   cfg.Recovery.BackoffBase,
		MaxConcurrent: cfg.Recovery.MaxConcurrent,
		HealthWindow:  cfg.Recovery.HealthWindow,
		ErrorRateWarn: cfg.Recovery.ErrorRateWarn,
	}, app.logger)

	app.registry = setupRegistry(cfg, static)
	app.dispatch = app.setupDispatcher()

	var health api.HealthReporter
	if cfg.Recovery.Enabled {
		health = app.orch
	}
	app.apiServer = api.NewServer(app.manager, health, api.Options{APIKey: cfg.Server.APIKey}, app.logger)

	app.logger.Info("application built", zap.Bool("degraded", be.degraded))
	return app, nil
}

func (a *App) onClose(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// setupBackend connects to Postgres when a DSN is configured and falls back
// to the in-memory stores when there is none or it stays unreachable.
func (a *App) setupBackend(ctx context.Context, static *source.Static) (backend, error) {
	db := a.cfg.Database
	if db.DSN == "" {
		a.logger.Warn("no database DSN configured, running on the in-memory backend")
		return a.memoryBackend(static), nil
	}

	pool, err := pgstore.Connect(ctx, pgstore.ConnectConfig{
		DSN:             db.DSN,
		MaxConns:        db.MaxConns,
		MinConns:        db.MinConns,
		MaxConnLifetime: db.MaxConnLifetime,
		Attempts:        db.ConnectAttempts,
		InitialInterval: db.ConnectInitial,
		MaxInterval:     db.ConnectMax,
	}, a.logger.Named("postgres"))
	if errors.Is(err, jobs.ErrBackendUnavailable) {
		a.logger.Warn("postgres unreachable, falling back to the in-memory backend", zap.Error(err))
		return a.memoryBackend(static), nil
	}
	if err != nil {
		return backend{}, fmt.Errorf("postgres init failed: %w", err)
	}

	tables := pgstore.Tables{Jobs: db.JobsTable, Lanes: db.LanesTable, Sources: db.SourcesTable}
	records, err := pgstore.NewRecordStore(pool, tables)
	if err != nil {
		pool.Close()
		return backend{}, fmt.Errorf("record store init failed: %w", err)
	}
	a.onClose("postgres", func(context.Context) error {
		records.Close()
		return nil
	})
	if db.EnsureSchema {
		if err := pgstore.EnsureSchema(ctx, pool, tables); err != nil {
			return backend{}, fmt.Errorf("ensure schema failed: %w", err)
		}
	}
	lanes, err := pgstore.NewLanes(pool, db.LanesTable, db.PollInterval)
	if err != nil {
		return backend{}, fmt.Errorf("lanes init failed: %w", err)
	}

	be := backend{records: records, lanes: lanes, enqueuer: records}
	if db.SourceCatalog == "database" {
		catalog, err := pgstore.NewSourceCatalog(pool, db.SourcesTable)
		if err != nil {
			return backend{}, fmt.Errorf("source catalog init failed: %w", err)
		}
		if err := catalog.Register(ctx, static.IDs()...); err != nil {
			return backend{}, fmt.Errorf("register sources failed: %w", err)
		}
		be.sources = catalog
	} else if len(a.cfg.Sources) > 0 {
		be.sources = static
	}
	a.logger.Info("postgres backend ready",
		zap.String("jobs_table", db.JobsTable),
		zap.String("lanes_table", db.LanesTable),
		zap.String("source_catalog", db.SourceCatalog),
	)
	return be, nil
}

func (a *App) memoryBackend(static *source.Static) backend {
	lanes := queuemem.NewLanes()
	a.onClose("lanes", func(context.Context) error {
		lanes.Close()
		return nil
	})
	be := backend{
		records:  storemem.NewRecordStore(),
		lanes:    lanes,
		degraded: true,
	}
	// With no sources configured every source id is accepted.
	if len(a.cfg.Sources) > 0 {
		be.sources = static
	}
	return be
}

func (a *App) setupEvents(ctx context.Context, reg prometheus.Registerer) (events.Emitter, error) {
	ec := a.cfg.Events
	var sinkList []events.Sink
	if ec.Log {
		sinkList = append(sinkList, sinks.NewLogSink(a.logger.Named("events")))
	}
	if ec.Prometheus {
		ps, err := sinks.NewPrometheusSink(reg)
		if err != nil {
			return nil, fmt.Errorf("prometheus sink init failed: %w", err)
		}
		sinkList = append(sinkList, ps)
	}
	pub, err := a.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}
	if pub != nil {
		ps, err := sinks.NewPublisherSink(pub, ec.PubSub.Topic)
		if err != nil {
			return nil, fmt.Errorf("publisher sink init failed: %w", err)
		}
		ps.IncludeProgress = ec.PubSub.IncludeProgress
		sinkList = append(sinkList, ps)
	}
	store, err := a.setupArchive(ctx)
	if err != nil {
		return nil, err
	}
	if store != nil {
		as, err := sinks.NewArchiveSink(store, ec.Archive.Prefix)
		if err != nil {
			return nil, fmt.Errorf("archive sink init failed: %w", err)
		}
		sinkList = append(sinkList, as)
	}

	if len(sinkList) == 0 {
		a.logger.Info("no event sinks configured")
		return events.Nop{}, nil
	}
	hubCfg := events.Config{
		BufferSize:     ec.BufferSize,
		MaxBatchEvents: ec.MaxBatchEvents,
		MaxBatchWait:   ec.MaxBatchWait,
		SinkTimeout:    ec.SinkTimeout,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         a.logger.Named("event_hub"),
	}
	hub := events.NewHub(hubCfg, sinkList...)
	a.onClose("event hub", hub.Close)
	a.logger.Info("event hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return hub, nil
}

func (a *App) setupPublisher(ctx context.Context) (jobs.Publisher, error) {
	ps := a.cfg.Events.PubSub
	if ps.Topic == "" {
		return nil, nil
	}
	if ps.ProjectID == memoryProject {
		a.logger.Info("using in-memory event publisher", zap.String("topic", ps.Topic))
		return memorypublisher.New(publishedEventLimit), nil
	}
	pub, err := gcppublisher.Dial(ctx, ps.ProjectID, ps.Topic)
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.onClose("pubsub publisher", func(context.Context) error { return pub.Close() })
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", ps.ProjectID),
		zap.String("topic", ps.Topic),
	)
	return pub, nil
}

func (a *App) setupArchive(ctx context.Context) (jobs.BlobStore, error) {
	ac := a.cfg.Events.Archive
	switch ac.Backend {
	case config.ArchiveGCS:
		store, err := gcsstorage.Dial(ctx, gcsstorage.Config{Bucket: ac.Bucket}, gcsstorage.DefaultFactory{})
		if err != nil {
			return nil, fmt.Errorf("gcs archive init failed: %w", err)
		}
		a.onClose("gcs archive", func(context.Context) error { return store.Close() })
		a.logger.Info("archiving job events to GCS", zap.String("bucket", ac.Bucket))
		return store, nil
	case config.ArchiveLocal:
		store, err := localstorage.New(localstorage.Config{BaseDir: ac.Dir})
		if err != nil {
			return nil, fmt.Errorf("local archive init failed: %w", err)
		}
		a.logger.Info("archiving job events to disk", zap.String("dir", ac.Dir))
		return store, nil
	case config.ArchiveMemory:
		return storemem.NewBlobStore(), nil
	default:
		return nil, nil
	}
}

func setupRegistry(cfg config.Config, static *source.Static) *runner.Registry {
	limiter := runner.NewLimiter(runner.LimiterConfig{
		DefaultRPS:   cfg.Worker.DefaultRPS,
		DefaultBurst: cfg.Worker.DefaultBurst,
	})
	runner.ConfigureSources(limiter, cfg.Sources)
	reg := runner.NewRegistry(static, cfg.Worker.DefaultRunner, limiter)
	reg.Register(runner.SimulateName, runner.Simulate{})
	return reg
}

func (a *App) setupDispatcher() *dispatcher.Dispatcher {
	wc := a.cfg.Worker
	workers := make([]dispatcher.Runner, 0, wc.Concurrency)
	for i := 1; i <= wc.Concurrency; i++ {
		workers = append(workers, worker.New(a.manager, a.registry, worker.Config{
			ID:              fmt.Sprintf("worker-%d", i),
			IdleSleep:       wc.IdleSleep,
			ErrorSleep:      wc.ErrorSleep,
			MaxErrorSleep:   wc.MaxErrorSleep,
			CancelPoll:      wc.CancelPoll,
			ShutdownTimeout: wc.ShutdownTimeout,
		}, a.logger))
	}
	return dispatcher.New(workers, a.logger)
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Manager returns the job queue manager.
func (a *App) Manager() *manager.Manager { return a.manager }

// Orchestrator returns the recovery orchestrator.
func (a *App) Orchestrator() *recovery.Orchestrator { return a.orch }

// Registry returns the task runner registry so callers can add runners
// before Run.
func (a *App) Registry() *runner.Registry { return a.registry }

// Degraded reports whether the in-memory fallback backend is in use.
func (a *App) Degraded() bool { return a.degraded }

// Handler returns the ops HTTP handler.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// Run starts the workers, the recovery loop and the ops server, and blocks
// until ctx is cancelled, a signal arrives or a component fails. The App is
// closed before Run returns.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: a.cfg.Server.ReadHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.dispatch.Run(gctx)
	})
	if a.cfg.Recovery.Enabled {
		g.Go(func() error {
			return a.orch.Run(gctx)
		})
	}
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.shutdownTimeout())
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	runErr := g.Wait()
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.shutdownTimeout())
	defer cancel()
	return errors.Join(runErr, a.Close(closeCtx))
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return 10 * time.Second
}

// Close releases everything Build opened, newest first. It is safe to call
// more than once.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		var errs []error
		for i := len(a.closers) - 1; i >= 0; i-- {
			c := a.closers[i]
			if err := c.fn(ctx); err != nil {
				a.logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
				errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
			}
		}
		a.logger.Info("shutdown complete")
		if a.ownLogger {
			// Sync on a terminal stderr returns EINVAL on some platforms.
			_ = a.logger.Sync()
		}
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}
