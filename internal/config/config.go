// Package config loads and validates scheduler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/scrape-scheduler/internal/jobs"
	"github.com/JakeFAU/scrape-scheduler/internal/logging"
	"github.com/JakeFAU/scrape-scheduler/internal/source"
	"github.com/JakeFAU/scrape-scheduler/internal/telemetry"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig        `mapstructure:"server"`
	Logging   logging.Config      `mapstructure:"logging"`
	Database  DatabaseConfig      `mapstructure:"database"`
	Queue     QueueConfig         `mapstructure:"queue"`
	Worker    WorkerConfig        `mapstructure:"worker"`
	Recovery  RecoveryConfig      `mapstructure:"recovery"`
	Jobs      JobsConfig          `mapstructure:"jobs"`
	Sources   []source.Definition `mapstructure:"sources"`
	Events    EventsConfig        `mapstructure:"events"`
	Telemetry telemetry.Config    `mapstructure:"telemetry"`
}

// ServerConfig controls the operations HTTP server.
type ServerConfig struct {
	Port              int           `mapstructure:"port"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	// APIKey, when set, guards the /v1 routes.
	APIKey string `mapstructure:"api_key"`
}

// DatabaseConfig controls the durable backend. An empty DSN runs the
// scheduler on the in-memory fallback.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	ConnectAttempts int           `mapstructure:"connect_attempts"`
	ConnectInitial  time.Duration `mapstructure:"connect_initial_interval"`
	ConnectMax      time.Duration `mapstructure:"connect_max_interval"`
	EnsureSchema    bool          `mapstructure:"ensure_schema"`
	JobsTable       string        `mapstructure:"jobs_table"`
	LanesTable      string        `mapstructure:"lanes_table"`
	SourcesTable    string        `mapstructure:"sources_table"`
	// PollInterval bounds how often a waiting pop re-checks an empty lane.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// SourceCatalog selects "config" (static list) or "database" (sources table).
	SourceCatalog string `mapstructure:"source_catalog"`
}

// QueueConfig tunes dequeueing.
type QueueConfig struct {
	LaneWait time.Duration `mapstructure:"lane_wait"`
}

// WorkerConfig governs the worker pool.
type WorkerConfig struct {
	Concurrency     int           `mapstructure:"concurrency"`
	IdleSleep       time.Duration `mapstructure:"idle_sleep"`
	ErrorSleep      time.Duration `mapstructure:"error_sleep"`
	MaxErrorSleep   time.Duration `mapstructure:"max_error_sleep"`
	CancelPoll      time.Duration `mapstructure:"cancel_poll"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	DefaultRunner   string        `mapstructure:"default_runner"`
	// DefaultRPS limits sources that set no rate of their own. Zero is unlimited.
	DefaultRPS   float64 `mapstructure:"default_rps"`
	DefaultBurst int     `mapstructure:"default_burst"`
}

// RecoveryConfig tunes the recovery orchestrator.
type RecoveryConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Interval      time.Duration `mapstructure:"interval"`
	StaleAfter    time.Duration `mapstructure:"stale_after"`
	BackoffBase   time.Duration `mapstructure:"backoff_base"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	HealthWindow  time.Duration `mapstructure:"health_window"`
	ErrorRateWarn float64       `mapstructure:"error_rate_warn"`
}

// JobsConfig holds defaults applied to new jobs.
type JobsConfig struct {
	DefaultRetryBudget int           `mapstructure:"default_retry_budget"`
	DefaultTimeout     time.Duration `mapstructure:"default_timeout"`
}

// EventsConfig controls the transition event hub and its sinks.
type EventsConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
	Log            bool          `mapstructure:"log"`
	Prometheus     bool          `mapstructure:"prometheus"`
	PubSub         PubSubConfig  `mapstructure:"pubsub"`
	Archive        ArchiveConfig `mapstructure:"archive"`
}

// PubSubConfig holds the job-state-changed topic. An empty topic disables
// publishing; "memory" as project id keeps messages in process.
type PubSubConfig struct {
	ProjectID       string `mapstructure:"project_id"`
	Topic           string `mapstructure:"topic"`
	IncludeProgress bool   `mapstructure:"include_progress"`
}

// Archive backends.
const (
	ArchiveNone   = "none"
	ArchiveGCS    = "gcs"
	ArchiveLocal  = "local"
	ArchiveMemory = "memory"
)

// ArchiveConfig selects where terminal job events are archived.
type ArchiveConfig struct {
	Backend string `mapstructure:"backend"`
	Bucket  string `mapstructure:"bucket"`
	Dir     string `mapstructure:"dir"`
	Prefix  string `mapstructure:"prefix"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCHEDULER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_header_timeout", 5*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conn_lifetime", time.Hour)
	v.SetDefault("database.connect_attempts", 5)
	v.SetDefault("database.connect_initial_interval", 500*time.Millisecond)
	v.SetDefault("database.connect_max_interval", 10*time.Second)
	v.SetDefault("database.ensure_schema", true)
	v.SetDefault("database.jobs_table", "jobs")
	v.SetDefault("database.lanes_table", "job_lanes")
	v.SetDefault("database.sources_table", "sources")
	v.SetDefault("database.poll_interval", 100*time.Millisecond)
	v.SetDefault("database.source_catalog", "config")
	v.SetDefault("queue.lane_wait", 250*time.Millisecond)
	v.SetDefault("worker.concurrency", 1)
	v.SetDefault("worker.idle_sleep", time.Second)
	v.SetDefault("worker.error_sleep", 5*time.Second)
	v.SetDefault("worker.max_error_sleep", 30*time.Second)
	v.SetDefault("worker.cancel_poll", 5*time.Second)
	v.SetDefault("worker.shutdown_timeout", 10*time.Second)
	v.SetDefault("worker.default_runner", "simulate")
	v.SetDefault("worker.default_rps", 0)
	v.SetDefault("worker.default_burst", 1)
	v.SetDefault("recovery.enabled", true)
	v.SetDefault("recovery.interval", time.Minute)
	v.SetDefault("recovery.stale_after", 2*time.Hour)
	v.SetDefault("recovery.backoff_base", time.Minute)
	v.SetDefault("recovery.max_concurrent", 3)
	v.SetDefault("recovery.health_window", time.Hour)
	v.SetDefault("recovery.error_rate_warn", 10.0)
	v.SetDefault("jobs.default_retry_budget", jobs.DefaultRetryBudget)
	v.SetDefault("jobs.default_timeout", jobs.DefaultTimeout)
	v.SetDefault("events.buffer_size", 1024)
	v.SetDefault("events.max_batch_events", 256)
	v.SetDefault("events.max_batch_wait", 250*time.Millisecond)
	v.SetDefault("events.sink_timeout", 5*time.Second)
	v.SetDefault("events.log", true)
	v.SetDefault("events.prometheus", true)
	v.SetDefault("events.pubsub.project_id", "")
	v.SetDefault("events.pubsub.topic", "")
	v.SetDefault("events.pubsub.include_progress", false)
	v.SetDefault("events.archive.backend", ArchiveNone)
	v.SetDefault("events.archive.bucket", "")
	v.SetDefault("events.archive.dir", "")
	v.SetDefault("events.archive.prefix", "job-events")
	v.SetDefault("telemetry.service_name", "scrape-scheduler")
	v.SetDefault("telemetry.version", "dev")
	v.SetDefault("telemetry.project_id", "")
	v.SetDefault("telemetry.region", "")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	if c.Queue.LaneWait <= 0 {
		return fmt.Errorf("queue.lane_wait must be > 0")
	}
	if c.Recovery.Enabled {
		if c.Recovery.Interval <= 0 {
			return fmt.Errorf("recovery.interval must be > 0")
		}
		if c.Recovery.MaxConcurrent <= 0 {
			return fmt.Errorf("recovery.max_concurrent must be > 0")
		}
	}
	if c.Recovery.StaleAfter <= 0 || c.Recovery.BackoffBase <= 0 {
		return fmt.Errorf("recovery.stale_after and recovery.backoff_base must be > 0")
	}
	if c.Jobs.DefaultRetryBudget < 0 || c.Jobs.DefaultRetryBudget > jobs.MaxRetryBudget {
		return fmt.Errorf("jobs.default_retry_budget must be between 0 and %d", jobs.MaxRetryBudget)
	}
	if c.Jobs.DefaultTimeout <= 0 {
		return fmt.Errorf("jobs.default_timeout must be > 0")
	}
	switch c.Database.SourceCatalog {
	case "config":
	case "database":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.source_catalog=database requires database.dsn")
		}
	default:
		return fmt.Errorf("database.source_catalog must be config or database, got %q", c.Database.SourceCatalog)
	}
	seen := make(map[string]struct{}, len(c.Sources))
	for i, s := range c.Sources {
		if s.ID == "" {
			return fmt.Errorf("sources[%d].id is required", i)
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("sources[%d]: duplicate id %q", i, s.ID)
		}
		seen[s.ID] = struct{}{}
		if s.RatePerSecond < 0 {
			return fmt.Errorf("sources[%d].rate_per_second must be >= 0", i)
		}
	}
	if c.Events.PubSub.Topic != "" && c.Events.PubSub.ProjectID == "" {
		return fmt.Errorf("events.pubsub.project_id must be set when a topic is configured")
	}
	switch c.Events.Archive.Backend {
	case ArchiveNone, ArchiveMemory, "":
	case ArchiveGCS:
		if c.Events.Archive.Bucket == "" {
			return fmt.Errorf("events.archive.bucket must be set for the gcs backend")
		}
	case ArchiveLocal:
		if c.Events.Archive.Dir == "" {
			return fmt.Errorf("events.archive.dir must be set for the local backend")
		}
	default:
		return fmt.Errorf("events.archive.backend %q is not supported", c.Events.Archive.Backend)
	}
	return nil
}

// JobDefaults converts the jobs section into manager defaults.
func (c Config) JobDefaults() jobs.Defaults {
	return jobs.Defaults{
		RetryBudget: c.Jobs.DefaultRetryBudget,
		Timeout:     c.Jobs.DefaultTimeout,
	}
}
