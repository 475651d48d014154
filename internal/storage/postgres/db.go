// Package postgres provides the durable record store, lane backend and
// source catalog on top of pgx.
package postgres

import (
	"context"
	"fmt"
	"math/rand/v2"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-scheduler/internal/jobs"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// DB is the subset of pgxpool.Pool used by this package. pgxmock pools
// satisfy it in tests.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// ConnectConfig controls pool sizing and the startup retry loop.
type ConnectConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	// Attempts is the number of connection attempts before giving up.
	Attempts        int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Connect opens a pool and pings it, retrying with jittered exponential
// backoff. Exhausting the attempts yields a *jobs.BackendUnavailableError.
func Connect(ctx context.Context, cfg ConnectConfig, logger *zap.Logger) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	attempts := max(cfg.Attempts, 1)
	interval := cfg.InitialInterval
	if interval <= 0 {
		interval = time.Second
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				logger.Info("postgres connected", zap.Int("attempt", attempt))
				return pool, nil
			}
			pool.Close()
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		wait := jitter(interval)
		logger.Warn("postgres connect failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return nil, &jobs.BackendUnavailableError{Backend: "postgres", Err: ctx.Err()}
		case <-time.After(wait):
		}
		interval = nextInterval(interval, cfg.MaxInterval)
	}
	return nil, &jobs.BackendUnavailableError{Backend: "postgres", Err: lastErr}
}

func nextInterval(current, ceiling time.Duration) time.Duration {
	next := current * 2
	if ceiling > 0 && next > ceiling {
		return ceiling
	}
	return next
}

// jitter spreads d by ±25%.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	spread := int64(d) / 2
	if spread <= 0 {
		return d
	}
	return d - time.Duration(spread/2) + time.Duration(rand.Int64N(spread))
}

func checkTable(name, fallback string) (string, error) {
	if name == "" {
		name = fallback
	}
	if !validTableName.MatchString(name) {
		return "", fmt.Errorf("invalid table name %q", name)
	}
	return name, nil
}

// unavailable wraps connection-level failures so callers can tell them apart
// from per-row errors.
func unavailable(err error) error {
	if err == nil {
		return nil
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return &jobs.BackendUnavailableError{Backend: "postgres", Err: err}
	}
	return err
}
