package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrConnect is returned when no pool could be established.
	ErrConnect = errors.New("failed to open db connection")
	// ErrHealthcheck is returned when the database stops answering pings.
	ErrHealthcheck = errors.New("healthcheck failed, connection is not available")
)

// PoolConfig tunes the connection pool.
type PoolConfig struct {
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	RetryAttempts   int
	RetryInterval   time.Duration
}

// DefaultPoolConfig returns the pool settings used by the server.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxConns:        10,
		MinConns:        1,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		RetryAttempts:   3,
		RetryInterval:   2 * time.Second,
	}
}

// Database wraps the pgx connection pool.
type Database struct {
	Pool *pgxpool.Pool
}

// New establishes a new connection pool against the provided DSN. Failed
// attempts are retried with a linearly growing pause.
func New(ctx context.Context, dsn string, pc PoolConfig) (*Database, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Join(ErrConnect, err)
	}
	if pc.MaxConns > 0 {
		cfg.MaxConns = pc.MaxConns
	}
	if pc.MinConns > 0 {
		cfg.MinConns = pc.MinConns
	}
	cfg.MaxConnLifetime = pc.MaxConnLifetime
	cfg.MaxConnIdleTime = pc.MaxConnIdleTime

	attempts := max(pc.RetryAttempts, 1)
	var lastErr error
	for i := range attempts {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, errors.Join(ErrConnect, ctx.Err())
			case <-time.After(time.Duration(i) * pc.RetryInterval):
			}
		}

		pool, err := pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			lastErr = err
			continue
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			lastErr = err
			continue
		}
		return &Database{Pool: pool}, nil
	}

	return nil, errors.Join(ErrConnect, lastErr)
}

// Healthcheck pings the database.
func (db *Database) Healthcheck(ctx context.Context) error {
	if err := db.Pool.Ping(ctx); err != nil {
		return errors.Join(ErrHealthcheck, err)
	}
	return nil
}

// Close drains the connection pool.
func (db *Database) Close() {
	if db != nil && db.Pool != nil {
		db.Pool.Close()
	}
}
