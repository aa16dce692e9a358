// Package postgres contains the managed PostgreSQL implementation of the storage adapter.
package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/and161185/moments/internal/model"
)

// PgxPool is a minimal abstraction over a Postgres connection pool,
// used by the store. It is implemented by *pgxpool.Pool and pgxmock.PgxPoolIface.
type PgxPool interface {
	// Exec executes a SQL command and returns the command tag.
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	// Query executes a SELECT and returns a rows iterator.
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	// QueryRow executes a query expected to return at most one row.
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	// BeginTx starts a transaction with the provided options.
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	// Ping checks connectivity.
	Ping(ctx context.Context) error
	// Close shuts down the pool and frees resources.
	Close()
}

// PoolStatter reports connection counters. NewPoolStatter adapts *pgxpool.Pool.
type PoolStatter interface {
	PoolStats() model.PoolStats
}

type pgxStatter struct{ pool *pgxpool.Pool }

// NewPoolStatter exposes the counters of a real pgx pool.
func NewPoolStatter(pool *pgxpool.Pool) PoolStatter { return pgxStatter{pool: pool} }

func (p pgxStatter) PoolStats() model.PoolStats {
	stat := p.pool.Stat()
	return model.PoolStats{
		Max:      stat.MaxConns(),
		Total:    stat.TotalConns(),
		Idle:     stat.IdleConns(),
		Acquired: stat.AcquiredConns(),
	}
}

// PoolConfig bounds the connection pool.
type PoolConfig struct {
	MaxConns       int32
	IdleTimeout    time.Duration
	ConnectTimeout time.Duration
}

// DefaultPoolConfig matches serverless Postgres limits.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{MaxConns: 20, IdleTimeout: 30 * time.Second, ConnectTimeout: 10 * time.Second}
}

// DB wraps pgxpool.Pool to satisfy store constructors and allow testing.
// Stats is nil when the pool cannot report counters (pgxmock).
type DB struct {
	Pool  PgxPool
	Stats PoolStatter
}

// New creates a new bounded connection pool for the given DSN.
func New(ctx context.Context, dsn string, pc PoolConfig) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	if pc.MaxConns > 0 {
		cfg.MaxConns = pc.MaxConns
	}
	if pc.IdleTimeout > 0 {
		cfg.MaxConnIdleTime = pc.IdleTimeout
	}
	if pc.ConnectTimeout > 0 {
		cfg.ConnConfig.ConnectTimeout = pc.ConnectTimeout
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &DB{Pool: pool, Stats: NewPoolStatter(pool)}, nil
}

// Close closes the underlying pool.
func (db *DB) Close() { db.Pool.Close() }

// isUniqueViolation reports whether the error is a unique constraint violation.
func isUniqueViolation(err error) bool {
	var pg *pgconn.PgError
	return errors.As(err, &pg) && pg.Code == "23505"
}
