package pool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/edgelogger/pkg/config"
)

const (
	defaultMaxConns       = 5
	defaultAcquireTimeout = 3 * time.Second
	pingTimeout           = 5 * time.Second
)

// ErrPoolExhausted indicates no connection became available within the acquire timeout.
var ErrPoolExhausted = errors.New("pool: connection pool exhausted")

// Options tunes the bounded connection pool.
type Options struct {
	MaxConns          int32
	MinConns          int32
	AcquireTimeout    time.Duration
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

// DefaultOptions returns five connections and a three second acquire bound.
func DefaultOptions() Options {
	return Options{MaxConns: defaultMaxConns, AcquireTimeout: defaultAcquireTimeout}
}

// Pool owns a bounded set of PostgreSQL connections shared by every ingest connection.
type Pool struct {
	pool           *pgxpool.Pool
	acquire        func(context.Context) (*pgxpool.Conn, error)
	acquireTimeout time.Duration
}

// New parses dsn and builds the pool. Connections are opened lazily; callers
// should Ping before serving. An empty or unparsable dsn is a configuration error.
func New(ctx context.Context, dsn string, opts Options) (*Pool, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: empty database connection string", config.ErrInvalidConfig)
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: parse database connection string: %v", config.ErrInvalidConfig, err)
	}
	if opts.MaxConns <= 0 {
		opts.MaxConns = defaultMaxConns
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = defaultAcquireTimeout
	}
	cfg.MaxConns = opts.MaxConns
	if opts.MinConns > 0 && opts.MinConns <= opts.MaxConns {
		cfg.MinConns = opts.MinConns
	}
	if opts.MaxConnLifetime > 0 {
		cfg.MaxConnLifetime = opts.MaxConnLifetime
	}
	if opts.MaxConnIdleTime > 0 {
		cfg.MaxConnIdleTime = opts.MaxConnIdleTime
	}
	if opts.HealthCheckPeriod > 0 {
		cfg.HealthCheckPeriod = opts.HealthCheckPeriod
	}

	pgPool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	return &Pool{pool: pgPool, acquire: pgPool.Acquire, acquireTimeout: opts.AcquireTimeout}, nil
}

// Acquire waits at most the acquire timeout for a connection. The caller must Release it.
func (p *Pool) Acquire(ctx context.Context) (*pgxpool.Conn, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, p.acquireTimeout)
	defer cancel()

	conn, err := p.acquire(acquireCtx)
	if err == nil {
		return conn, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) || acquireCtx.Err() != nil {
		return nil, fmt.Errorf("%w after %s", ErrPoolExhausted, p.acquireTimeout)
	}
	return nil, fmt.Errorf("acquire connection: %w", err)
}

// WithConn runs fn on an acquired connection and releases it afterwards.
func (p *Pool) WithConn(ctx context.Context, fn func(*pgxpool.Conn) error) error {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()
	return fn(conn)
}

// Ping ensures the database is reachable.
func (p *Pool) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := p.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

// Stat returns a snapshot of pool usage.
func (p *Pool) Stat() *pgxpool.Stat {
	return p.pool.Stat()
}

// AcquireTimeout reports the configured acquisition bound.
func (p *Pool) AcquireTimeout() time.Duration {
	return p.acquireTimeout
}

// PGX exposes the underlying pgx pool for migration tooling.
func (p *Pool) PGX() *pgxpool.Pool {
	return p.pool
}

// Close releases all connections.
func (p *Pool) Close() {
	p.pool.Close()
}
