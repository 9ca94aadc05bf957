package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/splax/edgelogger/internal/pool"
)

const migrationTimeout = time.Minute

// RequiredTables must exist once migrations are applied.
var RequiredTables = []string{"machine_logs", "metrics"}

// Runner applies the goose migrations over the shared connection pool.
type Runner struct {
	pool          *pool.Pool
	db            *sql.DB
	provider      *goose.Provider
	migrationsDir string
	log           *slog.Logger
}

// New builds a goose provider for migrationsDir. The directory must hold at
// least one migration; the database is not contacted.
func New(p *pool.Pool, migrationsDir string, log *slog.Logger) (*Runner, error) {
	if p == nil {
		return nil, errors.New("nil pool provided")
	}
	if migrationsDir == "" {
		return nil, errors.New("empty migrations directory")
	}
	if _, err := os.Stat(migrationsDir); err != nil {
		return nil, fmt.Errorf("locate migrations dir: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}

	db := stdlib.OpenDBFromPool(p.PGX())
	provider, err := goose.NewProvider(goose.DialectPostgres, db, os.DirFS(migrationsDir))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("load migrations from %s: %w", migrationsDir, err)
	}
	return &Runner{
		pool:          p,
		db:            db,
		provider:      provider,
		migrationsDir: migrationsDir,
		log:           log.With("component", "migrate"),
	}, nil
}

// Ensure applies pending migrations and checks the log tables exist.
func (r *Runner) Ensure(ctx context.Context) error {
	runCtx, cancel := context.WithTimeout(ctx, migrationTimeout)
	defer cancel()

	r.log.Info("applying migrations", "dir", r.migrationsDir)
	results, err := r.provider.Up(runCtx)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	for _, res := range results {
		r.logResult(res)
	}
	if err := r.verifySchema(runCtx); err != nil {
		return err
	}
	version, err := r.provider.GetDBVersion(runCtx)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	r.log.Info("machine log schema ready", "version", version, "applied", len(results))
	return nil
}

// Status logs applied and pending migrations.
func (r *Runner) Status(ctx context.Context) error {
	statuses, err := r.provider.Status(ctx)
	if err != nil {
		return fmt.Errorf("migration status: %w", err)
	}
	for _, st := range statuses {
		attrs := []any{"version", st.Source.Version, "file", st.Source.Path, "state", string(st.State)}
		if !st.AppliedAt.IsZero() {
			attrs = append(attrs, "applied_at", st.AppliedAt.UTC())
		}
		r.log.Info("migration", attrs...)
	}
	return nil
}

// Down rolls back migrations either to the previous version or a specific target version.
func (r *Runner) Down(ctx context.Context, targetVersion int64) error {
	runCtx, cancel := context.WithTimeout(ctx, migrationTimeout)
	defer cancel()

	if targetVersion > 0 {
		r.log.Info("rolling back migrations", "target", targetVersion)
		results, err := r.provider.DownTo(runCtx, targetVersion)
		if err != nil {
			return fmt.Errorf("rollback to version %d: %w", targetVersion, err)
		}
		for _, res := range results {
			r.logResult(res)
		}
	} else {
		r.log.Info("rolling back latest migration")
		res, err := r.provider.Down(runCtx)
		if err != nil {
			return fmt.Errorf("rollback latest migration: %w", err)
		}
		r.logResult(res)
	}

	r.log.Info("rollback complete")
	return nil
}

// Ping ensures the database connection is alive.
func (r *Runner) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Close releases the database/sql handle. The pool stays open.
func (r *Runner) Close() error {
	return r.db.Close()
}

func (r *Runner) verifySchema(ctx context.Context) error {
	for _, table := range RequiredTables {
		var found sql.NullString
		if err := r.db.QueryRowContext(ctx, `SELECT to_regclass($1)::text`, table).Scan(&found); err != nil {
			return fmt.Errorf("check table %s: %w", table, err)
		}
		if !found.Valid {
			return fmt.Errorf("table %s missing after migrations in %s", table, r.migrationsDir)
		}
	}
	return nil
}

func (r *Runner) logResult(res *goose.MigrationResult) {
	if res == nil || res.Source == nil {
		return
	}
	r.log.Info("migration applied",
		"version", res.Source.Version,
		"file", res.Source.Path,
		"direction", res.Direction,
		"duration", res.Duration,
	)
}
