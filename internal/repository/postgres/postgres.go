package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/edgelogger/internal/domain"
	"github.com/splax/edgelogger/internal/pool"
	"github.com/splax/edgelogger/internal/repository"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pool.Pool
	now  func() time.Time
}

// New constructs a Repository.
func New(p *pool.Pool) *Repository {
	return &Repository{pool: p, now: time.Now}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.LogWriter     = (*Repository)(nil)
	_ repository.LogReader     = (*Repository)(nil)
	_ repository.LogRepository = (*Repository)(nil)
)

// StoreLog inserts a log record and its readings in one transaction. Readings
// are written with a single set-based insert regardless of how many there are.
func (r *Repository) StoreLog(ctx context.Context, machineID string, raw []byte, metrics map[string]float64) (domain.StoredLog, error) {
	machineID = strings.TrimSpace(machineID)
	if machineID == "" {
		return domain.StoredLog{}, fmt.Errorf("%w: machine id required", repository.ErrInvalidArgument)
	}
	if !json.Valid(raw) {
		return domain.StoredLog{}, fmt.Errorf("%w: raw payload is not valid JSON", repository.ErrInvalidArgument)
	}
	names, values := splitMetrics(metrics)
	stored := domain.StoredLog{MachineID: machineID}

	err := r.pool.WithConn(ctx, func(conn *pgxpool.Conn) error {
		tx, err := conn.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer tx.Rollback(ctx)

		const logInsert = `INSERT INTO machine_logs (machine_id, timestamp, raw_data)
			VALUES ($1, $2, $3) RETURNING id, timestamp`
		if err := tx.QueryRow(ctx, logInsert, machineID, r.now().UTC(), json.RawMessage(raw)).Scan(&stored.ID, &stored.Timestamp); err != nil {
			return fmt.Errorf("insert log: %w", mapError(err))
		}

		if len(names) > 0 {
			const readingsInsert = `INSERT INTO metrics (log_id, metric_name, metric_value)
				SELECT $1, m.name, m.value
				FROM unnest($2::text[], $3::float8[]) WITH ORDINALITY AS m(name, value, ord)
				ORDER BY m.ord`
			tag, err := tx.Exec(ctx, readingsInsert, stored.ID, names, values)
			if err != nil {
				return fmt.Errorf("insert metrics: %w", mapError(err))
			}
			if tag.RowsAffected() != int64(len(names)) {
				return fmt.Errorf("insert metrics: expected %d rows, wrote %d", len(names), tag.RowsAffected())
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit log: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.StoredLog{}, err
	}
	stored.Timestamp = stored.Timestamp.UTC()
	stored.Readings = len(names)
	return stored, nil
}

// GetLog fetches a log record with its readings.
func (r *Repository) GetLog(ctx context.Context, id int64) (*domain.LogWithReadings, error) {
	var result *domain.LogWithReadings
	err := r.pool.WithConn(ctx, func(conn *pgxpool.Conn) error {
		const query = `SELECT id, machine_id, timestamp, raw_data, created_at FROM machine_logs WHERE id = $1`
		record, err := scanLog(conn.QueryRow(ctx, query, id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return repository.ErrNotFound
			}
			return err
		}
		readings, err := listReadings(ctx, conn, []int64{record.ID})
		if err != nil {
			return err
		}
		result = &domain.LogWithReadings{LogRecord: record, Readings: readings[record.ID]}
		return nil
	})
	return result, err
}

// ListLogsByMachine returns the newest logs of a machine, each with its readings.
func (r *Repository) ListLogsByMachine(ctx context.Context, machineID string, limit, offset int) ([]domain.LogWithReadings, error) {
	limit = clampLimit(limit)
	if offset < 0 {
		offset = 0
	}
	logs := make([]domain.LogWithReadings, 0)
	err := r.pool.WithConn(ctx, func(conn *pgxpool.Conn) error {
		const query = `SELECT id, machine_id, timestamp, raw_data, created_at
			FROM machine_logs WHERE machine_id = $1
			ORDER BY timestamp DESC, id DESC LIMIT $2 OFFSET $3`
		rows, err := conn.Query(ctx, query, strings.TrimSpace(machineID), limit, offset)
		if err != nil {
			return err
		}
		defer rows.Close()

		ids := make([]int64, 0)
		for rows.Next() {
			record, err := scanLog(rows)
			if err != nil {
				return err
			}
			logs = append(logs, domain.LogWithReadings{LogRecord: record})
			ids = append(ids, record.ID)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		rows.Close()
		if len(ids) == 0 {
			return nil
		}

		readings, err := listReadings(ctx, conn, ids)
		if err != nil {
			return err
		}
		for i := range logs {
			logs[i].Readings = readings[logs[i].ID]
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return logs, nil
}

// ListReadings returns readings for one log.
func (r *Repository) ListReadings(ctx context.Context, logID int64) ([]domain.MetricReading, error) {
	var result []domain.MetricReading
	err := r.pool.WithConn(ctx, func(conn *pgxpool.Conn) error {
		readings, err := listReadings(ctx, conn, []int64{logID})
		if err != nil {
			return err
		}
		result = readings[logID]
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		result = make([]domain.MetricReading, 0)
	}
	return result, nil
}

// ListReadingsAboveThreshold returns readings of a metric strictly greater than threshold.
func (r *Repository) ListReadingsAboveThreshold(ctx context.Context, metricName string, threshold float64, limit int) ([]domain.MetricReading, error) {
	limit = clampLimit(limit)
	readings := make([]domain.MetricReading, 0)
	err := r.pool.WithConn(ctx, func(conn *pgxpool.Conn) error {
		const query = `SELECT id, log_id, metric_name, metric_value
			FROM metrics WHERE metric_name = $1 AND metric_value > $2
			ORDER BY log_id DESC, id LIMIT $3`
		rows, err := conn.Query(ctx, query, metricName, threshold, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var m domain.MetricReading
			if err := rows.Scan(&m.ID, &m.LogID, &m.Name, &m.Value); err != nil {
				return err
			}
			readings = append(readings, m)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return readings, nil
}

func listReadings(ctx context.Context, conn *pgxpool.Conn, logIDs []int64) (map[int64][]domain.MetricReading, error) {
	const query = `SELECT id, log_id, metric_name, metric_value
		FROM metrics WHERE log_id = ANY($1) ORDER BY log_id, id`
	rows, err := conn.Query(ctx, query, logIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	grouped := make(map[int64][]domain.MetricReading, len(logIDs))
	for _, id := range logIDs {
		grouped[id] = make([]domain.MetricReading, 0)
	}
	for rows.Next() {
		var m domain.MetricReading
		if err := rows.Scan(&m.ID, &m.LogID, &m.Name, &m.Value); err != nil {
			return nil, err
		}
		grouped[m.LogID] = append(grouped[m.LogID], m)
	}
	return grouped, rows.Err()
}

func scanLog(row pgx.Row) (domain.LogRecord, error) {
	var (
		record domain.LogRecord
		raw    []byte
	)
	if err := row.Scan(&record.ID, &record.MachineID, &record.Timestamp, &raw, &record.CreatedAt); err != nil {
		return domain.LogRecord{}, err
	}
	record.RawData = append(json.RawMessage(nil), raw...)
	record.Timestamp = record.Timestamp.UTC()
	record.CreatedAt = record.CreatedAt.UTC()
	return record, nil
}

func splitMetrics(metrics map[string]float64) ([]string, []float64) {
	names := make([]string, 0, len(metrics))
	for name := range metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	values := make([]float64, len(names))
	for i, name := range names {
		values[i] = metrics[name]
	}
	return names, values
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23503":
			return fmt.Errorf("%w: %s", repository.ErrNotFound, pgErr.Message)
		case "23514", "22P02", "23502":
			return fmt.Errorf("%w: %s", repository.ErrInvalidArgument, pgErr.Message)
		}
	}
	return err
}
