package repository

import (
	"context"

	"github.com/splax/edgelogger/internal/domain"
)

// LogWriter persists ingested logs together with their metric readings.
type LogWriter interface {
	// StoreLog commits one log record and all of its readings atomically.
	StoreLog(ctx context.Context, machineID string, raw []byte, metrics map[string]float64) (domain.StoredLog, error)
}

// LogReader queries the append-only ledger.
type LogReader interface {
	GetLog(ctx context.Context, id int64) (*domain.LogWithReadings, error)
	ListLogsByMachine(ctx context.Context, machineID string, limit, offset int) ([]domain.LogWithReadings, error)
	ListReadings(ctx context.Context, logID int64) ([]domain.MetricReading, error)
	ListReadingsAboveThreshold(ctx context.Context, metricName string, threshold float64, limit int) ([]domain.MetricReading, error)
}

// LogRepository combines write and read access.
type LogRepository interface {
	LogWriter
	LogReader
}
