package domain

import (
	"encoding/json"
	"time"
)

// LogRecord is one ingested machine event. Records are append-only.
type LogRecord struct {
	ID        int64
	MachineID string
	Timestamp time.Time
	RawData   json.RawMessage
	CreatedAt time.Time
}

// MetricReading is a named numeric measurement owned by exactly one LogRecord.
type MetricReading struct {
	ID    int64
	LogID int64
	Name  string
	Value float64
}

// LogWithReadings couples a log record with the readings committed alongside it.
type LogWithReadings struct {
	LogRecord
	Readings []MetricReading
}

// StoredLog summarises a committed ingestion.
type StoredLog struct {
	ID        int64
	MachineID string
	Timestamp time.Time
	Readings  int
}
