package config

import (
	"fmt"
	"strings"
	"time"
)

// Framing modes accepted by INGEST_FRAMING.
const (
	FramingLength  = "length"
	FramingNewline = "newline"
)

// MaxDBConns caps DB_MAX_CONNS; the pool size is an int32.
const MaxDBConns = 1000

// IngestConfig holds runtime configuration for the ingest service.
type IngestConfig struct {
	Environment        string
	Addr               string
	HTTPAddr           string
	DatabaseURL        string
	MigrationsDir      string
	AutoMigrate        bool
	DBMaxConns         int
	DBAcquireTimeout   time.Duration
	MaxConnections     int
	MaxMessageBytes    int
	Framing            string
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	RateLimit          int
	RateWindow         time.Duration
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
	QueryJWTSecret     string
	LogLevel           string
	ShutdownTimeout    time.Duration
}

// LoadIngestConfig constructs an IngestConfig from environment variables.
// DATABASE_URL has no fallback; Validate reports its absence.
func LoadIngestConfig() IngestConfig {
	return IngestConfig{
		Environment:        GetString("APP_ENV", "development"),
		Addr:               GetString("INGEST_ADDR", "127.0.0.1:8000"),
		HTTPAddr:           GetString("HTTP_ADDR", ":8081"),
		DatabaseURL:        strings.TrimSpace(GetString("DATABASE_URL", "")),
		MigrationsDir:      GetString("DB_MIGRATIONS_DIR", "db/migrations"),
		AutoMigrate:        GetBool("DB_AUTO_MIGRATE", true),
		DBMaxConns:         GetInt("DB_MAX_CONNS", 5),
		DBAcquireTimeout:   GetDuration("DB_ACQUIRE_TIMEOUT_MS", 3000, time.Millisecond),
		MaxConnections:     GetInt("INGEST_MAX_CONNECTIONS", 256),
		MaxMessageBytes:    GetInt("INGEST_MAX_MESSAGE_BYTES", 64*1024),
		Framing:            strings.ToLower(strings.TrimSpace(GetString("INGEST_FRAMING", FramingLength))),
		ReadTimeout:        GetDuration("INGEST_READ_TIMEOUT_SECONDS", 0, time.Second),
		WriteTimeout:       GetDuration("INGEST_WRITE_TIMEOUT_SECONDS", 0, time.Second),
		RateLimit:          GetInt("INGEST_RATE_LIMIT", 0),
		RateWindow:         GetDuration("INGEST_RATE_WINDOW_SECONDS", 60, time.Second),
		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
		QueryJWTSecret:     GetString("QUERY_JWT_SECRET", ""),
		LogLevel:           GetString("LOG_LEVEL", "info"),
		ShutdownTimeout:    GetDuration("SHUTDOWN_TIMEOUT_SECONDS", 10, time.Second),
	}
}

// Validate reports configuration the ingest service cannot start with.
func (c IngestConfig) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("%w: DATABASE_URL is not set", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.Addr) == "" {
		return fmt.Errorf("%w: INGEST_ADDR is empty", ErrInvalidConfig)
	}
	if c.DBMaxConns <= 0 || c.DBMaxConns > MaxDBConns {
		return fmt.Errorf("%w: DB_MAX_CONNS must be between 1 and %d, got %d", ErrInvalidConfig, MaxDBConns, c.DBMaxConns)
	}
	if c.DBAcquireTimeout <= 0 {
		return fmt.Errorf("%w: DB_ACQUIRE_TIMEOUT_MS must be positive", ErrInvalidConfig)
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("%w: INGEST_MAX_CONNECTIONS must be positive, got %d", ErrInvalidConfig, c.MaxConnections)
	}
	if c.MaxMessageBytes <= 0 {
		return fmt.Errorf("%w: INGEST_MAX_MESSAGE_BYTES must be positive, got %d", ErrInvalidConfig, c.MaxMessageBytes)
	}
	switch c.Framing {
	case FramingLength, FramingNewline:
	default:
		return fmt.Errorf("%w: unsupported INGEST_FRAMING %q", ErrInvalidConfig, c.Framing)
	}
	return nil
}
