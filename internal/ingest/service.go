package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/splax/edgelogger/internal/codec"
	"github.com/splax/edgelogger/internal/domain"
	"github.com/splax/edgelogger/internal/metrics"
	"github.com/splax/edgelogger/internal/pool"
	"github.com/splax/edgelogger/internal/ratelimit"
	"github.com/splax/edgelogger/internal/repository"
	"github.com/splax/edgelogger/internal/ws"
)

// Options configures the optional parts of the pipeline.
type Options struct {
	Limiter    ratelimit.Limiter
	RateLimit  int
	RateWindow time.Duration
	Hub        *ws.Hub
	Metrics    *metrics.Ingest
}

// Service decodes, persists and acknowledges machine messages.
type Service struct {
	store      repository.LogWriter
	limiter    ratelimit.Limiter
	rateLimit  int
	rateWindow time.Duration
	hub        *ws.Hub
	metrics    *metrics.Ingest
	logger     *slog.Logger
	now        func() time.Time
}

// New constructs the ingest pipeline around store.
func New(store repository.LogWriter, logger *slog.Logger, opts Options) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.RateWindow <= 0 {
		opts.RateWindow = time.Minute
	}
	return &Service{
		store:      store,
		limiter:    opts.Limiter,
		rateLimit:  opts.RateLimit,
		rateWindow: opts.RateWindow,
		hub:        opts.Hub,
		metrics:    opts.Metrics,
		logger:     logger.With("component", "ingest"),
		now:        time.Now,
	}
}

// Handle processes one framed message and returns the encoded reply.
func (s *Service) Handle(ctx context.Context, raw []byte) []byte {
	return s.Process(ctx, raw).Encode()
}

// Oversize returns the encoded reply for a message rejected by the framer.
func (s *Service) Oversize(size, limit int64) []byte {
	s.metrics.Outcome(metrics.OutcomeTooLarge)
	s.logger.Warn("message exceeds size limit", "bytes", size, "limit", limit)
	return codec.TooLarge(size, limit, s.now()).Encode()
}

// Process runs decode, rate limiting and the transactional write for raw.
// Every path yields exactly one response.
func (s *Service) Process(ctx context.Context, raw []byte) codec.Response {
	msg, err := codec.Decode(raw)
	if err != nil {
		s.metrics.Outcome(metrics.OutcomeInvalid)
		s.logger.Warn("failed to parse message", "error", err, "bytes", len(raw))
		return codec.InvalidJSON(err, s.now())
	}

	if s.limiter != nil && s.rateLimit > 0 {
		decision := s.limiter.Allow(ratelimit.MachineKey(msg.MachineID), s.rateLimit, s.rateWindow)
		if !decision.Allowed {
			s.metrics.Outcome(metrics.OutcomeRateLimited)
			s.logger.Warn("machine rate limited", "machine_id", msg.MachineID, "count", decision.Count, "window_end", decision.WindowEnd)
			return codec.Failure(codec.MessageRateLimited, s.now())
		}
	}

	start := time.Now()
	stored, err := s.store.StoreLog(ctx, msg.MachineID, msg.Raw, msg.Metrics)
	took := time.Since(start)
	if err != nil {
		s.metrics.StoreFailed(took)
		if errors.Is(err, pool.ErrPoolExhausted) {
			s.metrics.Outcome(metrics.OutcomePoolBusy)
			s.logger.Warn("database pool exhausted", "machine_id", msg.MachineID, "error", err)
			return codec.Failure(codec.MessagePoolBusy, s.now())
		}
		s.metrics.Outcome(metrics.OutcomeStoreFailed)
		s.logger.Error("failed to store log", "machine_id", msg.MachineID, "error", err)
		return codec.Failure(codec.MessageStoreFailed, s.now())
	}

	s.metrics.Outcome(metrics.OutcomeStored)
	s.metrics.Stored(stored.Readings, took)
	s.logger.Info("stored log", "machine_id", stored.MachineID, "log_id", stored.ID, "metrics", stored.Readings, "took", took)
	s.broadcast(msg, stored)
	return codec.Success(s.now())
}

func (s *Service) broadcast(msg codec.Message, stored domain.StoredLog) {
	if s.hub == nil {
		return
	}
	data, err := MarshalStored(msg, stored)
	if err != nil {
		s.logger.Warn("failed to marshal log payload", "error", err)
		return
	}
	if !s.hub.Broadcast(stored.MachineID, data) {
		s.logger.Debug("live stream queue full, payload dropped", "machine_id", stored.MachineID)
	}
}

// MarshalStored formats a committed log for streaming payloads.
func MarshalStored(msg codec.Message, stored domain.StoredLog) ([]byte, error) {
	payload := map[string]any{
		"id":         stored.ID,
		"machine_id": stored.MachineID,
		"timestamp":  stored.Timestamp.UTC().Format(time.RFC3339Nano),
		"metrics":    msg.Metrics,
		"raw_data":   json.RawMessage(msg.Raw),
	}
	return json.Marshal(payload)
}
