package ratelimit

import (
	"context"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// windowCounters is the subset of Redis the limiter needs.
type windowCounters interface {
	// IncrTTL increments key and returns the new count with the key's TTL.
	// A negative TTL means the key has no expiry.
	IncrTTL(ctx context.Context, key string) (int64, time.Duration, error)
	Expire(ctx context.Context, key string, window time.Duration) error
	Close() error
}

type redisCounters struct {
	client *redis.Client
}

func (r redisCounters) IncrTTL(ctx context.Context, key string) (int64, time.Duration, error) {
	var (
		incr *redis.IntCmd
		ttl  *redis.DurationCmd
	)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		ttl = pipe.TTL(ctx, key)
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return incr.Val(), ttl.Val(), nil
}

func (r redisCounters) Expire(ctx context.Context, key string, window time.Duration) error {
	return r.client.Expire(ctx, key, window).Err()
}

func (r redisCounters) Close() error {
	return r.client.Close()
}

type redisLimiter struct {
	store   windowCounters
	logger  *slog.Logger
	prefix  string
	timeout time.Duration
}

// NewRedis constructs a Redis backed limiter shared by every ingest replica.
// Redis errors fail open so a cache outage never blocks ingestion.
func NewRedis(addr, password string, db int, logger *slog.Logger) (Limiter, error) {
	opts := &redis.Options{Addr: addr, Password: password, DB: db}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return newRedisLimiter(redisCounters{client: client}, logger), nil
}

func newRedisLimiter(store windowCounters, logger *slog.Logger) *redisLimiter {
	return &redisLimiter{
		store:   store,
		logger:  logger,
		prefix:  "edgelogger:ratelimit:",
		timeout: 250 * time.Millisecond,
	}
}

func (rl *redisLimiter) Allow(key string, limit int, window time.Duration) Decision {
	if limit <= 0 {
		return Decision{Allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), rl.timeout)
	defer cancel()

	redisKey := rl.prefix + key
	counter, ttl, err := rl.store.IncrTTL(ctx, redisKey)
	if err != nil {
		rl.logRedisError("incr", err)
		return Decision{Allowed: true}
	}
	// Keys without an expiry are re-armed on every hit until Expire succeeds.
	if ttl < 0 {
		if err := rl.store.Expire(ctx, redisKey, window); err != nil {
			rl.logRedisError("expire", err)
		}
		ttl = window
	}
	return Decision{
		Allowed:   int(counter) <= limit,
		Count:     int(counter),
		WindowEnd: time.Now().Add(ttl),
	}
}

func (rl *redisLimiter) Close() {
	if rl.store != nil {
		_ = rl.store.Close()
	}
}

func (rl *redisLimiter) logRedisError(op string, err error) {
	if rl.logger == nil {
		return
	}
	rl.logger.Error("redis rate limiter error", "op", op, "error", err)
}
