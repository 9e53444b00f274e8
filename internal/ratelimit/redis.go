package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultKeyPrefix = "taskrelay:rl:"

// RedisOptions configures the shared counter backend.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// Connect opens a client and verifies it with PING.
func Connect(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", opts.Addr, err)
	}
	return client, nil
}

// RedisLimiter shares windows across processes through INCR with a
// window-scoped expiry. Any backend error falls through to the local
// limiter so requests keep being admitted under a per-process budget.
type RedisLimiter struct {
	client   redis.UniversalClient
	cfg      Config
	prefix   string
	fallback *MemoryLimiter
	logger   *slog.Logger
	now      func() time.Time
}

func NewRedisLimiter(client redis.UniversalClient, cfg Config, prefix string, fallback *MemoryLimiter, logger *slog.Logger) *RedisLimiter {
	cfg = cfg.withDefaults()
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if fallback == nil {
		fallback = NewMemoryLimiter(cfg)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLimiter{
		client:   client,
		cfg:      cfg,
		prefix:   prefix,
		fallback: fallback,
		logger:   logger.With("component", "ratelimit"),
		now:      time.Now,
	}
}

// Fallback returns the local limiter used when Redis is unavailable.
func (r *RedisLimiter) Fallback() *MemoryLimiter {
	return r.fallback
}

func (r *RedisLimiter) key(key, endpoint string) string {
	return r.prefix + windowKey(key, endpoint)
}

func (r *RedisLimiter) CheckLimit(ctx context.Context, key, endpoint string) (Result, error) {
	k := r.key(key, endpoint)
	var incr *redis.IntCmd
	var pttl *redis.DurationCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, k)
		pttl = pipe.PTTL(ctx, k)
		return nil
	})
	if err != nil {
		return r.degrade(ctx, "check", err, key, endpoint)
	}

	count := int(incr.Val())
	ttl := pttl.Val()
	// A fresh key or one that lost its expiry starts a new window.
	if count == 1 || ttl < 0 {
		if err := r.client.PExpire(ctx, k, r.cfg.Window).Err(); err != nil {
			return r.degrade(ctx, "expire", err, key, endpoint)
		}
		ttl = r.cfg.Window
	}

	now := r.now()
	res := Result{
		Allowed:   count <= r.cfg.MaxRequests,
		Remaining: remaining(r.cfg.MaxRequests, count),
		Limit:     r.cfg.MaxRequests,
		ResetAt:   now.Add(ttl),
	}
	if !res.Allowed {
		res.RetryAfter = ttl
	}
	return res, nil
}

func (r *RedisLimiter) degrade(ctx context.Context, op string, err error, key, endpoint string) (Result, error) {
	r.logger.Warn("redis rate limit unavailable, using local window", "op", op, "error", err)
	return r.fallback.CheckLimit(ctx, key, endpoint)
}

func (r *RedisLimiter) Reset(ctx context.Context, key, endpoint string) error {
	_ = r.fallback.Reset(ctx, key, endpoint)
	if err := r.client.Del(ctx, r.key(key, endpoint)).Err(); err != nil {
		return fmt.Errorf("reset rate limit: %w", err)
	}
	return nil
}

func (r *RedisLimiter) Usage(ctx context.Context, key, endpoint string) (Usage, error) {
	k := r.key(key, endpoint)
	count, err := r.client.Get(ctx, k).Int()
	if errors.Is(err, redis.Nil) {
		count, err = 0, nil
	}
	if err != nil {
		r.logger.Warn("redis rate limit usage unavailable, using local window", "error", err)
		return r.fallback.Usage(ctx, key, endpoint)
	}
	ttl, err := r.client.PTTL(ctx, k).Result()
	if err != nil || ttl < 0 {
		ttl = r.cfg.Window
	}
	return Usage{
		Count:     count,
		Limit:     r.cfg.MaxRequests,
		Remaining: remaining(r.cfg.MaxRequests, count),
		ResetAt:   r.now().Add(ttl),
	}, nil
}
