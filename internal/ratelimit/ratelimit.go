// Package ratelimit implements sliding-window admission control keyed by
// (key, endpoint). A window starts on the first request and its budget
// resets once the window has elapsed.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/basket/taskrelay/internal/cron"
)

const (
	DefaultWindow      = time.Minute
	DefaultMaxRequests = 120
)

// Result is the outcome of one CheckLimit call.
type Result struct {
	Allowed    bool          `json:"allowed"`
	Remaining  int           `json:"remaining"`
	Limit      int           `json:"limit"`
	ResetAt    time.Time     `json:"resetAt"`
	RetryAfter time.Duration `json:"retryAfter,omitempty"`
}

// Usage is a read-only view of a window.
type Usage struct {
	Count     int       `json:"count"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
}

// Limiter is satisfied by the in-memory and Redis implementations.
type Limiter interface {
	CheckLimit(ctx context.Context, key, endpoint string) (Result, error)
	Reset(ctx context.Context, key, endpoint string) error
	Usage(ctx context.Context, key, endpoint string) (Usage, error)
}

type Config struct {
	Window      time.Duration
	MaxRequests int
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.MaxRequests <= 0 {
		c.MaxRequests = DefaultMaxRequests
	}
	return c
}

func windowKey(key, endpoint string) string {
	return key + ":" + endpoint
}

func remaining(limit, count int) int {
	if count >= limit {
		return 0
	}
	return limit - count
}

type window struct {
	count   int
	resetAt time.Time
}

// MemoryLimiter keeps windows in process memory.
type MemoryLimiter struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	windows map[string]*window
}

type MemoryOption func(*MemoryLimiter)

func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryLimiter) {
		if now != nil {
			m.now = now
		}
	}
}

func NewMemoryLimiter(cfg Config, opts ...MemoryOption) *MemoryLimiter {
	m := &MemoryLimiter{
		cfg:     cfg.withDefaults(),
		now:     time.Now,
		windows: make(map[string]*window),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CheckLimit consumes one request from the window, replacing the window
// first if it has elapsed.
func (m *MemoryLimiter) CheckLimit(_ context.Context, key, endpoint string) (Result, error) {
	now := m.now()
	k := windowKey(key, endpoint)

	m.mu.Lock()
	w, ok := m.windows[k]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(m.cfg.Window)}
		m.windows[k] = w
	}
	w.count++
	count, resetAt := w.count, w.resetAt
	m.mu.Unlock()

	res := Result{
		Allowed:   count <= m.cfg.MaxRequests,
		Remaining: remaining(m.cfg.MaxRequests, count),
		Limit:     m.cfg.MaxRequests,
		ResetAt:   resetAt,
	}
	if !res.Allowed {
		res.RetryAfter = resetAt.Sub(now)
	}
	return res, nil
}

func (m *MemoryLimiter) Reset(_ context.Context, key, endpoint string) error {
	m.mu.Lock()
	delete(m.windows, windowKey(key, endpoint))
	m.mu.Unlock()
	return nil
}

// Usage reports the window without consuming from it. An elapsed or
// missing window reads as empty.
func (m *MemoryLimiter) Usage(_ context.Context, key, endpoint string) (Usage, error) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[windowKey(key, endpoint)]
	if !ok || !now.Before(w.resetAt) {
		return Usage{Limit: m.cfg.MaxRequests, Remaining: m.cfg.MaxRequests, ResetAt: now.Add(m.cfg.Window)}, nil
	}
	return Usage{
		Count:     w.count,
		Limit:     m.cfg.MaxRequests,
		Remaining: remaining(m.cfg.MaxRequests, w.count),
		ResetAt:   w.resetAt,
	}, nil
}

// EvictExpired drops windows that have elapsed and returns how many were
// removed.
func (m *MemoryLimiter) EvictExpired() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	evicted := 0
	for k, w := range m.windows {
		if !now.Before(w.resetAt) {
			delete(m.windows, k)
			evicted++
		}
	}
	return evicted
}

// Len returns the number of tracked windows.
func (m *MemoryLimiter) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.windows)
}

// CleanupJob adapts EvictExpired for the cron scheduler.
func (m *MemoryLimiter) CleanupJob() cron.Job {
	return func(context.Context) {
		m.EvictExpired()
	}
}
