// Package registry is the durable directory of reachable agents. Liveness
// is tracked by heartbeat; agents that stop heartbeating are first marked
// stale and only purged on a later sweep.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/basket/taskrelay/internal/bus"
	"github.com/basket/taskrelay/internal/cron"
	"github.com/basket/taskrelay/internal/persistence"
	"github.com/basket/taskrelay/internal/safety"
	"github.com/basket/taskrelay/internal/shared"
)

const component = "registry"

// Defaults used when the config leaves them unset.
const (
	DefaultCleanupInterval = 5 * time.Minute
	DefaultStaleThreshold  = 15 * time.Minute
)

// Entry is one registered agent.
type Entry = persistence.AgentRecord

// RegisterParams describes an agent announcing itself.
type RegisterParams struct {
	AgentID      string          `json:"agentId"`
	BaseURL      string          `json:"baseUrl"`
	Port         int             `json:"port"`
	Capabilities json.RawMessage `json:"capabilities,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
}

// Validate checks the identifier grammar, URL shape and port range.
func (p RegisterParams) Validate() error {
	if err := safety.ValidateIdentifier("agentId", p.AgentID); err != nil {
		return err
	}
	u, err := url.Parse(p.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return shared.NewValidationError(component, "Register",
			"baseUrl must be an absolute http(s) URL", map[string]any{"baseUrl": safety.SanitizeForMessage(p.BaseURL, 0)})
	}
	if p.Port < 1 || p.Port > 65535 {
		return shared.NewValidationError(component, "Register",
			"port must be within 1-65535", map[string]any{"port": p.Port})
	}
	for name, raw := range map[string]json.RawMessage{"capabilities": p.Capabilities, "metadata": p.Metadata} {
		if len(raw) > 0 && !json.Valid(raw) {
			return shared.NewValidationError(component, "Register", name+" must be valid JSON", nil)
		}
	}
	return nil
}

// Registry wraps the agents table with liveness semantics. Construct it
// once per store through a Provider and share the pointer.
type Registry struct {
	store  *persistence.Store
	bus    *bus.Bus
	logger *slog.Logger
	now    func() time.Time
}

type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithBus publishes agent events on b.
func WithBus(b *bus.Bus) Option {
	return func(r *Registry) { r.bus = b }
}

func newRegistry(store *persistence.Store, opts ...Option) *Registry {
	r := &Registry{
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", component)
	return r
}

// Register upserts the agent keyed by agentId. New and existing entries
// both come back active; re-registering revives a stale entry.
func (r *Registry) Register(ctx context.Context, params RegisterParams) (*Entry, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	entry, err := r.store.UpsertAgent(ctx, persistence.AgentRecord{
		AgentID:      params.AgentID,
		BaseURL:      params.BaseURL,
		Port:         params.Port,
		Capabilities: params.Capabilities,
		Metadata:     params.Metadata,
	}, r.now())
	if err != nil {
		return nil, fmt.Errorf("register agent %s: %w", params.AgentID, err)
	}
	r.logger.Info("agent registered", "agent_id", entry.AgentID, "base_url", entry.BaseURL, "port", entry.Port)
	r.bus.Publish(bus.TopicAgentRegistered, bus.AgentEvent{AgentID: entry.AgentID, Status: string(entry.Status)})
	return entry, nil
}

// Get returns the entry or nil if unknown.
func (r *Registry) Get(ctx context.Context, agentID string) (*Entry, error) {
	return r.store.GetAgent(ctx, agentID)
}

// ListActive returns active entries, most recent heartbeat first.
func (r *Registry) ListActive(ctx context.Context) ([]Entry, error) {
	return r.store.ListAgents(ctx, persistence.AgentStatusActive)
}

// ListAll returns every entry including inactive and stale ones.
func (r *Registry) ListAll(ctx context.Context) ([]Entry, error) {
	return r.store.ListAgents(ctx, "")
}

// Heartbeat refreshes lastHeartbeat and forces status back to active. It
// returns false for an unknown agent.
func (r *Registry) Heartbeat(ctx context.Context, agentID string) (bool, error) {
	ok, err := r.store.TouchAgent(ctx, agentID, r.now())
	if err != nil {
		return false, err
	}
	if ok {
		r.bus.Publish(bus.TopicAgentHeartbeat, bus.AgentEvent{AgentID: agentID, Status: string(persistence.AgentStatusActive)})
	}
	return ok, nil
}

// Deactivate marks a graceful sign-off.
func (r *Registry) Deactivate(ctx context.Context, agentID string) (bool, error) {
	ok, err := r.store.SetAgentStatus(ctx, agentID, persistence.AgentStatusInactive, r.now())
	if err != nil {
		return false, err
	}
	if ok {
		r.logger.Info("agent deactivated", "agent_id", agentID)
		r.bus.Publish(bus.TopicAgentDeactivated, bus.AgentEvent{AgentID: agentID, Status: string(persistence.AgentStatusInactive)})
	}
	return ok, nil
}

// CleanupStale marks active and inactive entries whose last heartbeat is
// older than now-threshold as stale.
func (r *Registry) CleanupStale(ctx context.Context, threshold time.Duration) (int64, error) {
	if threshold <= 0 {
		return 0, shared.NewValidationError(component, "CleanupStale", "threshold must be positive", nil)
	}
	now := r.now()
	n, err := r.store.MarkStaleAgents(ctx, now.Add(-threshold), now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.bus.Publish(bus.TopicAgentStale, bus.AgentEvent{Status: string(persistence.AgentStatusStale), Count: n})
	}
	return n, nil
}

// DeleteStale removes every entry currently marked stale.
func (r *Registry) DeleteStale(ctx context.Context) (int64, error) {
	n, err := r.store.DeleteStaleAgents(ctx, time.Time{})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.bus.Publish(bus.TopicAgentPurged, bus.AgentEvent{Count: n})
	}
	return n, nil
}

// SweepResult reports one pass of the background sweep.
type SweepResult struct {
	Marked  int64
	Deleted int64
}

// Sweep runs the two phases: mark entries stale, then delete entries that
// were already stale before this sweep began. An entry marked in this pass
// stays visible to ListAll until the next one.
func (r *Registry) Sweep(ctx context.Context, threshold time.Duration) (SweepResult, error) {
	var res SweepResult
	start := r.now()
	marked, err := r.CleanupStale(ctx, threshold)
	if err != nil {
		return res, fmt.Errorf("sweep mark: %w", err)
	}
	res.Marked = marked

	deleted, err := r.store.DeleteStaleAgents(ctx, start)
	if err != nil {
		return res, fmt.Errorf("sweep delete: %w", err)
	}
	res.Deleted = deleted
	if deleted > 0 {
		r.bus.Publish(bus.TopicAgentPurged, bus.AgentEvent{Count: deleted})
	}
	return res, nil
}

// SweepJob adapts Sweep for the cron scheduler. observe, if non-nil, sees
// the result of every successful pass.
func (r *Registry) SweepJob(threshold time.Duration, observe func(SweepResult)) cron.Job {
	if threshold <= 0 {
		threshold = DefaultStaleThreshold
	}
	return func(ctx context.Context) {
		res, err := r.Sweep(ctx, threshold)
		if err != nil {
			r.logger.Error("registry sweep failed", "error", err)
			return
		}
		if observe != nil {
			observe(res)
		}
		if res.Marked > 0 || res.Deleted > 0 {
			r.logger.Info("registry sweep", "marked_stale", res.Marked, "deleted", res.Deleted)
		}
	}
}

// Counts returns the number of entries per status.
func (r *Registry) Counts(ctx context.Context) (map[persistence.AgentStatus]int, error) {
	return r.store.AgentCounts(ctx)
}
