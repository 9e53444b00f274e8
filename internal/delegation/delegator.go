// Package delegation bridges push-style senders to pull-style consumers.
// The Delegator is a transient visibility index: it never owns task state,
// which lives in the persistence store.
package delegation

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/basket/taskrelay/internal/bus"
	"github.com/basket/taskrelay/internal/safety"
	"github.com/basket/taskrelay/internal/shared"
)

const component = "delegator"

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
)

// PendingDelegation is one bridge record.
type PendingDelegation struct {
	TaskID    string     `json:"taskId"`
	Task      string     `json:"task"`
	Priority  int        `json:"priority"`
	AgentID   string     `json:"agentId"`
	Status    Status     `json:"status"`
	CreatedAt time.Time  `json:"createdAt"`
	ClaimedAt *time.Time `json:"claimedAt,omitempty"`

	seq uint64
}

// Delegator holds bridge records keyed by task id.
type Delegator struct {
	mu    sync.Mutex
	items map[string]*PendingDelegation
	seq   uint64

	bus    *bus.Bus
	logger *slog.Logger
	now    func() time.Time
}

type Option func(*Delegator)

func WithBus(b *bus.Bus) Option {
	return func(d *Delegator) { d.bus = b }
}

func WithLogger(logger *slog.Logger) Option {
	return func(d *Delegator) {
		if logger != nil {
			d.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(d *Delegator) {
		if now != nil {
			d.now = now
		}
	}
}

func New(opts ...Option) *Delegator {
	d := &Delegator{
		items:  make(map[string]*PendingDelegation),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", component)
	return d
}

// AddTask inserts a PENDING record owned by agentID. A task can be in the
// bridge at most once.
func (d *Delegator) AddTask(taskID, text string, priority int, agentID string) error {
	if err := safety.ValidateIdentifier("taskId", taskID); err != nil {
		return err
	}
	if err := safety.ValidateIdentifier("agentId", agentID); err != nil {
		return err
	}

	d.mu.Lock()
	if _, exists := d.items[taskID]; exists {
		d.mu.Unlock()
		return shared.NewValidationError(component, "AddTask", "task is already delegated",
			map[string]any{"taskId": taskID})
	}
	d.seq++
	d.items[taskID] = &PendingDelegation{
		TaskID:    taskID,
		Task:      text,
		Priority:  priority,
		AgentID:   agentID,
		Status:    StatusPending,
		CreatedAt: d.now(),
		seq:       d.seq,
	}
	d.mu.Unlock()

	d.logger.Debug("delegation added", "task_id", taskID, "agent_id", agentID, "priority", priority)
	d.bus.Publish(bus.TopicDelegationAdded, bus.DelegationEvent{TaskID: taskID, AgentID: agentID, Status: string(StatusPending)})
	return nil
}

// GetPendingTasks returns copies of agentID's PENDING records, highest
// priority first and oldest first within a priority. IN_PROGRESS records
// are never returned.
func (d *Delegator) GetPendingTasks(agentID string) []PendingDelegation {
	d.mu.Lock()
	out := make([]PendingDelegation, 0)
	for _, item := range d.items {
		if item.AgentID == agentID && item.Status == StatusPending {
			out = append(out, *item)
		}
	}
	d.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].seq < out[j].seq
	})
	return out
}

// MarkTaskInProgress claims a PENDING record. It returns false when the
// task is unknown or already claimed, so a task is claimed at most once.
func (d *Delegator) MarkTaskInProgress(taskID string) bool {
	d.mu.Lock()
	item, ok := d.items[taskID]
	if !ok || item.Status != StatusPending {
		d.mu.Unlock()
		return false
	}
	claimed := d.now()
	item.Status = StatusInProgress
	item.ClaimedAt = &claimed
	agentID := item.AgentID
	d.mu.Unlock()

	d.bus.Publish(bus.TopicDelegationClaimed, bus.DelegationEvent{TaskID: taskID, AgentID: agentID, Status: string(StatusInProgress)})
	return true
}

// ReleaseTask returns an IN_PROGRESS record to PENDING so it can be claimed
// again. It returns false when the task is unknown or not claimed.
func (d *Delegator) ReleaseTask(taskID string) bool {
	d.mu.Lock()
	item, ok := d.items[taskID]
	if !ok || item.Status != StatusInProgress {
		d.mu.Unlock()
		return false
	}
	item.Status = StatusPending
	item.ClaimedAt = nil
	agentID := item.AgentID
	d.mu.Unlock()

	d.logger.Debug("delegation released", "task_id", taskID, "agent_id", agentID)
	d.bus.Publish(bus.TopicDelegationReleased, bus.DelegationEvent{TaskID: taskID, AgentID: agentID, Status: string(StatusPending)})
	return true
}

// RemoveTask deletes the record. The task's state in the store is updated
// separately by the caller.
func (d *Delegator) RemoveTask(taskID string) bool {
	d.mu.Lock()
	item, ok := d.items[taskID]
	if ok {
		delete(d.items, taskID)
	}
	d.mu.Unlock()
	if !ok {
		return false
	}
	d.bus.Publish(bus.TopicDelegationRemoved, bus.DelegationEvent{TaskID: taskID, AgentID: item.AgentID, Status: string(item.Status)})
	return true
}

// Get returns a copy of the record.
func (d *Delegator) Get(taskID string) (PendingDelegation, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	item, ok := d.items[taskID]
	if !ok {
		return PendingDelegation{}, false
	}
	return *item, true
}

// Has reports whether the task is in the bridge in any status.
func (d *Delegator) Has(taskID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.items[taskID]
	return ok
}

// Counts returns the number of pending and in-progress records.
func (d *Delegator) Counts() (pending, inProgress int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, item := range d.items {
		switch item.Status {
		case StatusPending:
			pending++
		case StatusInProgress:
			inProgress++
		}
	}
	return pending, inProgress
}
