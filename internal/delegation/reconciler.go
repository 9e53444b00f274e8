package delegation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/taskrelay/internal/cron"
	"github.com/basket/taskrelay/internal/persistence"
	"github.com/basket/taskrelay/internal/shared"
)

// AbandonedReason is written to metadata.error of reconciled tasks.
const AbandonedReason = "abandoned: no result within timeout"

// TaskStore is the slice of the task queue the reconciler needs.
type TaskStore interface {
	ListOpenTasksBefore(ctx context.Context, cutoff time.Time) ([]persistence.Task, error)
	UpdateTaskStatus(ctx context.Context, taskID string, upd persistence.TaskUpdate) (bool, error)
}

type ReconcilerConfig struct {
	Store     TaskStore
	Delegator *Delegator
	// Timeout is how long a SUBMITTED or WORKING task may go without an
	// update. Zero disables reconciliation.
	Timeout time.Duration
	Logger  *slog.Logger
	Now     func() time.Time
}

// Reconciler fails SUBMITTED and WORKING tasks that have no bridge record
// and have not been updated within the timeout. Bridge records live only in
// memory, so this covers both a crash between removing a record and
// recording the result and tasks whose records were lost on restart.
type Reconciler struct {
	store     TaskStore
	delegator *Delegator
	timeout   time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

func NewReconciler(cfg ReconcilerConfig) *Reconciler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Reconciler{
		store:     cfg.Store,
		delegator: cfg.Delegator,
		timeout:   cfg.Timeout,
		logger:    logger.With("component", "reconciler"),
		now:       now,
	}
}

// Enabled reports whether a positive timeout is configured.
func (r *Reconciler) Enabled() bool {
	return r.timeout > 0
}

// Run performs one pass and returns how many tasks were failed.
func (r *Reconciler) Run(ctx context.Context) (int, error) {
	if !r.Enabled() {
		return 0, nil
	}
	if r.store == nil {
		return 0, shared.NotConfigured("reconciler", "Run", "task store")
	}
	now := r.now()
	candidates, err := r.store.ListOpenTasksBefore(ctx, now.Add(-r.timeout))
	if err != nil {
		return 0, fmt.Errorf("reconcile: list open tasks: %w", err)
	}

	failed := 0
	for _, task := range candidates {
		if r.delegator != nil && r.delegator.Has(task.ID) {
			continue
		}
		ok, err := r.store.UpdateTaskStatus(ctx, task.ID, persistence.TaskUpdate{
			State: persistence.TaskStateFailed,
			Metadata: map[string]any{
				"error":        AbandonedReason,
				"reconciledAt": now.UTC().Format(time.RFC3339),
			},
		})
		if err != nil {
			// A concurrent report may have completed the task already.
			if shared.HasCode(err, shared.CodeIllegalTransition) {
				continue
			}
			return failed, fmt.Errorf("reconcile task %s: %w", task.ID, err)
		}
		if ok {
			failed++
			r.logger.Warn("task abandoned", "task_id", task.ID, "state", task.State, "last_update", task.UpdatedAt)
		}
	}
	return failed, nil
}

// Job adapts Run for the cron scheduler.
func (r *Reconciler) Job() cron.Job {
	return func(ctx context.Context) {
		n, err := r.Run(ctx)
		if err != nil {
			r.logger.Error("task reconciliation failed", "error", err)
			return
		}
		if n > 0 {
			r.logger.Info("task reconciliation", "failed", n)
		}
	}
}
