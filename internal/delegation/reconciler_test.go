package delegation_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/taskrelay/internal/delegation"
	"github.com/basket/taskrelay/internal/persistence"
)

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "taskrelay.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func workingTask(t *testing.T, store *persistence.Store, text string) string {
	t.Helper()
	ctx := context.Background()
	task, err := store.CreateTask(ctx, persistence.TextMessage("user", text))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if ok, err := store.UpdateTaskStatus(ctx, task.ID, persistence.TaskUpdate{State: persistence.TaskStateWorking}); !ok || err != nil {
		t.Fatalf("to WORKING: ok=%v err=%v", ok, err)
	}
	return task.ID
}

func TestReconciler_FailsBridgelessStaleWork(t *testing.T) {
	store := openTestStore(t)
	base := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	now := base
	store.SetClock(func() time.Time { return now })
	d := delegation.New()

	orphan := workingTask(t, store, "orphan")
	claimed := workingTask(t, store, "claimed")
	_ = d.AddTask(claimed, "claimed", 0, "w")
	d.MarkTaskInProgress(claimed)
	now = base.Add(50 * time.Minute)
	recent := workingTask(t, store, "recent")

	now = base.Add(time.Hour)
	r := delegation.NewReconciler(delegation.ReconcilerConfig{
		Store:     store,
		Delegator: d,
		Timeout:   30 * time.Minute,
		Now:       func() time.Time { return now },
	})
	n, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if n != 1 {
		t.Fatalf("failed %d tasks, want 1", n)
	}

	got, _ := store.GetTask(context.Background(), orphan)
	if got.State != persistence.TaskStateFailed || got.Metadata["error"] != delegation.AbandonedReason {
		t.Fatalf("orphan not reconciled: %+v", got)
	}
	for _, id := range []string{claimed, recent} {
		got, _ := store.GetTask(context.Background(), id)
		if got.State != persistence.TaskStateWorking {
			t.Fatalf("task %s should still be WORKING, got %s", id, got.State)
		}
	}
}

func TestReconciler_FailsSubmittedTasksWithoutBridgeRecord(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return base })
	d := delegation.New()

	// lost simulates a task whose bridge record did not survive a restart.
	lost, err := store.CreateTask(ctx, persistence.TextMessage("user", "lost"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	queued, err := store.CreateTask(ctx, persistence.TextMessage("user", "queued"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := d.AddTask(queued.ID, "queued", 0, "w"); err != nil {
		t.Fatalf("add: %v", err)
	}

	r := delegation.NewReconciler(delegation.ReconcilerConfig{
		Store:     store,
		Delegator: d,
		Timeout:   time.Minute,
		Now:       func() time.Time { return base.Add(time.Hour) },
	})
	n, err := r.Run(ctx)
	if err != nil || n != 1 {
		t.Fatalf("run: n=%d err=%v", n, err)
	}
	if got, _ := store.GetTask(ctx, lost.ID); got.State != persistence.TaskStateFailed {
		t.Fatalf("lost task state = %s, want FAILED", got.State)
	}
	if got, _ := store.GetTask(ctx, queued.ID); got.State != persistence.TaskStateSubmitted {
		t.Fatalf("queued task state = %s, want SUBMITTED", got.State)
	}
}

func TestReconciler_DisabledAtZeroTimeout(t *testing.T) {
	store := openTestStore(t)
	r := delegation.NewReconciler(delegation.ReconcilerConfig{Store: store})
	if r.Enabled() {
		t.Fatal("zero timeout must disable reconciliation")
	}
	n, err := r.Run(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("disabled run: n=%d err=%v", n, err)
	}
}

func TestReconciler_JobRuns(t *testing.T) {
	store := openTestStore(t)
	base := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return base })
	id := workingTask(t, store, "x")

	r := delegation.NewReconciler(delegation.ReconcilerConfig{
		Store:   store,
		Timeout: time.Minute,
		Now:     func() time.Time { return base.Add(time.Hour) },
	})
	r.Job()(context.Background())

	got, _ := store.GetTask(context.Background(), id)
	if got.State != persistence.TaskStateFailed {
		t.Fatalf("state = %s, want FAILED", got.State)
	}
}
