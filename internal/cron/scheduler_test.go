package cron_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/taskrelay/internal/cron"
)

// waitFor polls check until it returns true or the deadline elapses.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestScheduler_RunsImmediatelyOnStart(t *testing.T) {
	sched := cron.NewScheduler(cron.Config{})
	var runs atomic.Int32
	if err := sched.Every("sweep", time.Hour, func(ctx context.Context) { runs.Add(1) }); err != nil {
		t.Fatalf("every: %v", err)
	}
	sched.Start(context.Background())
	defer sched.Stop()

	waitFor(t, 2*time.Second, func() bool { return runs.Load() == 1 })
}

func TestScheduler_SkipInitialRun(t *testing.T) {
	sched := cron.NewScheduler(cron.Config{SkipInitialRun: true})
	var runs atomic.Int32
	_ = sched.Every("sweep", time.Hour, func(ctx context.Context) { runs.Add(1) })
	sched.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	sched.Stop()
	if runs.Load() != 0 {
		t.Fatalf("expected no runs, got %d", runs.Load())
	}
}

func TestScheduler_RunNow(t *testing.T) {
	sched := cron.NewScheduler(cron.Config{SkipInitialRun: true})
	var runs atomic.Int32
	_ = sched.Every("sweep", time.Hour, func(ctx context.Context) { runs.Add(1) })

	if !sched.RunNow("sweep") {
		t.Fatal("expected RunNow to find the job")
	}
	if runs.Load() != 1 {
		t.Fatalf("runs = %d, want 1", runs.Load())
	}
	if sched.RunNow("missing") {
		t.Fatal("expected RunNow to report unknown job")
	}
}

func TestScheduler_OverlappingRunIsSkipped(t *testing.T) {
	sched := cron.NewScheduler(cron.Config{SkipInitialRun: true})
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	var runs atomic.Int32
	_ = sched.Every("slow", time.Hour, func(ctx context.Context) {
		runs.Add(1)
		started <- struct{}{}
		<-release
	})

	done := make(chan struct{})
	go func() {
		sched.RunNow("slow")
		close(done)
	}()
	<-started

	// Second run while the first holds the guard returns without running.
	sched.RunNow("slow")
	if runs.Load() != 1 {
		t.Fatalf("overlapping run executed: runs = %d", runs.Load())
	}
	close(release)
	<-done
}

func TestScheduler_RecoversPanics(t *testing.T) {
	sched := cron.NewScheduler(cron.Config{SkipInitialRun: true})
	_ = sched.Every("boom", time.Hour, func(ctx context.Context) { panic("boom") })
	sched.RunNow("boom")
}

func TestScheduler_StopCancelsJobContext(t *testing.T) {
	sched := cron.NewScheduler(cron.Config{})
	canceled := make(chan struct{})
	_ = sched.Every("waiter", time.Hour, func(ctx context.Context) {
		<-ctx.Done()
		close(canceled)
	})
	sched.Start(context.Background())
	sched.Stop()

	select {
	case <-canceled:
	case <-time.After(2 * time.Second):
		t.Fatal("job context was not canceled on Stop")
	}
}

func TestScheduler_ParentContextStops(t *testing.T) {
	sched := cron.NewScheduler(cron.Config{SkipInitialRun: true})
	_ = sched.Every("noop", time.Hour, func(ctx context.Context) {})
	ctx, cancel := context.WithCancel(context.Background())
	sched.Start(ctx)
	cancel()
	// Stop after the parent already stopped it must not block.
	waitFor(t, 2*time.Second, func() bool {
		sched.Stop()
		return true
	})
}

func TestScheduler_RegistrationErrors(t *testing.T) {
	sched := cron.NewScheduler(cron.Config{})
	noop := func(ctx context.Context) {}
	if err := sched.Every("zero", 0, noop); err == nil {
		t.Fatal("expected error for zero interval")
	}
	if err := sched.Every("", time.Minute, noop); err == nil {
		t.Fatal("expected error for empty name")
	}
	if err := sched.Schedule("bad", "not a cron", noop); err == nil {
		t.Fatal("expected parse error")
	}
	if err := sched.Every("dup", time.Minute, noop); err != nil {
		t.Fatalf("first registration: %v", err)
	}
	if err := sched.Every("dup", time.Minute, noop); err == nil {
		t.Fatal("expected duplicate name error")
	}
	entries := sched.Entries()
	if len(entries) != 1 || entries[0].Name != "dup" || entries[0].Spec != "@every 1m0s" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestNextRunTime(t *testing.T) {
	after := time.Date(2026, 10, 1, 10, 7, 0, 0, time.UTC)
	next, err := cron.NextRunTime("*/5 * * * *", after)
	if err != nil {
		t.Fatalf("next run: %v", err)
	}
	if want := time.Date(2026, 10, 1, 10, 10, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}
