package persistence_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/basket/taskrelay/internal/persistence"
)

func agentRec(id string) persistence.AgentRecord {
	return persistence.AgentRecord{AgentID: id, BaseURL: "http://127.0.0.1", Port: 9000}
}

func TestUpsertAgent_InsertsActive(t *testing.T) {
	store, _ := openTestStore(t)
	now := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	rec := agentRec("worker-1")
	rec.Capabilities = json.RawMessage(`{"skills":["math"]}`)

	got, err := store.UpsertAgent(context.Background(), rec, now)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if got.Status != persistence.AgentStatusActive {
		t.Fatalf("status = %s, want active", got.Status)
	}
	if !got.LastHeartbeat.Equal(now) || !got.CreatedAt.Equal(now) {
		t.Fatalf("unexpected timestamps: %+v", got)
	}
	if string(got.Capabilities) != `{"skills":["math"]}` {
		t.Fatalf("capabilities = %s", got.Capabilities)
	}
	if got.Metadata != nil {
		t.Fatalf("expected nil metadata, got %s", got.Metadata)
	}
}

func TestUpsertAgent_RevivesAndKeepsCreatedAt(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	t0 := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	rec := agentRec("worker-1")
	rec.Metadata = json.RawMessage(`{"region":"eu"}`)
	if _, err := store.UpsertAgent(ctx, rec, t0); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := store.MarkStaleAgents(ctx, t0.Add(time.Hour), t0.Add(time.Hour)); err != nil {
		t.Fatalf("mark stale: %v", err)
	}

	t1 := t0.Add(2 * time.Hour)
	again := agentRec("worker-1")
	again.Port = 9100
	got, err := store.UpsertAgent(ctx, again, t1)
	if err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	if got.Status != persistence.AgentStatusActive || got.Port != 9100 {
		t.Fatalf("expected revived entry on new port, got %+v", got)
	}
	if !got.CreatedAt.Equal(t0) || !got.LastHeartbeat.Equal(t1) {
		t.Fatalf("createdAt must be preserved and heartbeat refreshed: %+v", got)
	}
	if string(got.Metadata) != `{"region":"eu"}` {
		t.Fatalf("metadata lost on re-register: %s", got.Metadata)
	}
}

func TestListAgents_OrderAndFilter(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	_, _ = store.UpsertAgent(ctx, agentRec("a"), base)
	_, _ = store.UpsertAgent(ctx, agentRec("b"), base.Add(2*time.Minute))
	_, _ = store.UpsertAgent(ctx, agentRec("c"), base.Add(time.Minute))
	_, _ = store.SetAgentStatus(ctx, "c", persistence.AgentStatusInactive, base.Add(3*time.Minute))

	all, err := store.ListAgents(ctx, "")
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 || all[0].AgentID != "b" || all[1].AgentID != "c" || all[2].AgentID != "a" {
		t.Fatalf("unexpected order: %+v", all)
	}

	active, err := store.ListAgents(ctx, persistence.AgentStatusActive)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 2 || active[0].AgentID != "b" || active[1].AgentID != "a" {
		t.Fatalf("unexpected active list: %+v", active)
	}
}

func TestTouchAndSetStatus_UnknownAgent(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Now()
	if ok, err := store.TouchAgent(ctx, "ghost", now); err != nil || ok {
		t.Fatalf("touch unknown: ok=%v err=%v", ok, err)
	}
	if ok, err := store.SetAgentStatus(ctx, "ghost", persistence.AgentStatusInactive, now); err != nil || ok {
		t.Fatalf("set status unknown: ok=%v err=%v", ok, err)
	}
}

func TestMarkAndDeleteStaleAgents(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	_, _ = store.UpsertAgent(ctx, agentRec("old-active"), base)
	_, _ = store.UpsertAgent(ctx, agentRec("old-inactive"), base)
	_, _ = store.SetAgentStatus(ctx, "old-inactive", persistence.AgentStatusInactive, base)
	_, _ = store.UpsertAgent(ctx, agentRec("fresh"), base.Add(10*time.Minute))

	cutoff := base.Add(5 * time.Minute)
	n, err := store.MarkStaleAgents(ctx, cutoff, base.Add(15*time.Minute))
	if err != nil {
		t.Fatalf("mark stale: %v", err)
	}
	if n != 2 {
		t.Fatalf("marked %d, want 2", n)
	}
	// Already-stale rows are not counted again.
	if n, _ := store.MarkStaleAgents(ctx, cutoff, base.Add(16*time.Minute)); n != 0 {
		t.Fatalf("second mark touched %d rows, want 0", n)
	}

	counts, _ := store.AgentCounts(ctx)
	if counts[persistence.AgentStatusStale] != 2 || counts[persistence.AgentStatusActive] != 1 {
		t.Fatalf("unexpected counts: %+v", counts)
	}

	// Rows demoted at 15m survive a delete limited to earlier marks.
	if n, _ := store.DeleteStaleAgents(ctx, base.Add(15*time.Minute)); n != 0 {
		t.Fatalf("bounded delete removed %d rows, want 0", n)
	}

	deleted, err := store.DeleteStaleAgents(ctx, time.Time{})
	if err != nil {
		t.Fatalf("delete stale: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("deleted %d, want 2", deleted)
	}
	if rec, _ := store.GetAgent(ctx, "fresh"); rec == nil {
		t.Fatal("fresh agent must survive the sweep")
	}
	if rec, _ := store.GetAgent(ctx, "old-active"); rec != nil {
		t.Fatal("stale agent should be purged")
	}
}
