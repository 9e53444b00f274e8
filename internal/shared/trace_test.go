package shared

import (
	"context"
	"testing"
)

func TestTraceID_DefaultDash(t *testing.T) {
	ctx := context.Background()
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("expected '-', got %q", got)
	}
	id := NewTraceID()
	ctx = WithTraceID(ctx, id)
	if got := TraceID(ctx); got != id {
		t.Fatalf("expected %q, got %q", id, got)
	}
}

func TestRequestMetadata_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if RequestID(ctx) != "" || Transport(ctx) != "" {
		t.Fatal("expected empty request metadata on bare context")
	}
	ctx = WithRequestID(ctx, "7")
	ctx = WithTransport(ctx, "stdio")
	if got := RequestID(ctx); got != "7" {
		t.Fatalf("expected request id 7, got %q", got)
	}
	if got := Transport(ctx); got != "stdio" {
		t.Fatalf("expected stdio, got %q", got)
	}
}

func TestPrincipal_DefaultAnonymous(t *testing.T) {
	ctx := context.Background()
	if got := Principal(ctx); got != "anonymous" {
		t.Fatalf("expected anonymous, got %q", got)
	}
	ctx = WithPrincipal(ctx, "worker-1")
	if got := Principal(ctx); got != "worker-1" {
		t.Fatalf("expected worker-1, got %q", got)
	}
}
