package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type requestIDKey struct{}
type transportKey struct{}
type principalKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithRequestID attaches the inbound request id (JSON-RPC id or HTTP header).
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID extracts request id. Returns "" if absent.
func RequestID(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithTransport records which transport ("http", "ws", "stdio") carried the call.
func WithTransport(ctx context.Context, transport string) context.Context {
	return context.WithValue(ctx, transportKey{}, transport)
}

// Transport extracts the transport name. Returns "" if absent.
func Transport(ctx context.Context) string {
	if v, ok := ctx.Value(transportKey{}).(string); ok {
		return v
	}
	return ""
}

// WithPrincipal attaches the authenticated caller name.
func WithPrincipal(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, principalKey{}, name)
}

// Principal extracts the authenticated caller. Returns "anonymous" if absent.
func Principal(ctx context.Context) string {
	if v, ok := ctx.Value(principalKey{}).(string); ok && v != "" {
		return v
	}
	return "anonymous"
}
