package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	AttrAgentID   = attribute.Key("taskrelay.agent.id")
	AttrTaskID    = attribute.Key("taskrelay.task.id")
	AttrTaskState = attribute.Key("taskrelay.task.state")
	AttrToolName  = attribute.Key("taskrelay.tool.name")
	AttrTransport = attribute.Key("taskrelay.transport")
	AttrTraceID   = attribute.Key("taskrelay.trace_id")
)

// StartSpan starts an internal span.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound HTTP, websocket or stdio call.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}
