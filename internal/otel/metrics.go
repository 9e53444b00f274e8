package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Instruments are the OTel counterparts of the Prometheus collector,
// recorded by the router on every dispatch.
type Instruments struct {
	DispatchDuration metric.Float64Histogram
	DispatchErrors   metric.Int64Counter
	BoundaryRejects  metric.Int64Counter
	TaskTransitions  metric.Int64Counter
}

func NewInstruments(meter metric.Meter) (*Instruments, error) {
	in := &Instruments{}
	var err error

	in.DispatchDuration, err = meter.Float64Histogram("taskrelay.dispatch.duration",
		metric.WithDescription("Tool dispatch duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	in.DispatchErrors, err = meter.Int64Counter("taskrelay.dispatch.errors",
		metric.WithDescription("Tool dispatches that returned an error"),
	)
	if err != nil {
		return nil, err
	}
	in.BoundaryRejects, err = meter.Int64Counter("taskrelay.boundary.rejects",
		metric.WithDescription("Requests rejected at the boundary"),
	)
	if err != nil {
		return nil, err
	}
	in.TaskTransitions, err = meter.Int64Counter("taskrelay.task.transitions",
		metric.WithDescription("Task state changes"),
	)
	if err != nil {
		return nil, err
	}
	return in, nil
}

// RecordDispatch is nil-safe.
func (in *Instruments) RecordDispatch(ctx context.Context, tool string, seconds float64, failed bool) {
	if in == nil {
		return
	}
	attrs := metric.WithAttributes(AttrToolName.String(tool))
	in.DispatchDuration.Record(ctx, seconds, attrs)
	if failed {
		in.DispatchErrors.Add(ctx, 1, attrs)
	}
}

func (in *Instruments) RecordReject(ctx context.Context, boundary string) {
	if in == nil {
		return
	}
	in.BoundaryRejects.Add(ctx, 1, metric.WithAttributes(attribute.String("boundary", boundary)))
}

func (in *Instruments) RecordTransition(ctx context.Context, to string) {
	if in == nil {
		return
	}
	in.TaskTransitions.Add(ctx, 1, metric.WithAttributes(AttrTaskState.String(to)))
}
