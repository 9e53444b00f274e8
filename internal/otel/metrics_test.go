package otel

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestInstruments_RecordDispatch(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"}, sdkmetric.WithReader(reader))
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	in, err := NewInstruments(p.Meter)
	if err != nil {
		t.Fatalf("NewInstruments: %v", err)
	}
	ctx := context.Background()
	in.RecordDispatch(ctx, "a2a-send-task", 0.01, false)
	in.RecordDispatch(ctx, "a2a-send-task", 0.02, true)
	in.RecordReject(ctx, "rate_limit")
	in.RecordTransition(ctx, "COMPLETED")

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	seen := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			seen[m.Name] = true
			if m.Name == "taskrelay.dispatch.errors" {
				sum, ok := m.Data.(metricdata.Sum[int64])
				if !ok || len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 1 {
					t.Fatalf("unexpected dispatch.errors data: %+v", m.Data)
				}
			}
		}
	}
	for _, name := range []string{"taskrelay.dispatch.duration", "taskrelay.dispatch.errors", "taskrelay.boundary.rejects", "taskrelay.task.transitions"} {
		if !seen[name] {
			t.Errorf("metric %s not collected", name)
		}
	}
}

func TestInstruments_NilSafe(t *testing.T) {
	var in *Instruments
	in.RecordDispatch(context.Background(), "x", 1, true)
	in.RecordReject(context.Background(), "auth")
	in.RecordTransition(context.Background(), "FAILED")
}

func TestNewInstruments_Noop(t *testing.T) {
	if _, err := NewInstruments(Noop().Meter); err != nil {
		t.Fatalf("noop meter: %v", err)
	}
}
