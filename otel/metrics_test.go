package otel_test

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	psyotel "github.com/lys5588/psylens/otel"
	"github.com/lys5588/psylens/runtime"
)

// newTestMeter returns a meter backed by a manual reader for collecting metrics in tests.
func newTestMeter() (*metric.ManualReader, *metric.MeterProvider) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	return reader, mp
}

// collectMetrics reads all metrics from the reader.
func collectMetrics(t *testing.T, reader *metric.ManualReader) *metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}
	return &rm
}

// findMetric searches for a metric by name in the collected data.
func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, scope := range rm.ScopeMetrics {
		for i := range scope.Metrics {
			if scope.Metrics[i].Name == name {
				return &scope.Metrics[i]
			}
		}
	}
	return nil
}

func sumInt64(m *metricdata.Metrics) int64 {
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		return -1
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestMetricsHandler_NodeCompletedRecordsExecutionAndDuration(t *testing.T) {
	reader, mp := newTestMeter()
	h, err := psyotel.NewMetricsHandler(mp.Meter("test"))
	if err != nil {
		t.Fatalf("NewMetricsHandler: %v", err)
	}

	h.Handle(runtime.Event{
		Kind:    runtime.EventInferenceCompleted,
		RunID:   "run-1",
		Node:    "plan.a",
		Elapsed: 150 * time.Millisecond,
	})
	h.Handle(runtime.Event{
		Kind:    runtime.EventInferenceCompleted,
		RunID:   "run-1",
		Node:    "plan.b",
		Elapsed: 50 * time.Millisecond,
	})

	rm := collectMetrics(t, reader)

	execMetric := findMetric(rm, "psylens.node.executions")
	if execMetric == nil {
		t.Fatal("psylens.node.executions not recorded")
	}
	if got := sumInt64(execMetric); got != 2 {
		t.Errorf("executions = %d, want 2", got)
	}

	durMetric := findMetric(rm, "psylens.node.duration")
	if durMetric == nil {
		t.Fatal("psylens.node.duration not recorded")
	}
	hist, ok := durMetric.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("duration data type = %T", durMetric.Data)
	}
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	if count != 2 {
		t.Errorf("duration samples = %d, want 2", count)
	}
}

func TestMetricsHandler_FailuresAndPauses(t *testing.T) {
	reader, mp := newTestMeter()
	h, err := psyotel.NewMetricsHandler(mp.Meter("test"))
	if err != nil {
		t.Fatalf("NewMetricsHandler: %v", err)
	}

	h.Handle(runtime.Event{Kind: runtime.EventInferenceFailed, RunID: "run-1", Node: "plan.bad"})
	h.Handle(runtime.Event{
		Kind:    runtime.EventRunPaused,
		RunID:   "run-1",
		Payload: map[string]any{"reason": "breakpoint"},
	})
	h.Handle(runtime.Event{
		Kind:    runtime.EventRunPaused,
		RunID:   "run-1",
		Payload: map[string]any{"reason": "step"},
	})

	rm := collectMetrics(t, reader)

	if m := findMetric(rm, "psylens.node.failures"); m == nil || sumInt64(m) != 1 {
		t.Error("failure counter wrong")
	}
	if m := findMetric(rm, "psylens.run.pauses"); m == nil || sumInt64(m) != 2 {
		t.Error("pause counter wrong")
	}
}

func TestMetricsHandler_RunEndedRecordsDuration(t *testing.T) {
	reader, mp := newTestMeter()
	h, err := psyotel.NewMetricsHandler(mp.Meter("test"))
	if err != nil {
		t.Fatalf("NewMetricsHandler: %v", err)
	}

	h.Handle(runtime.Event{
		Kind:    runtime.EventRunCompleted,
		RunID:   "run-1",
		Elapsed: 2 * time.Second,
	})

	rm := collectMetrics(t, reader)
	m := findMetric(rm, "psylens.run.duration")
	if m == nil {
		t.Fatal("psylens.run.duration not recorded")
	}
	hist, ok := m.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("data type = %T", m.Data)
	}
	if len(hist.DataPoints) != 1 || hist.DataPoints[0].Sum != 2 {
		t.Errorf("run duration datapoints = %+v", hist.DataPoints)
	}
}
