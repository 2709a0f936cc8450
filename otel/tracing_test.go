package otel_test

import (
	"testing"
	"time"

	otelcodes "go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	psyotel "github.com/lys5588/psylens/otel"
	"github.com/lys5588/psylens/runtime"
)

// newTestTracer returns a tracer backed by an in-memory span exporter.
func newTestTracer() (*tracetest.InMemoryExporter, *sdktrace.TracerProvider) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
	)
	return exporter, tp
}

func hasAttr(span tracetest.SpanStub, key, value string) bool {
	for _, attr := range span.Attributes {
		if string(attr.Key) == key && attr.Value.AsString() == value {
			return true
		}
	}
	return false
}

func TestTracingHandler_RunStartedCreatesRootSpan(t *testing.T) {
	exporter, tp := newTestTracer()
	h := psyotel.NewTracingHandler(tp.Tracer("test"))

	now := time.Now()

	h.Handle(runtime.Event{
		Kind:  runtime.EventRunStarted,
		RunID: "run-1",
		Time:  now,
		Payload: map[string]any{
			"plan_id": "myPlan",
		},
	})

	if !h.ActiveRunSpanContext("run-1").IsValid() {
		t.Fatal("expected valid run span context after run.started")
	}

	h.Handle(runtime.Event{
		Kind:    runtime.EventRunCompleted,
		RunID:   "run-1",
		Time:    now.Add(100 * time.Millisecond),
		Elapsed: 100 * time.Millisecond,
	})

	spans := exporter.GetSpans()
	if len(spans) == 0 {
		t.Fatal("expected at least one span")
	}

	runSpan := spans[0]
	if runSpan.Name != "run:myPlan" {
		t.Errorf("span name = %q, want run:myPlan", runSpan.Name)
	}
	if !hasAttr(runSpan, "psylens.run_id", "run-1") {
		t.Error("expected psylens.run_id attribute on run span")
	}
	if h.ActiveRunSpanContext("run-1").IsValid() {
		t.Error("run span context must be cleared after the run ends")
	}
}

func TestTracingHandler_NodeSpanIsChildOfRunSpan(t *testing.T) {
	exporter, tp := newTestTracer()
	h := psyotel.NewTracingHandler(tp.Tracer("test"))

	now := time.Now()
	h.Handle(runtime.Event{Kind: runtime.EventRunStarted, RunID: "run-1", Time: now})
	h.Handle(runtime.Event{Kind: runtime.EventInferenceStarted, RunID: "run-1", Node: "plan.n1", Time: now})

	nodeSC := h.ActiveSpanContext("run-1", "plan.n1")
	if !nodeSC.IsValid() {
		t.Fatal("expected valid node span context")
	}
	runSC := h.ActiveRunSpanContext("run-1")
	if nodeSC.TraceID() != runSC.TraceID() {
		t.Error("node span must share the run span's trace")
	}

	h.Handle(runtime.Event{
		Kind:    runtime.EventInferenceCompleted,
		RunID:   "run-1",
		Node:    "plan.n1",
		Time:    now.Add(time.Millisecond),
		Elapsed: time.Millisecond,
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d finished spans, want 1", len(spans))
	}
	if spans[0].Name != "inference:plan.n1" {
		t.Errorf("span name = %q", spans[0].Name)
	}
	if spans[0].Status.Code != otelcodes.Ok {
		t.Errorf("status = %v, want Ok", spans[0].Status.Code)
	}
}

func TestTracingHandler_NodeFailureMarksSpanError(t *testing.T) {
	exporter, tp := newTestTracer()
	h := psyotel.NewTracingHandler(tp.Tracer("test"))

	now := time.Now()
	h.Handle(runtime.Event{Kind: runtime.EventRunStarted, RunID: "run-1", Time: now})
	h.Handle(runtime.Event{Kind: runtime.EventInferenceStarted, RunID: "run-1", Node: "plan.bad", Time: now})
	h.Handle(runtime.Event{
		Kind:    runtime.EventInferenceFailed,
		RunID:   "run-1",
		Node:    "plan.bad",
		Time:    now.Add(time.Millisecond),
		Payload: map[string]any{"error": "inference exploded"},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d finished spans, want 1", len(spans))
	}
	if spans[0].Status.Code != otelcodes.Error {
		t.Errorf("status = %v, want Error", spans[0].Status.Code)
	}
	if spans[0].Status.Description != "inference exploded" {
		t.Errorf("description = %q", spans[0].Status.Description)
	}
}

func TestTracingHandler_PauseRecordedAsSpanEvent(t *testing.T) {
	exporter, tp := newTestTracer()
	h := psyotel.NewTracingHandler(tp.Tracer("test"))

	now := time.Now()
	h.Handle(runtime.Event{Kind: runtime.EventRunStarted, RunID: "run-1", Time: now})
	h.Handle(runtime.Event{
		Kind:    runtime.EventRunPaused,
		RunID:   "run-1",
		Node:    "plan.n2",
		Time:    now.Add(time.Millisecond),
		Payload: map[string]any{"reason": "breakpoint"},
	})
	h.Handle(runtime.Event{Kind: runtime.EventRunResumed, RunID: "run-1", Time: now.Add(2 * time.Millisecond)})
	h.Handle(runtime.Event{Kind: runtime.EventExecutionStopped, RunID: "run-1", Time: now.Add(3 * time.Millisecond)})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	events := spans[0].Events
	if len(events) != 2 {
		t.Fatalf("got %d span events, want 2", len(events))
	}
	if events[0].Name != "run.paused" || events[1].Name != "run.resumed" {
		t.Errorf("span events = %s, %s", events[0].Name, events[1].Name)
	}
}

func TestWrapEmitter_StampsTraceContext(t *testing.T) {
	_, tp := newTestTracer()
	h := psyotel.NewTracingHandler(tp.Tracer("test"))

	now := time.Now()
	h.Handle(runtime.Event{Kind: runtime.EventRunStarted, RunID: "run-1", Time: now})
	h.Handle(runtime.Event{Kind: runtime.EventInferenceStarted, RunID: "run-1", Node: "plan.n1", Time: now})

	var got runtime.Event
	emit := h.WrapEmitter(func(e runtime.Event) { got = e })

	emit(runtime.Event{Kind: runtime.EventInferenceCompleted, RunID: "run-1", Node: "plan.n1"})
	if got.TraceID == "" || got.SpanID == "" {
		t.Error("node event missing trace context")
	}
	nodeSpanID := got.SpanID

	// Run-level event falls back to the run span.
	emit(runtime.Event{Kind: runtime.EventExecutionProgress, RunID: "run-1"})
	if got.TraceID == "" {
		t.Error("run event missing trace context")
	}
	if got.SpanID == nodeSpanID {
		t.Error("run event must use the run span, not the node span")
	}

	// Unknown run passes through unchanged.
	emit(runtime.Event{Kind: runtime.EventRunStarted, RunID: "run-unknown"})
	if got.TraceID != "" {
		t.Errorf("unknown run stamped trace %q", got.TraceID)
	}
}
