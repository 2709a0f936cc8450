// Package otel provides OpenTelemetry integration for Psylens runtime events.
package otel

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/lys5588/psylens/runtime"
)

// TracingHandler translates Psylens runtime events into OpenTelemetry spans.
// It maintains maps of active run and node spans, creating and ending them
// based on event kind. Pause and resume show up as span events on the run
// span, so a paused debugging session is visible on the trace timeline.
type TracingHandler struct {
	tracer trace.Tracer

	mu        sync.RWMutex
	runSpans  map[string]trace.Span      // runID -> span
	runCtxs   map[string]context.Context // runID -> context (for child spans)
	nodeSpans map[string]trace.Span      // runID:node -> span
}

// NewTracingHandler creates a new TracingHandler that uses the given tracer
// to create spans from runtime events.
func NewTracingHandler(tracer trace.Tracer) *TracingHandler {
	return &TracingHandler{
		tracer:    tracer,
		runSpans:  make(map[string]trace.Span),
		runCtxs:   make(map[string]context.Context),
		nodeSpans: make(map[string]trace.Span),
	}
}

// Handle processes a runtime event and creates or ends spans accordingly.
// It implements runtime.EventHandler semantics.
func (h *TracingHandler) Handle(e runtime.Event) {
	switch e.Kind {
	case runtime.EventRunStarted:
		h.handleRunStarted(e)
	case runtime.EventInferenceStarted:
		h.handleNodeStarted(e)
	case runtime.EventInferenceCompleted:
		h.handleNodeCompleted(e)
	case runtime.EventInferenceFailed:
		h.handleNodeFailed(e)
	case runtime.EventRunPaused, runtime.EventRunResumed:
		h.handleRunSpanEvent(e)
	case runtime.EventRunCompleted, runtime.EventRunFailed, runtime.EventExecutionStopped:
		h.handleRunEnded(e)
	}
}

// handleRunStarted creates a root span for the run.
func (h *TracingHandler) handleRunStarted(e runtime.Event) {
	planID := ""
	if name, ok := e.Payload["plan_id"]; ok {
		if s, ok := name.(string); ok {
			planID = s
		}
	}

	spanName := "run:" + e.RunID
	if planID != "" {
		spanName = "run:" + planID
	}

	ctx, span := h.tracer.Start(context.Background(), spanName,
		trace.WithAttributes(
			attribute.String("psylens.run_id", e.RunID),
		),
		trace.WithTimestamp(e.Time),
	)

	if planID != "" {
		span.SetAttributes(attribute.String("psylens.plan_id", planID))
	}

	h.mu.Lock()
	h.runSpans[e.RunID] = span
	h.runCtxs[e.RunID] = ctx
	h.mu.Unlock()
}

// handleNodeStarted creates a child span under the run span.
func (h *TracingHandler) handleNodeStarted(e runtime.Event) {
	h.mu.RLock()
	parentCtx, ok := h.runCtxs[e.RunID]
	h.mu.RUnlock()

	if !ok {
		// No parent run span; start from background context.
		parentCtx = context.Background()
	}

	_, span := h.tracer.Start(parentCtx, "inference:"+e.Node,
		trace.WithAttributes(
			attribute.String("psylens.run_id", e.RunID),
			attribute.String("psylens.node", e.Node),
		),
		trace.WithTimestamp(e.Time),
	)

	key := e.RunID + ":" + e.Node
	h.mu.Lock()
	h.nodeSpans[key] = span
	h.mu.Unlock()
}

// handleNodeCompleted ends the node span with success status.
func (h *TracingHandler) handleNodeCompleted(e runtime.Event) {
	key := e.RunID + ":" + e.Node

	h.mu.Lock()
	span, ok := h.nodeSpans[key]
	if ok {
		delete(h.nodeSpans, key)
	}
	h.mu.Unlock()

	if ok {
		span.SetAttributes(
			attribute.String("psylens.duration", e.Elapsed.String()),
		)
		span.SetStatus(codes.Ok, "")
		span.End(trace.WithTimestamp(e.Time))
	}
}

// handleNodeFailed ends the node span with error status.
func (h *TracingHandler) handleNodeFailed(e runtime.Event) {
	key := e.RunID + ":" + e.Node

	h.mu.Lock()
	span, ok := h.nodeSpans[key]
	if ok {
		delete(h.nodeSpans, key)
	}
	h.mu.Unlock()

	if ok {
		errMsg := "unknown error"
		if msg, found := e.Payload["error"]; found {
			if s, ok := msg.(string); ok {
				errMsg = s
			}
		}
		span.SetStatus(codes.Error, errMsg)
		span.RecordError(
			spanError(errMsg),
			trace.WithTimestamp(e.Time),
		)
		span.End(trace.WithTimestamp(e.Time))
	}
}

// handleRunSpanEvent records pause and resume as events on the run span.
func (h *TracingHandler) handleRunSpanEvent(e runtime.Event) {
	h.mu.RLock()
	span, ok := h.runSpans[e.RunID]
	h.mu.RUnlock()

	if !ok {
		return
	}

	attrs := []attribute.KeyValue{}
	if reason, found := e.Payload["reason"]; found {
		if s, ok := reason.(string); ok {
			attrs = append(attrs, attribute.String("psylens.reason", s))
		}
	}
	if e.Node != "" {
		attrs = append(attrs, attribute.String("psylens.node", e.Node))
	}

	span.AddEvent(string(e.Kind), trace.WithTimestamp(e.Time), trace.WithAttributes(attrs...))
}

// handleRunEnded ends the root run span.
func (h *TracingHandler) handleRunEnded(e runtime.Event) {
	h.mu.Lock()
	span, ok := h.runSpans[e.RunID]
	if ok {
		delete(h.runSpans, e.RunID)
		delete(h.runCtxs, e.RunID)
	}
	h.mu.Unlock()

	if ok {
		span.SetAttributes(
			attribute.String("psylens.duration", e.Elapsed.String()),
			attribute.String("psylens.outcome", string(e.Kind)),
		)

		if e.Kind == runtime.EventRunFailed {
			errMsg := "run failed"
			if msg, found := e.Payload["error"]; found {
				if s, ok := msg.(string); ok {
					errMsg = s
				}
			}
			span.SetStatus(codes.Error, errMsg)
		} else {
			span.SetStatus(codes.Ok, "")
		}

		span.End(trace.WithTimestamp(e.Time))
	}
}

// ActiveSpanContext returns the SpanContext for the active node span
// identified by runID and node address. Returns an empty SpanContext if not
// found.
func (h *TracingHandler) ActiveSpanContext(runID, node string) trace.SpanContext {
	key := runID + ":" + node

	h.mu.RLock()
	span, ok := h.nodeSpans[key]
	h.mu.RUnlock()

	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

// ActiveRunSpanContext returns the SpanContext for the active run span
// identified by runID. Returns an empty SpanContext if not found.
func (h *TracingHandler) ActiveRunSpanContext(runID string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.runSpans[runID]
	h.mu.RUnlock()

	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

// spanError is a simple error type for recording span errors.
type spanError string

func (e spanError) Error() string { return string(e) }
