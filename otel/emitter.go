package otel

import (
	"go.opentelemetry.io/otel/trace"

	"github.com/lys5588/psylens/runtime"
)

// WrapEmitter returns an emitter that stamps outgoing events with the trace
// and span IDs of the handler's live span for the event's scope before
// forwarding them. Events with no live span pass through untouched.
func (h *TracingHandler) WrapEmitter(emit runtime.EventEmitter) runtime.EventEmitter {
	return func(e runtime.Event) {
		if sc := h.spanContextFor(e); sc.IsValid() {
			e.TraceID = sc.TraceID().String()
			e.SpanID = sc.SpanID().String()
		}
		emit(e)
	}
}

// spanContextFor picks the most specific live span for an event: the node
// span when the event names a node, otherwise the run span.
func (h *TracingHandler) spanContextFor(e runtime.Event) trace.SpanContext {
	if e.Node != "" {
		if sc := h.ActiveSpanContext(e.RunID, e.Node); sc.IsValid() {
			return sc
		}
	}
	if e.RunID != "" {
		return h.ActiveRunSpanContext(e.RunID)
	}
	return trace.SpanContext{}
}
