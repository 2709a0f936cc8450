// Package runtime provides the run execution engine for Psylens inference
// plans: the per-run state machine, the execution loop with live-debugging
// controls, and the event model broadcast to observers.
package runtime

import (
	"time"
)

// EventKind identifies the type of event emitted by a run.
type EventKind string

const (
	// EventRunStarted is emitted when a run begins executing.
	EventRunStarted EventKind = "run.started"

	// EventRunCompleted is emitted when every node reached a terminal status
	// with no failures. Payload: result.
	EventRunCompleted EventKind = "run.completed"

	// EventRunFailed is emitted when a node's execution raises an
	// unrecovered error. Payload: error.
	EventRunFailed EventKind = "run.failed"

	// EventRunPaused is emitted when the run transitions to paused at a node
	// boundary. Payload: reason (pause, breakpoint, run_to, step), node.
	EventRunPaused EventKind = "run.paused"

	// EventRunResumed is emitted when a paused run resumes. Payload: mode.
	EventRunResumed EventKind = "run.resumed"

	// EventExecutionStopped is emitted when an operator stops the run.
	EventExecutionStopped EventKind = "execution.stopped"

	// EventNodeStatuses carries a full snapshot of per-node statuses.
	// Payload: statuses.
	EventNodeStatuses EventKind = "node.statuses"

	// EventInferenceStarted is emitted when a node begins execution.
	EventInferenceStarted EventKind = "inference.started"

	// EventInferenceCompleted is emitted when a node completes successfully.
	EventInferenceCompleted EventKind = "inference.completed"

	// EventInferenceFailed is emitted when a node fails.
	EventInferenceFailed EventKind = "inference.failed"

	// EventInferenceError carries the error detail for a failed node.
	// Payload: error.
	EventInferenceError EventKind = "inference.error"

	// EventExecutionProgress carries progress counters.
	// Payload: completed_count, total_count, cycle_count.
	EventExecutionProgress EventKind = "execution.progress"

	// EventCycleStarted is emitted at the start of each execution cycle.
	EventCycleStarted EventKind = "cycle.started"

	// EventCycleCompleted is emitted at the end of each execution cycle.
	EventCycleCompleted EventKind = "cycle.completed"

	// EventRunConnected is the synthesized snapshot delivered to a
	// subscriber on attach, before any live events.
	// Payload: status, statuses, completed_count, total_count, cycle_count.
	EventRunConnected EventKind = "run.connected"

	// EventMonitorConnected is the synthesized snapshot for global monitor
	// subscribers. Payload: stats, active_runs.
	EventMonitorConnected EventKind = "monitor.connected"

	// EventCompositionStarted is emitted when a node's step composition
	// begins. Payload: steps, return_key.
	EventCompositionStarted EventKind = "composition.started"

	// EventCompositionStep is emitted before each composition step runs.
	// Payload: step, output_key, function.
	EventCompositionStep EventKind = "composition.step"

	// EventCompositionStepFailed is emitted when a composition step fails.
	// Payload: step, output_key, error.
	EventCompositionStepFailed EventKind = "composition.step_failed"

	// EventCompositionCompleted is emitted when a composition finishes.
	// Payload: return_key.
	EventCompositionCompleted EventKind = "composition.completed"
)

// String returns the string representation of the EventKind.
func (k EventKind) String() string {
	return string(k)
}

// Terminal reports whether the kind ends a run's event stream.
func (k EventKind) Terminal() bool {
	switch k {
	case EventRunCompleted, EventRunFailed, EventExecutionStopped:
		return true
	}
	return false
}

// Event is a structured, streamable record of what happened during execution.
// Events are immutable once published; ordering is FIFO per producing run.
type Event struct {
	// Kind identifies the event type.
	Kind EventKind

	// RunID is the unique identifier for this run (empty for server-wide
	// events such as monitor.connected).
	RunID string

	// Node is the address of the node that produced this event (empty for
	// run-level events).
	Node string

	// Time is when the event occurred.
	Time time.Time

	// Elapsed is the duration since the run started.
	Elapsed time.Duration

	// Payload contains event-specific data. Keep it small.
	Payload map[string]any

	// Seq is a monotonic sequence number per run (1-indexed).
	Seq uint64

	// TraceID is the OpenTelemetry trace ID (hex, empty when OTel inactive).
	TraceID string

	// SpanID is the OpenTelemetry span ID (hex, empty when OTel inactive).
	SpanID string
}

// NewEvent creates a new event with the current timestamp.
func NewEvent(kind EventKind, runID string) Event {
	return Event{
		Kind:    kind,
		RunID:   runID,
		Time:    time.Now(),
		Payload: make(map[string]any),
	}
}

// WithNode sets the node address on the event.
func (e Event) WithNode(addr string) Event {
	e.Node = addr
	return e
}

// WithElapsed sets the elapsed duration on the event.
func (e Event) WithElapsed(elapsed time.Duration) Event {
	e.Elapsed = elapsed
	return e
}

// WithPayload adds a key-value pair to the event payload.
func (e Event) WithPayload(key string, value any) Event {
	if e.Payload == nil {
		e.Payload = make(map[string]any)
	}
	e.Payload[key] = value
	return e
}

// EventEmitter is a function type for emitting events.
type EventEmitter func(Event)

// EventEmitterDecorator wraps an emitter to add cross-cutting behavior,
// for example enriching events with trace metadata.
type EventEmitterDecorator func(EventEmitter) EventEmitter

// EventPublisher can publish events to external subscribers. It is satisfied
// by bus.EventBus, letting the runtime distribute events without importing
// the bus package.
type EventPublisher interface {
	Publish(event Event)
}

// EventHandler is a function type for handling events. Implementations can
// log, store, or forward events as needed.
type EventHandler func(Event)

// MultiEventHandler combines multiple handlers into one.
func MultiEventHandler(handlers ...EventHandler) EventHandler {
	return func(e Event) {
		for _, h := range handlers {
			if h != nil {
				h(e)
			}
		}
	}
}

// ChannelEventHandler returns a handler that sends events to a channel.
// Events are dropped if the channel is full.
func ChannelEventHandler(ch chan<- Event) EventHandler {
	return func(e Event) {
		select {
		case ch <- e:
		default:
			// Drop event if channel is full
		}
	}
}
