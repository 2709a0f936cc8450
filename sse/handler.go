// Package sse provides Server-Sent Events handlers for streaming run
// execution events to HTTP clients. The run stream replays stored events and
// then follows the live bus; the monitor stream follows all runs.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/lys5588/psylens/bus"
	"github.com/lys5588/psylens/runtime"
)

// KeepaliveInterval is the interval between SSE keepalive comments.
const KeepaliveInterval = 30 * time.Second

// StateProvider resolves run state snapshots for connection events.
// runtime.Registry satisfies it.
type StateProvider interface {
	StateOf(runID string) (runtime.RunState, error)
	List() []runtime.RunState
	ActiveCount() int
}

// sseEvent is the JSON-serializable representation of a runtime event
// sent over the SSE stream.
type sseEvent struct {
	Kind      string         `json:"kind"`
	RunID     string         `json:"run_id,omitempty"`
	Node      string         `json:"node,omitempty"`
	Time      time.Time      `json:"time"`
	ElapsedMs int64          `json:"elapsed_ms"`
	Payload   map[string]any `json:"payload"`
	Seq       uint64         `json:"seq"`
	TraceID   string         `json:"trace_id,omitempty"`
	SpanID    string         `json:"span_id,omitempty"`
}

func toSSEEvent(e runtime.Event) sseEvent {
	return sseEvent{
		Kind:      string(e.Kind),
		RunID:     e.RunID,
		Node:      e.Node,
		Time:      e.Time,
		ElapsedMs: e.Elapsed.Milliseconds(),
		Payload:   e.Payload,
		Seq:       e.Seq,
		TraceID:   e.TraceID,
		SpanID:    e.SpanID,
	}
}

// RunHandler serves an SSE stream of execution events for a single run.
//
// On attach it first sends a synthesized run.connected event carrying the
// run's current state, then replays stored events from the EventStore, then
// follows live events from the EventBus. Duplicate events (by sequence
// number) are skipped; an optional "after" query parameter sets the
// last-seen sequence cursor so reconnecting clients resume without replaying
// the full history.
//
// SSE format:
//
//	id: {seq}
//	event: {kind}
//	data: {json}
//
// A keepalive comment ": keepalive\n\n" is sent every 30 seconds. The stream
// closes after a terminal event (run.completed, run.failed,
// execution.stopped) or when the client disconnects.
type RunHandler struct {
	store  bus.EventStore
	bus    bus.EventBus
	states StateProvider
}

// NewRunHandler creates a run stream handler.
func NewRunHandler(store bus.EventStore, eb bus.EventBus, states StateProvider) *RunHandler {
	return &RunHandler{
		store:  store,
		bus:    eb,
		states: states,
	}
}

// ServeHTTP implements http.Handler. It streams events for the run identified
// by the "run_id" path value.
func (h *RunHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if runID == "" {
		http.Error(w, "missing run_id", http.StatusBadRequest)
		return
	}

	state, err := h.states.StateOf(runID)
	if err != nil {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	// Parse optional ?after= cursor.
	var afterSeq uint64
	if afterStr := r.URL.Query().Get("after"); afterStr != "" {
		parsed, err := strconv.ParseUint(afterStr, 10, 64)
		if err != nil {
			http.Error(w, "invalid after parameter", http.StatusBadRequest)
			return
		}
		afterSeq = parsed
	}

	writeSSEHeaders(w)
	flusher.Flush()

	ctx := r.Context()

	// Subscribe to live events before replaying stored events, to avoid
	// missing events that arrive between replay and subscription.
	sub := h.bus.Subscribe(runID)
	defer sub.Close()

	// Phase 0: synthesized connection snapshot, never persisted.
	connected := runtime.NewEvent(runtime.EventRunConnected, runID).
		WithPayload("status", state.Status).
		WithPayload("statuses", state.NodeStatuses).
		WithPayload("completed_count", state.CompletedCount).
		WithPayload("total_count", state.TotalCount).
		WithPayload("cycle_count", state.CycleCount)
	if err := writeSSEEvent(w, connected); err != nil {
		return
	}
	flusher.Flush()

	// Phase 1: replay stored events.
	lastSeq := afterSeq
	finished, err := h.replayStored(ctx, w, flusher, runID, afterSeq, &lastSeq)
	if err != nil || finished {
		return
	}

	// Phase 2: follow live events with keepalive.
	streamLive(ctx, w, flusher, sub, &lastSeq, true)
}

// replayStored replays events from the store, writing them to the SSE stream.
// It returns true if a terminal event was sent (stream should close) or
// if the context was cancelled.
func (h *RunHandler) replayStored(
	ctx context.Context,
	w http.ResponseWriter,
	flusher http.Flusher,
	runID string,
	afterSeq uint64,
	lastSeq *uint64,
) (finished bool, err error) {
	events, err := h.store.Replay(ctx, runID, afterSeq, 0)
	if err != nil {
		return false, err
	}

	for _, evt := range events {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}

		if err := writeSSEEvent(w, evt); err != nil {
			return false, err
		}
		flusher.Flush()

		if evt.Seq > *lastSeq {
			*lastSeq = evt.Seq
		}

		if evt.Kind.Terminal() {
			return true, nil
		}
	}

	return false, nil
}

// MonitorHandler serves a global SSE stream across all runs. On attach it
// sends a synthesized monitor.connected event with bus statistics and the
// current run list, then follows every published event. The stream never
// terminates on run completion; only client disconnect ends it.
type MonitorHandler struct {
	bus    bus.EventBus
	states StateProvider
}

// NewMonitorHandler creates a monitor stream handler.
func NewMonitorHandler(eb bus.EventBus, states StateProvider) *MonitorHandler {
	return &MonitorHandler{bus: eb, states: states}
}

// ServeHTTP implements http.Handler.
func (h *MonitorHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	writeSSEHeaders(w)
	flusher.Flush()

	sub := h.bus.SubscribeAll()
	defer sub.Close()

	runs := h.states.List()
	runIDs := make([]string, 0, len(runs))
	for _, rs := range runs {
		runIDs = append(runIDs, rs.RunID)
	}
	connected := runtime.NewEvent(runtime.EventMonitorConnected, "").
		WithPayload("stats", h.bus.Stats()).
		WithPayload("active_runs", h.states.ActiveCount()).
		WithPayload("runs", runIDs)
	if err := writeSSEEvent(w, connected); err != nil {
		return
	}
	flusher.Flush()

	var lastSeq uint64
	streamLive(r.Context(), w, flusher, sub, &lastSeq, false)
}

// streamLive streams events from a live subscription, deduplicating against
// already-sent sequence numbers when dedup is enabled. When closeOnTerminal
// is set the stream ends after a terminal event.
func streamLive(
	ctx context.Context,
	w http.ResponseWriter,
	flusher http.Flusher,
	sub bus.Subscription,
	lastSeq *uint64,
	closeOnTerminal bool,
) {
	keepalive := time.NewTicker(KeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case evt, ok := <-sub.Events():
			if !ok {
				// Subscription closed.
				return
			}

			// Dedup: skip events already sent during replay. The monitor
			// stream interleaves runs, so dedup only applies per-run streams.
			if closeOnTerminal && evt.Seq <= *lastSeq {
				continue
			}

			if err := writeSSEEvent(w, evt); err != nil {
				return
			}
			flusher.Flush()

			*lastSeq = evt.Seq

			if closeOnTerminal && evt.Kind.Terminal() {
				return
			}

		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
}

// writeSSEEvent writes a single event in SSE format.
func writeSSEEvent(w http.ResponseWriter, evt runtime.Event) error {
	data, err := json.Marshal(toSSEEvent(evt))
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", evt.Seq, evt.Kind, data)
	return err
}
