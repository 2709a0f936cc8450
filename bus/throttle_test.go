package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/lys5588/psylens/runtime"
)

type captureEmitter struct {
	mu     sync.Mutex
	events []runtime.Event
}

func (c *captureEmitter) emit(e runtime.Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

func (c *captureEmitter) snapshot() []runtime.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]runtime.Event, len(c.events))
	copy(out, c.events)
	return out
}

func TestThrottledEmitter_PassesThroughNonProgressEvents(t *testing.T) {
	cap := &captureEmitter{}
	te := NewThrottledEmitter(cap.emit, ThrottleConfig{CoalesceInterval: time.Hour})
	defer te.Close()

	te.Emit(runtime.NewEvent(runtime.EventRunStarted, "run-a"))
	te.Emit(runtime.NewEvent(runtime.EventInferenceStarted, "run-a"))

	events := cap.snapshot()
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2 immediate", len(events))
	}
}

func TestThrottledEmitter_CoalescesProgressPerRun(t *testing.T) {
	cap := &captureEmitter{}
	te := NewThrottledEmitter(cap.emit, ThrottleConfig{CoalesceInterval: 20 * time.Millisecond})

	for i := 0; i < 10; i++ {
		e := runtime.NewEvent(runtime.EventExecutionProgress, "run-a")
		e.Seq = uint64(i + 1)
		te.Emit(e)
	}
	e := runtime.NewEvent(runtime.EventExecutionProgress, "run-b")
	e.Seq = 99
	te.Emit(e)

	// Close flushes whatever is pending.
	te.Close()

	events := cap.snapshot()
	byRun := map[string]int{}
	for _, e := range events {
		byRun[e.RunID]++
	}
	if byRun["run-a"] < 1 || byRun["run-b"] != 1 {
		t.Fatalf("per-run counts = %v", byRun)
	}
	// The run-a flush must carry the newest counters, not an earlier one.
	for _, e := range events {
		if e.RunID == "run-a" && e.Seq != 10 {
			t.Errorf("flushed stale progress event seq=%d, want 10", e.Seq)
		}
	}
}

func TestThrottledEmitter_HeldProgressPrecedesLaterEvents(t *testing.T) {
	cap := &captureEmitter{}
	te := NewThrottledEmitter(cap.emit, ThrottleConfig{CoalesceInterval: time.Hour})
	defer te.Close()

	progress := runtime.NewEvent(runtime.EventExecutionProgress, "run-a")
	progress.Seq = 5
	te.Emit(progress)

	completed := runtime.NewEvent(runtime.EventRunCompleted, "run-a")
	completed.Seq = 6
	te.Emit(completed)

	events := cap.snapshot()
	if len(events) != 2 {
		t.Fatalf("got %d events, want held progress plus run.completed", len(events))
	}
	if events[0].Kind != runtime.EventExecutionProgress || events[0].Seq != 5 {
		t.Errorf("first event = %s seq=%d, want execution.progress seq=5", events[0].Kind, events[0].Seq)
	}
	if events[1].Kind != runtime.EventRunCompleted {
		t.Errorf("second event = %s, want run.completed", events[1].Kind)
	}
	for i := 1; i < len(events); i++ {
		if events[i].Seq <= events[i-1].Seq {
			t.Fatalf("seq order broken: %d then %d", events[i-1].Seq, events[i].Seq)
		}
	}

	// Held progress for one run must not be flushed by another run's event.
	otherProgress := runtime.NewEvent(runtime.EventExecutionProgress, "run-b")
	te.Emit(otherProgress)
	te.Emit(runtime.NewEvent(runtime.EventInferenceStarted, "run-a"))
	for _, e := range cap.snapshot() {
		if e.RunID == "run-b" {
			t.Fatal("run-b progress flushed by run-a traffic")
		}
	}
}

func TestThrottledEmitter_PeriodicFlush(t *testing.T) {
	cap := &captureEmitter{}
	te := NewThrottledEmitter(cap.emit, ThrottleConfig{CoalesceInterval: 10 * time.Millisecond})
	defer te.Close()

	te.Emit(runtime.NewEvent(runtime.EventExecutionProgress, "run-a"))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(cap.snapshot()) == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("ticker never flushed the pending progress event")
}

func TestThrottledEmitter_DoubleClose(t *testing.T) {
	te := NewThrottledEmitter(func(runtime.Event) {}, ThrottleConfig{})
	te.Close()
	te.Close()
}
