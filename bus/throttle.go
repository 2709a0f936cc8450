package bus

import (
	"sync"
	"time"

	"github.com/lys5588/psylens/runtime"
)

// ThrottleConfig controls the behavior of ThrottledEmitter.
type ThrottleConfig struct {
	// CoalesceInterval is how often to flush coalesced progress events.
	// Default: 100ms
	CoalesceInterval time.Duration
}

// ThrottledEmitter wraps a runtime.EventEmitter and coalesces high-frequency
// execution.progress events. Progress events are coalesced per run: only the
// latest counters for each run are kept within each coalesce interval. A
// background ticker flushes coalesced progress at the configured interval.
// Any other event for a run first flushes that run's held progress, so
// per-run Seq order is preserved on the way out.
type ThrottledEmitter struct {
	emit     runtime.EventEmitter
	interval time.Duration

	mu      sync.Mutex
	pending map[string]runtime.Event // runID -> latest progress event
	closed  bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewThrottledEmitter creates a new ThrottledEmitter that wraps the given
// emitter and coalesces EventExecutionProgress events at the configured interval.
func NewThrottledEmitter(emit runtime.EventEmitter, cfg ThrottleConfig) *ThrottledEmitter {
	interval := cfg.CoalesceInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	te := &ThrottledEmitter{
		emit:     emit,
		interval: interval,
		pending:  make(map[string]runtime.Event),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	go te.run()

	return te
}

// Emit sends an event through the throttled emitter. Progress events
// (EventExecutionProgress) are coalesced: only the latest counters per run
// are kept and flushed at the configured interval. Everything else passes
// through immediately, preceded by the run's held progress event if one is
// pending: letting a later event overtake held progress would leave the
// progress below downstream Seq cursors and it would be dropped.
func (te *ThrottledEmitter) Emit(e runtime.Event) {
	if e.Kind != runtime.EventExecutionProgress {
		te.mu.Lock()
		held, ok := te.pending[e.RunID]
		if ok {
			delete(te.pending, e.RunID)
		}
		te.mu.Unlock()
		if ok {
			te.emit(held)
		}
		te.emit(e)
		return
	}

	te.mu.Lock()
	defer te.mu.Unlock()

	if te.closed {
		return
	}

	te.pending[e.RunID] = e
}

// Close flushes any pending progress events and stops the background ticker.
// It is safe to call Close multiple times.
func (te *ThrottledEmitter) Close() {
	te.mu.Lock()
	if te.closed {
		te.mu.Unlock()
		return
	}
	te.closed = true
	te.mu.Unlock()

	close(te.stopCh)
	<-te.doneCh
}

// run is the background goroutine that periodically flushes coalesced
// progress events.
func (te *ThrottledEmitter) run() {
	defer close(te.doneCh)

	ticker := time.NewTicker(te.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			te.flush()
		case <-te.stopCh:
			// Flush any remaining pending events before exiting.
			te.flush()
			return
		}
	}
}

// flush sends all pending coalesced progress events to the wrapped emitter
// and clears the pending map.
func (te *ThrottledEmitter) flush() {
	te.mu.Lock()
	if len(te.pending) == 0 {
		te.mu.Unlock()
		return
	}

	// Swap out the pending map so we can release the lock during emission.
	toFlush := te.pending
	te.pending = make(map[string]runtime.Event)
	te.mu.Unlock()

	for _, e := range toFlush {
		te.emit(e)
	}
}
