package bus

import (
	"sync"

	"github.com/lys5588/psylens/runtime"
)

// MemBusConfig configures an in-memory event bus.
type MemBusConfig struct {
	// SubscriberBufferSize is the channel buffer size per subscriber (default: 256).
	SubscriberBufferSize int

	// HistorySize is the number of recent events retained for History
	// (default: 1024).
	HistorySize int
}

// MemBus is an in-memory event bus implementation. It keeps a bounded ring
// of recent events and per-kind publish counters for the monitoring surface.
type MemBus struct {
	mu         sync.RWMutex
	subs       map[string][]*memSub // runID -> subscribers
	globalSubs []*memSub            // subscribers for all runs
	bufSize    int
	closed     bool

	history  []runtime.Event // ring buffer, historyPos is the next write slot
	histPos  int
	histFull bool

	published uint64
	byKind    map[string]uint64
	dropped   uint64
}

// NewMemBus creates a new in-memory event bus with the given configuration.
func NewMemBus(config MemBusConfig) *MemBus {
	bufSize := config.SubscriberBufferSize
	if bufSize <= 0 {
		bufSize = 256
	}
	histSize := config.HistorySize
	if histSize <= 0 {
		histSize = 1024
	}
	return &MemBus{
		subs:    make(map[string][]*memSub),
		bufSize: bufSize,
		history: make([]runtime.Event, histSize),
		byKind:  make(map[string]uint64),
	}
}

// Publish sends an event to all matching subscribers. Run-specific
// subscribers receive events matching their run ID, and global subscribers
// receive all events. If the bus is closed, the event is silently dropped.
func (b *MemBus) Publish(event runtime.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.published++
	b.byKind[string(event.Kind)]++
	b.history[b.histPos] = event
	b.histPos++
	if b.histPos == len(b.history) {
		b.histPos = 0
		b.histFull = true
	}

	for _, sub := range b.subs[event.RunID] {
		if !sub.send(event) {
			b.dropped++
		}
	}
	for _, sub := range b.globalSubs {
		if !sub.send(event) {
			b.dropped++
		}
	}
}

// Subscribe registers a subscriber for a specific run.
// Returns a Subscription that must be closed when done.
func (b *MemBus) Subscribe(runID string) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := newMemSub(b, runID, false)
	b.subs[runID] = append(b.subs[runID], sub)
	return sub
}

// SubscribeAll registers a subscriber that receives events from all runs.
// Returns a Subscription that must be closed when done.
func (b *MemBus) SubscribeAll() Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := newMemSub(b, "", true)
	b.globalSubs = append(b.globalSubs, sub)
	return sub
}

// History returns the most recent events in publish order, newest last.
func (b *MemBus) History(limit int, kinds ...runtime.EventKind) []runtime.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var ordered []runtime.Event
	if b.histFull {
		ordered = append(ordered, b.history[b.histPos:]...)
	}
	ordered = append(ordered, b.history[:b.histPos]...)

	if len(kinds) > 0 {
		want := make(map[runtime.EventKind]bool, len(kinds))
		for _, k := range kinds {
			want[k] = true
		}
		filtered := ordered[:0:0]
		for _, e := range ordered {
			if want[e.Kind] {
				filtered = append(filtered, e)
			}
		}
		ordered = filtered
	}

	if limit > 0 && len(ordered) > limit {
		ordered = ordered[len(ordered)-limit:]
	}
	out := make([]runtime.Event, len(ordered))
	copy(out, ordered)
	return out
}

// Stats returns publish counters since the last reset.
func (b *MemBus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	byKind := make(map[string]uint64, len(b.byKind))
	for k, v := range b.byKind {
		byKind[k] = v
	}
	return Stats{
		TotalPublished: b.published,
		ByKind:         byKind,
		Dropped:        b.dropped,
	}
}

// ResetStats zeroes the publish counters. History is retained.
func (b *MemBus) ResetStats() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.published = 0
	b.dropped = 0
	b.byKind = make(map[string]uint64)
}

// Close shuts down the bus and all active subscriptions.
func (b *MemBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true

	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.close()
		}
	}
	for _, sub := range b.globalSubs {
		sub.close()
	}
	b.subs = make(map[string][]*memSub)
	b.globalSubs = nil
	return nil
}

// unsubscribe detaches a subscription so Publish stops visiting it.
func (b *MemBus) unsubscribe(s *memSub) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s.global {
		b.globalSubs = removeSub(b.globalSubs, s)
		return
	}
	remaining := removeSub(b.subs[s.runID], s)
	if len(remaining) == 0 {
		delete(b.subs, s.runID)
	} else {
		b.subs[s.runID] = remaining
	}
}

func removeSub(subs []*memSub, s *memSub) []*memSub {
	for i, cur := range subs {
		if cur == s {
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}

// memSub is an in-memory subscription.
type memSub struct {
	bus    *MemBus
	runID  string
	global bool

	ch     chan runtime.Event
	mu     sync.Mutex
	closed bool
}

func newMemSub(b *MemBus, runID string, global bool) *memSub {
	return &memSub{
		bus:    b,
		runID:  runID,
		global: global,
		ch:     make(chan runtime.Event, b.bufSize),
	}
}

// Events returns a channel of events for this subscription.
func (s *memSub) Events() <-chan runtime.Event {
	return s.ch
}

// Close detaches the subscription from the bus and closes its channel.
func (s *memSub) Close() error {
	s.bus.unsubscribe(s)
	s.close()
	return nil
}

// close performs the actual channel close, guarded against double-close.
func (s *memSub) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// send delivers an event to the subscription's channel. It reports false when
// the event was dropped because the buffer was full. A slow subscriber never
// blocks the publisher.
func (s *memSub) send(event runtime.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return true
	}

	select {
	case s.ch <- event:
		return true
	default:
		return false
	}
}

// Compile-time interface checks.
var _ EventBus = (*MemBus)(nil)
var _ Subscription = (*memSub)(nil)
