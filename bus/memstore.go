package bus

import (
	"context"
	"sort"
	"sync"

	"github.com/lys5588/psylens/runtime"
)

// MemEventStore keeps one append-only event log per run in memory. It backs
// tests and serve mode when no SQLite path is configured.
type MemEventStore struct {
	mu   sync.RWMutex
	logs map[string]*runLog
}

// runLog is a single run's event history. Events arrive in ascending Seq
// order, which Replay relies on for its cursor search.
type runLog struct {
	events []runtime.Event
	latest uint64
}

// NewMemEventStore creates an empty in-memory event store.
func NewMemEventStore() *MemEventStore {
	return &MemEventStore{logs: make(map[string]*runLog)}
}

func (s *MemEventStore) Append(_ context.Context, event runtime.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.logs[event.RunID]
	if log == nil {
		log = &runLog{}
		s.logs[event.RunID] = log
	}
	log.events = append(log.events, event)
	if event.Seq > log.latest {
		log.latest = event.Seq
	}
	return nil
}

func (s *MemEventStore) Replay(_ context.Context, runID string, afterSeq uint64, limit int) ([]runtime.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.logs[runID]
	if log == nil {
		return nil, nil
	}
	start := sort.Search(len(log.events), func(i int) bool {
		return log.events[i].Seq > afterSeq
	})
	tail := log.events[start:]
	if limit > 0 && len(tail) > limit {
		tail = tail[:limit]
	}
	out := make([]runtime.Event, len(tail))
	copy(out, tail)
	return out, nil
}

func (s *MemEventStore) LatestSeq(_ context.Context, runID string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if log := s.logs[runID]; log != nil {
		return log.latest, nil
	}
	return 0, nil
}

func (s *MemEventStore) RunIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.logs))
	for id := range s.logs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Compile-time interface check.
var _ EventStore = (*MemEventStore)(nil)
