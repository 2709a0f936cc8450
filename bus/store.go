package bus

import (
	"context"
	"log/slog"

	"github.com/lys5588/psylens/runtime"
)

// EventStore is the durable event log behind the stream replay cursor.
// Events are keyed by run and ordered by the runtime's per-run sequence
// number; Replay is the only read path observers use.
type EventStore interface {
	// Append persists one event.
	Append(ctx context.Context, event runtime.Event) error

	// Replay returns a run's events with Seq > afterSeq in sequence order.
	// afterSeq 0 replays from the beginning; limit 0 means no limit.
	Replay(ctx context.Context, runID string, afterSeq uint64, limit int) ([]runtime.Event, error)

	// LatestSeq returns the highest stored Seq for a run, or 0 when the
	// run has no events.
	LatestSeq(ctx context.Context, runID string) (uint64, error)

	// RunIDs lists the runs that have at least one stored event.
	RunIDs(ctx context.Context) ([]string, error)
}

// Persister bridges the bus to an EventStore: installed as an event handler,
// it appends every event it sees. Append failures are logged and swallowed;
// persistence must never stall the publish path.
type Persister struct {
	store  EventStore
	logger *slog.Logger
}

// NewPersister creates a Persister writing to store.
func NewPersister(store EventStore, logger *slog.Logger) *Persister {
	if logger == nil {
		logger = slog.Default()
	}
	return &Persister{store: store, logger: logger}
}

// Handle appends one event to the backing store.
func (p *Persister) Handle(event runtime.Event) {
	if err := p.store.Append(context.Background(), event); err != nil {
		p.logger.Error("event not persisted",
			"run_id", event.RunID,
			"kind", event.Kind,
			"seq", event.Seq,
			"error", err,
		)
	}
}
