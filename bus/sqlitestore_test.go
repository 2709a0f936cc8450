package bus

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/lys5588/psylens/runtime"
)

// testDSN returns a unique shared-memory DSN for test isolation.
func testDSN(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
}

func newTestStore(t *testing.T, cfg ...SQLiteStoreConfig) *SQLiteEventStore {
	t.Helper()
	var c SQLiteStoreConfig
	if len(cfg) > 0 {
		c = cfg[0]
	}
	if c.DSN == "" {
		c.DSN = testDSN(t)
	}
	store, err := NewSQLiteEventStore(c)
	if err != nil {
		t.Fatalf("NewSQLiteEventStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func makeEvent(runID string, seq uint64, kind runtime.EventKind) runtime.Event {
	e := runtime.NewEvent(kind, runID)
	e.Seq = seq
	return e
}

func TestSQLiteEventStore_AppendReplay(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := uint64(1); i <= 5; i++ {
		e := makeEvent("run-1", i, runtime.EventInferenceStarted)
		e.Node = fmt.Sprintf("node-%d", i)
		e.Elapsed = time.Duration(i) * time.Millisecond
		e.TraceID = "trace-abc"
		e.SpanID = "span-def"
		e.Payload = map[string]any{"index": float64(i)}
		if err := store.Append(ctx, e); err != nil {
			t.Fatalf("Append(%d): %v", i, err)
		}
	}

	events, err := store.Replay(ctx, "run-1", 0, 0)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("got %d events, want 5", len(events))
	}

	// Verify round-trip fidelity.
	e := events[0]
	if e.RunID != "run-1" || e.Seq != 1 {
		t.Errorf("identity = %s/%d, want run-1/1", e.RunID, e.Seq)
	}
	if e.Kind != runtime.EventInferenceStarted {
		t.Errorf("Kind = %q, want inference.started", e.Kind)
	}
	if e.Node != "node-1" {
		t.Errorf("Node = %q, want node-1", e.Node)
	}
	if e.Elapsed != time.Millisecond {
		t.Errorf("Elapsed = %v, want 1ms", e.Elapsed)
	}
	if e.TraceID != "trace-abc" || e.SpanID != "span-def" {
		t.Errorf("trace = %s/%s", e.TraceID, e.SpanID)
	}
	if e.Payload["index"] != float64(1) {
		t.Errorf("Payload = %v", e.Payload)
	}
}

func TestSQLiteEventStore_ReplayAfterSeqAndLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := uint64(1); i <= 10; i++ {
		if err := store.Append(ctx, makeEvent("run-1", i, runtime.EventExecutionProgress)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	events, err := store.Replay(ctx, "run-1", 7, 0)
	if err != nil {
		t.Fatalf("Replay after: %v", err)
	}
	if len(events) != 3 || events[0].Seq != 8 {
		t.Errorf("after=7: got %d events starting at %d, want 3 from 8", len(events), events[0].Seq)
	}

	events, err = store.Replay(ctx, "run-1", 0, 4)
	if err != nil {
		t.Fatalf("Replay limit: %v", err)
	}
	if len(events) != 4 || events[3].Seq != 4 {
		t.Errorf("limit=4: got %d events", len(events))
	}
}

func TestSQLiteEventStore_LatestSeq(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seq, err := store.LatestSeq(ctx, "missing")
	if err != nil || seq != 0 {
		t.Fatalf("missing run: seq=%d err=%v", seq, err)
	}

	for i := uint64(1); i <= 3; i++ {
		if err := store.Append(ctx, makeEvent("run-1", i, runtime.EventCycleStarted)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	seq, err = store.LatestSeq(ctx, "run-1")
	if err != nil || seq != 3 {
		t.Fatalf("seq=%d err=%v, want 3", seq, err)
	}
}

func TestSQLiteEventStore_RunIDs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, runID := range []string{"run-b", "run-a", "run-b"} {
		if err := store.Append(ctx, makeEvent(runID, 1, runtime.EventRunStarted)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	ids, err := store.RunIDs(ctx)
	if err != nil {
		t.Fatalf("RunIDs: %v", err)
	}
	if len(ids) != 2 || ids[0] != "run-a" || ids[1] != "run-b" {
		t.Errorf("ids = %v", ids)
	}
}

func TestSQLiteEventStore_PruneByCount(t *testing.T) {
	store := newTestStore(t, SQLiteStoreConfig{
		DSN:            testDSN(t),
		RetentionCount: 3,
		PruneInterval:  time.Hour,
	})
	ctx := context.Background()

	for i := uint64(1); i <= 10; i++ {
		if err := store.Append(ctx, makeEvent("run-1", i, runtime.EventExecutionProgress)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := store.Prune(ctx); err != nil {
		t.Fatalf("Prune: %v", err)
	}

	events, err := store.Replay(ctx, "run-1", 0, 0)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(events) != 3 || events[0].Seq != 8 {
		t.Errorf("after prune: %d events starting at seq %d, want 3 from 8", len(events), events[0].Seq)
	}
}

func TestPersister_AppendsEveryEvent(t *testing.T) {
	store := NewMemEventStore()
	sub := NewPersister(store, nil)

	sub.Handle(makeEvent("run-1", 1, runtime.EventRunStarted))
	sub.Handle(makeEvent("run-1", 2, runtime.EventRunCompleted))

	events, err := store.Replay(context.Background(), "run-1", 0, 0)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
}
