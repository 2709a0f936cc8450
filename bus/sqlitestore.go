package bus

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lys5588/psylens/runtime"

	_ "modernc.org/sqlite"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

const eventColumns = "run_id, seq, kind, node, ts_ns, elapsed_ns, payload, trace_id, span_id"

// SQLiteStoreConfig configures the SQLite event store.
type SQLiteStoreConfig struct {
	// DSN is the database connection string.
	DSN string

	// RetentionAge drops events older than this (0 disables age pruning).
	RetentionAge time.Duration

	// RetentionCount keeps at most this many events per run (0 disables
	// count pruning).
	RetentionCount int

	// PruneInterval is how often the retention pass runs (default 1 hour).
	PruneInterval time.Duration
}

// SQLiteEventStore is the durable EventStore. Timestamps are stored as unix
// nanoseconds and (run_id, seq) is unique, so a re-appended event surfaces
// as a constraint error instead of a duplicate row. The database runs in WAL
// mode so replay reads never block the append path.
type SQLiteEventStore struct {
	db   *sql.DB
	cfg  SQLiteStoreConfig
	stop chan struct{}
	done chan struct{}
}

// NewSQLiteEventStore opens (or creates) a SQLite event store and starts the
// retention pruner when any retention limit is configured.
func NewSQLiteEventStore(cfg SQLiteStoreConfig) (*SQLiteEventStore, error) {
	if cfg.PruneInterval == 0 {
		cfg.PruneInterval = time.Hour
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("event store: open %q: %w", cfg.DSN, err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("event store: enable WAL: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("event store: apply schema: %w", err)
	}

	s := &SQLiteEventStore{
		db:   db,
		cfg:  cfg,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	if cfg.RetentionAge > 0 || cfg.RetentionCount > 0 {
		go s.pruneLoop()
	} else {
		close(s.done)
	}
	return s, nil
}

// Append stores one event.
func (s *SQLiteEventStore) Append(ctx context.Context, event runtime.Event) error {
	payloadJSON, err := encodePayload(event.Payload)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO events ("+eventColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
		event.RunID,
		event.Seq,
		string(event.Kind),
		event.Node,
		event.Time.UnixNano(),
		int64(event.Elapsed),
		payloadJSON,
		event.TraceID,
		event.SpanID,
	)
	if err != nil {
		return fmt.Errorf("event store: append seq %d for run %s: %w", event.Seq, event.RunID, err)
	}
	return nil
}

// Replay returns a run's events with Seq > afterSeq in sequence order.
func (s *SQLiteEventStore) Replay(ctx context.Context, runID string, afterSeq uint64, limit int) ([]runtime.Event, error) {
	query := "SELECT " + eventColumns + " FROM events WHERE run_id = ? AND seq > ? ORDER BY seq"
	args := []any{runID, afterSeq}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("event store: replay run %s: %w", runID, err)
	}
	defer rows.Close()

	var events []runtime.Event
	for rows.Next() {
		e, err := rowToEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// LatestSeq returns the highest stored Seq for a run, or 0 when the run has
// no events.
func (s *SQLiteEventStore) LatestSeq(ctx context.Context, runID string) (uint64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		"SELECT MAX(seq) FROM events WHERE run_id = ?", runID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("event store: latest seq for run %s: %w", runID, err)
	}
	if !seq.Valid || seq.Int64 < 0 {
		return 0, nil
	}
	return uint64(seq.Int64), nil
}

// RunIDs lists the runs that have at least one stored event.
func (s *SQLiteEventStore) RunIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT DISTINCT run_id FROM events ORDER BY run_id")
	if err != nil {
		return nil, fmt.Errorf("event store: run ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("event store: scan run id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close stops the pruner and closes the database.
func (s *SQLiteEventStore) Close() error {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done
	return s.db.Close()
}

// Prune applies the configured retention limits once.
func (s *SQLiteEventStore) Prune(ctx context.Context) error {
	if s.cfg.RetentionAge > 0 {
		cutoff := time.Now().Add(-s.cfg.RetentionAge).UnixNano()
		if _, err := s.db.ExecContext(ctx,
			"DELETE FROM events WHERE ts_ns < ?", cutoff,
		); err != nil {
			return fmt.Errorf("event store: prune by age: %w", err)
		}
	}
	if s.cfg.RetentionCount > 0 {
		// Rank each run's events newest-first and drop everything past the
		// retention window in one statement.
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM events WHERE rowid IN (
				SELECT rowid FROM (
					SELECT rowid, row_number() OVER (
						PARTITION BY run_id ORDER BY seq DESC
					) AS pos FROM events
				) WHERE pos > ?
			)`, s.cfg.RetentionCount,
		); err != nil {
			return fmt.Errorf("event store: prune by count: %w", err)
		}
	}
	return nil
}

func (s *SQLiteEventStore) pruneLoop() {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			_ = s.Prune(context.Background())
		}
	}
}

func encodePayload(payload map[string]any) (string, error) {
	if len(payload) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("event store: encode payload: %w", err)
	}
	return string(raw), nil
}

// rowToEvent decodes one row from a query over eventColumns.
func rowToEvent(rows *sql.Rows) (runtime.Event, error) {
	var (
		e           runtime.Event
		kind        string
		tsNano      int64
		elapsedNano int64
		payloadJSON string
	)
	err := rows.Scan(
		&e.RunID, &e.Seq, &kind, &e.Node,
		&tsNano, &elapsedNano, &payloadJSON,
		&e.TraceID, &e.SpanID,
	)
	if err != nil {
		return runtime.Event{}, fmt.Errorf("event store: scan event: %w", err)
	}

	e.Kind = runtime.EventKind(kind)
	e.Time = time.Unix(0, tsNano).UTC()
	e.Elapsed = time.Duration(elapsedNano)
	e.Payload = map[string]any{}
	if payloadJSON != "" && payloadJSON != "{}" {
		if err := json.Unmarshal([]byte(payloadJSON), &e.Payload); err != nil {
			return runtime.Event{}, fmt.Errorf("event store: decode payload: %w", err)
		}
	}
	return e, nil
}

// Compile-time interface check.
var _ EventStore = (*SQLiteEventStore)(nil)
