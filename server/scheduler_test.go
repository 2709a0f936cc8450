package server

import (
	"context"
	"testing"
	"time"

	"github.com/lys5588/psylens/core"
)

func newSchedulerFixture(t *testing.T, blockGate chan struct{}) (*Server, *MemScheduleStore) {
	t.Helper()

	funcs := core.NewFuncRegistry()
	if err := funcs.Register("echo", func(_ context.Context, call core.Call) (any, error) {
		return call.Kwargs["value"], nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := funcs.Register("block", func(ctx context.Context, _ core.Call) (any, error) {
		select {
		case <-blockGate:
			return "done", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}); err != nil {
		t.Fatal(err)
	}

	store := NewMemPlanStore()
	scheduleStore := NewMemScheduleStore()
	srv := NewServer(ServerConfig{
		Store:         store,
		ScheduleStore: scheduleStore,
		Funcs:         funcs,
	})

	fast := `{"id": "fast", "nodes": [{"address": "n1", "steps": [{"function": "echo", "literal_params": {"value": "ok"}}]}]}`
	slow := `{"id": "slow", "nodes": [{"address": "n1", "steps": [{"function": "block"}]}]}`
	for _, body := range []string{fast, slow} {
		def, err := core.ParsePlanDefinition([]byte(body))
		if err != nil {
			t.Fatal(err)
		}
		now := time.Now()
		if err := store.Create(context.Background(), PlanRecord{
			ID:         def.ID,
			Definition: def,
			CreatedAt:  now,
			UpdatedAt:  now,
		}); err != nil {
			t.Fatal(err)
		}
	}
	return srv, scheduleStore
}

func seedSchedule(t *testing.T, store *MemScheduleStore, id, planID string, due time.Time) Schedule {
	t.Helper()
	sched := Schedule{
		ID:         id,
		PlanID:     planID,
		Cron:       "*/5 * * * *",
		Enabled:    true,
		NextRunAt:  due,
		LastStatus: ScheduleRunStatusPending,
		CreatedAt:  due,
		UpdatedAt:  due,
	}
	if err := store.CreateSchedule(context.Background(), sched); err != nil {
		t.Fatal(err)
	}
	return sched
}

func waitScheduleStatus(t *testing.T, store *MemScheduleStore, id string, want ScheduleRunStatus) Schedule {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		sched, found, err := store.GetSchedule(context.Background(), id)
		if err != nil {
			t.Fatal(err)
		}
		if found && sched.LastStatus == want {
			return sched
		}
		time.Sleep(5 * time.Millisecond)
	}
	sched, _, _ := store.GetSchedule(context.Background(), id)
	t.Fatalf("schedule %s never reached %q (currently %q, err %q)", id, want, sched.LastStatus, sched.LastError)
	return Schedule{}
}

func TestScheduler_RunsDueSchedule(t *testing.T) {
	srv, store := newSchedulerFixture(t, nil)
	now := time.Now().UTC()
	seedSchedule(t, store, "sched-1", "fast", now.Add(-time.Minute))

	sched, err := NewScheduler(SchedulerConfig{Runner: srv, Store: store})
	if err != nil {
		t.Fatal(err)
	}
	if err := sched.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	final := waitScheduleStatus(t, store, "sched-1", ScheduleRunStatusCompleted)
	if final.LastRunID == "" {
		t.Error("LastRunID not recorded")
	}
	if final.LastRunAt == nil {
		t.Error("LastRunAt not recorded")
	}
	if !final.NextRunAt.After(now) {
		t.Errorf("NextRunAt %v not advanced past %v", final.NextRunAt, now)
	}
}

func TestScheduler_NotDueIsUntouched(t *testing.T) {
	srv, store := newSchedulerFixture(t, nil)
	seedSchedule(t, store, "sched-1", "fast", time.Now().UTC().Add(time.Hour))

	sched, err := NewScheduler(SchedulerConfig{Runner: srv, Store: store})
	if err != nil {
		t.Fatal(err)
	}
	if err := sched.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	got, _, err := store.GetSchedule(context.Background(), "sched-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.LastStatus != ScheduleRunStatusPending {
		t.Errorf("LastStatus = %q, want pending", got.LastStatus)
	}
}

func TestScheduler_DisabledScheduleSkipped(t *testing.T) {
	srv, store := newSchedulerFixture(t, nil)
	sched := seedSchedule(t, store, "sched-1", "fast", time.Now().UTC().Add(-time.Minute))
	sched.Enabled = false
	if err := store.UpdateSchedule(context.Background(), sched); err != nil {
		t.Fatal(err)
	}

	sc, err := NewScheduler(SchedulerConfig{Runner: srv, Store: store})
	if err != nil {
		t.Fatal(err)
	}
	if err := sc.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	got, _, _ := store.GetSchedule(context.Background(), "sched-1")
	if got.LastStatus != ScheduleRunStatusPending {
		t.Errorf("disabled schedule ran: %q", got.LastStatus)
	}
}

func TestScheduler_OverlapIsSkippedNotQueued(t *testing.T) {
	gate := make(chan struct{})
	srv, store := newSchedulerFixture(t, gate)
	now := time.Now().UTC()
	seedSchedule(t, store, "sched-1", "slow", now.Add(-time.Minute))

	sc, err := NewScheduler(SchedulerConfig{Runner: srv, Store: store})
	if err != nil {
		t.Fatal(err)
	}

	// First pass starts the blocked run.
	if err := sc.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	waitScheduleStatus(t, store, "sched-1", ScheduleRunStatusRunning)

	// Force the schedule due again while the run is still active.
	active, _, err := store.GetSchedule(context.Background(), "sched-1")
	if err != nil {
		t.Fatal(err)
	}
	active.NextRunAt = now.Add(-time.Second)
	if err := store.UpdateSchedule(context.Background(), active); err != nil {
		t.Fatal(err)
	}

	if err := sc.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	skipped := waitScheduleStatus(t, store, "sched-1", ScheduleRunStatusSkippedOverlap)
	if skipped.LastError == "" {
		t.Error("overlap skip should record a reason")
	}

	// Release the run and confirm the outcome is recorded.
	close(gate)
	waitScheduleStatus(t, store, "sched-1", ScheduleRunStatusCompleted)
}

func TestScheduler_FailedRunRecordsError(t *testing.T) {
	srv, store := newSchedulerFixture(t, nil)

	bad := `{"id": "broken", "nodes": [{"address": "n1", "steps": [{"function": "boom"}]}]}`
	def, err := core.ParsePlanDefinition([]byte(bad))
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.funcs.Register("boom", func(_ context.Context, _ core.Call) (any, error) {
		return nil, context.DeadlineExceeded
	}); err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	if err := srv.store.Create(context.Background(), PlanRecord{ID: "broken", Definition: def, CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatal(err)
	}
	seedSchedule(t, store, "sched-1", "broken", time.Now().UTC().Add(-time.Minute))

	sc, err := NewScheduler(SchedulerConfig{Runner: srv, Store: store})
	if err != nil {
		t.Fatal(err)
	}
	if err := sc.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	failed := waitScheduleStatus(t, store, "sched-1", ScheduleRunStatusFailed)
	if failed.LastError == "" {
		t.Error("failed run should record an error")
	}
}

func TestScheduler_StartStop(t *testing.T) {
	srv, store := newSchedulerFixture(t, nil)
	seedSchedule(t, store, "sched-1", "fast", time.Now().UTC().Add(-time.Minute))

	sc, err := NewScheduler(SchedulerConfig{
		Runner:       srv,
		Store:        store,
		PollInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}

	sc.Start()
	sc.Start() // second Start is a no-op
	waitScheduleStatus(t, store, "sched-1", ScheduleRunStatusCompleted)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sc.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := sc.Stop(ctx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}
