package server

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/lys5588/psylens/core"
)

// Sentinel errors for store operations.
var (
	ErrPlanExists       = errors.New("plan already exists")
	ErrPlanNotFound     = errors.New("plan not found")
	ErrScheduleNotFound = errors.New("schedule not found")
)

// PlanRecord represents a stored inference plan.
type PlanRecord struct {
	ID         string               `json:"id"`
	Name       string               `json:"name,omitempty"`
	Source     json.RawMessage      `json:"source"`
	Definition *core.PlanDefinition `json:"definition,omitempty"`
	CreatedAt  time.Time            `json:"created_at"`
	UpdatedAt  time.Time            `json:"updated_at"`
}

// PlanStore provides CRUD operations for plan records.
type PlanStore interface {
	List(ctx context.Context) ([]PlanRecord, error)
	Get(ctx context.Context, id string) (PlanRecord, bool, error)
	Create(ctx context.Context, rec PlanRecord) error
	Update(ctx context.Context, rec PlanRecord) error
	Delete(ctx context.Context, id string) error
}

// MemPlanStore is an in-memory PlanStore.
type MemPlanStore struct {
	mu    sync.RWMutex
	plans map[string]PlanRecord
}

// NewMemPlanStore creates an empty in-memory plan store.
func NewMemPlanStore() *MemPlanStore {
	return &MemPlanStore{plans: make(map[string]PlanRecord)}
}

func (s *MemPlanStore) List(_ context.Context) ([]PlanRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]PlanRecord, 0, len(s.plans))
	for _, rec := range s.plans {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemPlanStore) Get(_ context.Context, id string) (PlanRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.plans[id]
	return rec, ok, nil
}

func (s *MemPlanStore) Create(_ context.Context, rec PlanRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.plans[rec.ID]; ok {
		return ErrPlanExists
	}
	s.plans[rec.ID] = rec
	return nil
}

func (s *MemPlanStore) Update(_ context.Context, rec PlanRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.plans[rec.ID]; !ok {
		return ErrPlanNotFound
	}
	s.plans[rec.ID] = rec
	return nil
}

func (s *MemPlanStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.plans[id]; !ok {
		return ErrPlanNotFound
	}
	delete(s.plans, id)
	return nil
}

// ScheduleRunStatus is the last outcome recorded for a schedule.
type ScheduleRunStatus string

const (
	ScheduleRunStatusPending        ScheduleRunStatus = "pending"
	ScheduleRunStatusRunning        ScheduleRunStatus = "running"
	ScheduleRunStatusCompleted      ScheduleRunStatus = "completed"
	ScheduleRunStatusFailed         ScheduleRunStatus = "failed"
	ScheduleRunStatusSkippedOverlap ScheduleRunStatus = "skipped_overlap"
)

// Schedule is a cron-triggered run of a stored plan.
type Schedule struct {
	ID         string            `json:"id"`
	PlanID     string            `json:"plan_id"`
	Cron       string            `json:"cron"`
	Input      any               `json:"input,omitempty"`
	Enabled    bool              `json:"enabled"`
	NextRunAt  time.Time         `json:"next_run_at"`
	LastRunAt  *time.Time        `json:"last_run_at,omitempty"`
	LastRunID  string            `json:"last_run_id,omitempty"`
	LastStatus ScheduleRunStatus `json:"last_status,omitempty"`
	LastError  string            `json:"last_error,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// ScheduleStore provides CRUD plus due-schedule queries.
type ScheduleStore interface {
	ListSchedules(ctx context.Context, planID string) ([]Schedule, error)
	GetSchedule(ctx context.Context, id string) (Schedule, bool, error)
	CreateSchedule(ctx context.Context, sched Schedule) error
	UpdateSchedule(ctx context.Context, sched Schedule) error
	DeleteSchedule(ctx context.Context, id string) error

	// ListDueSchedules returns enabled schedules with NextRunAt <= now.
	ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]Schedule, error)
}

// MemScheduleStore is an in-memory ScheduleStore.
type MemScheduleStore struct {
	mu        sync.RWMutex
	schedules map[string]Schedule
}

// NewMemScheduleStore creates an empty in-memory schedule store.
func NewMemScheduleStore() *MemScheduleStore {
	return &MemScheduleStore{schedules: make(map[string]Schedule)}
}

func (s *MemScheduleStore) ListSchedules(_ context.Context, planID string) ([]Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Schedule, 0, len(s.schedules))
	for _, sched := range s.schedules {
		if planID == "" || sched.PlanID == planID {
			out = append(out, sched)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemScheduleStore) GetSchedule(_ context.Context, id string) (Schedule, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sched, ok := s.schedules[id]
	return sched, ok, nil
}

func (s *MemScheduleStore) CreateSchedule(_ context.Context, sched Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.schedules[sched.ID] = sched
	return nil
}

func (s *MemScheduleStore) UpdateSchedule(_ context.Context, sched Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.schedules[sched.ID]; !ok {
		return ErrScheduleNotFound
	}
	s.schedules[sched.ID] = sched
	return nil
}

func (s *MemScheduleStore) DeleteSchedule(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.schedules[id]; !ok {
		return ErrScheduleNotFound
	}
	delete(s.schedules, id)
	return nil
}

func (s *MemScheduleStore) ListDueSchedules(_ context.Context, now time.Time, limit int) ([]Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []Schedule
	for _, sched := range s.schedules {
		if sched.Enabled && !sched.NextRunAt.After(now) {
			due = append(due, sched)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRunAt.Before(due[j].NextRunAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// Compile-time interface checks.
var _ PlanStore = (*MemPlanStore)(nil)
var _ ScheduleStore = (*MemScheduleStore)(nil)
