package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/lys5588/psylens/core"
)

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Plan handlers ---

// handleListPlans returns all stored plans.
func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// handleCreatePlan stores a plan definition. The body is a JSON or YAML plan
// definition; it is hydrated once against the function registry to surface
// validation errors at submission time.
func (s *Server) handleCreatePlan(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		if isMaxBytesError(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "request body exceeds size limit")
			return
		}
		writeError(w, http.StatusBadRequest, "READ_ERROR", err.Error())
		return
	}

	def, err := core.ParsePlanDefinition(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return
	}

	if _, err := def.Hydrate(s.funcs); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error())
		return
	}

	now := time.Now()
	id := def.ID
	if id == "" {
		id = uuid.New().String()
		def.ID = id
	}

	source, err := def.JSON()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "ENCODE_ERROR", err.Error())
		return
	}

	rec := PlanRecord{
		ID:         id,
		Name:       def.Metadata["name"],
		Source:     json.RawMessage(source),
		Definition: def,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.store.Create(r.Context(), rec); err != nil {
		if errors.Is(err, ErrPlanExists) {
			writeError(w, http.StatusConflict, "CONFLICT", fmt.Sprintf("plan %q already exists", id))
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, rec)
}

// handleGetPlan returns a single plan by ID.
func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, ok, err := s.store.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("plan %q not found", id))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleDeletePlan removes a stored plan.
func (s *Server) handleDeletePlan(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.Delete(r.Context(), id); err != nil {
		if errors.Is(err, ErrPlanNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("plan %q not found", id))
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Run lifecycle handlers ---

// handleStartRun starts a new run of a stored plan.
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	planID := r.PathValue("id")

	var req StartRunRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
			return
		}
	}

	ctrl, err := s.startPlanRun(r.Context(), planID, req, nil)
	if err != nil {
		writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ctrl.State())
}

// handleListRuns returns snapshots of all registered runs.
func (s *Server) handleListRuns(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.runs.List())
}

// handleGetRun returns a single run's state snapshot.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	state, err := s.runs.StateOf(r.PathValue("run_id"))
	if err != nil {
		writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// runCommand resolves the run and applies fn, writing the refreshed state on
// success.
func (s *Server) runCommand(w http.ResponseWriter, r *http.Request, fn func(c commandTarget) error) {
	ctrl, err := s.runs.Get(r.PathValue("run_id"))
	if err != nil {
		writeRunError(w, err)
		return
	}
	if err := fn(ctrl); err != nil {
		writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ctrl.State())
}

// commandTarget is the slice of the controller surface the command handlers
// need.
type commandTarget interface {
	Pause() error
	Resume() error
	Step() error
	RunTo(addr string) error
	Stop() error
	SetBreakpoint(addr string) error
	ClearBreakpoint(addr string) error
	OverrideValue(key string, value any) error
}

func (s *Server) handlePauseRun(w http.ResponseWriter, r *http.Request) {
	s.runCommand(w, r, func(c commandTarget) error { return c.Pause() })
}

func (s *Server) handleResumeRun(w http.ResponseWriter, r *http.Request) {
	s.runCommand(w, r, func(c commandTarget) error { return c.Resume() })
}

func (s *Server) handleStepRun(w http.ResponseWriter, r *http.Request) {
	s.runCommand(w, r, func(c commandTarget) error { return c.Step() })
}

func (s *Server) handleStopRun(w http.ResponseWriter, r *http.Request) {
	s.runCommand(w, r, func(c commandTarget) error { return c.Stop() })
}

func (s *Server) handleRunTo(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Node string `json:"node"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return
	}
	if req.Node == "" {
		writeError(w, http.StatusBadRequest, "MISSING_NODE", "node address is required")
		return
	}
	s.runCommand(w, r, func(c commandTarget) error { return c.RunTo(req.Node) })
}

// --- Breakpoint handlers ---

func (s *Server) handleSetBreakpoint(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Node string `json:"node"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return
	}
	if req.Node == "" {
		writeError(w, http.StatusBadRequest, "MISSING_NODE", "node address is required")
		return
	}
	s.runCommand(w, r, func(c commandTarget) error { return c.SetBreakpoint(req.Node) })
}

func (s *Server) handleClearBreakpoint(w http.ResponseWriter, r *http.Request) {
	node := r.PathValue("node")
	s.runCommand(w, r, func(c commandTarget) error { return c.ClearBreakpoint(node) })
}

// --- Override and checkpoint handlers ---

func (s *Server) handleOverrideValue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key   string `json:"key"`
		Value any    `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return
	}
	if req.Key == "" {
		writeError(w, http.StatusBadRequest, "MISSING_KEY", "context key is required")
		return
	}
	s.runCommand(w, r, func(c commandTarget) error { return c.OverrideValue(req.Key, req.Value) })
}

func (s *Server) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	ctrl, err := s.runs.Get(r.PathValue("run_id"))
	if err != nil {
		writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ctrl.Checkpoints())
}

func (s *Server) handleTakeCheckpoint(w http.ResponseWriter, r *http.Request) {
	ctrl, err := s.runs.Get(r.PathValue("run_id"))
	if err != nil {
		writeRunError(w, err)
		return
	}
	cp, err := ctrl.TakeCheckpoint()
	if err != nil {
		writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cp)
}

func (s *Server) handleRestoreCheckpoint(w http.ResponseWriter, r *http.Request) {
	ctrl, err := s.runs.Get(r.PathValue("run_id"))
	if err != nil {
		writeRunError(w, err)
		return
	}
	if err := ctrl.RestoreCheckpoint(r.PathValue("checkpoint_id")); err != nil {
		writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ctrl.State())
}

// --- Schedule handlers ---

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	if s.scheduleStore == nil {
		writeError(w, http.StatusNotImplemented, "SCHEDULES_DISABLED", "schedule store not configured")
		return
	}
	schedules, err := s.scheduleStore.ListSchedules(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, schedules)
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	if s.scheduleStore == nil {
		writeError(w, http.StatusNotImplemented, "SCHEDULES_DISABLED", "schedule store not configured")
		return
	}
	planID := r.PathValue("id")

	if _, ok, err := s.store.Get(r.Context(), planID); err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	} else if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("plan %q not found", planID))
		return
	}

	var req struct {
		Cron    string `json:"cron"`
		Input   any    `json:"input,omitempty"`
		Enabled *bool  `json:"enabled,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return
	}

	now := time.Now().UTC()
	nextRun, err := nextActivation(req.Cron, now)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_CRON", err.Error())
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	sched := Schedule{
		ID:         uuid.New().String(),
		PlanID:     planID,
		Cron:       req.Cron,
		Input:      req.Input,
		Enabled:    enabled,
		NextRunAt:  nextRun,
		LastStatus: ScheduleRunStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.scheduleStore.CreateSchedule(r.Context(), sched); err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sched)
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if s.scheduleStore == nil {
		writeError(w, http.StatusNotImplemented, "SCHEDULES_DISABLED", "schedule store not configured")
		return
	}
	id := r.PathValue("schedule_id")
	if err := s.scheduleStore.DeleteSchedule(r.Context(), id); err != nil {
		if errors.Is(err, ErrScheduleNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("schedule %q not found", id))
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Stats handlers ---

func (s *Server) handleGetStats(w http.ResponseWriter, _ *http.Request) {
	if s.bus == nil {
		writeError(w, http.StatusNotImplemented, "BUS_DISABLED", "event bus not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"bus":         s.bus.Stats(),
		"active_runs": s.runs.ActiveCount(),
		"total_runs":  len(s.runs.List()),
	})
}

func (s *Server) handleResetStats(w http.ResponseWriter, _ *http.Request) {
	if s.bus == nil {
		writeError(w, http.StatusNotImplemented, "BUS_DISABLED", "event bus not configured")
		return
	}
	s.bus.ResetStats()
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func isMaxBytesError(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}
