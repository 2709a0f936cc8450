package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/lys5588/psylens/bus"
	"github.com/lys5588/psylens/core"
	"github.com/lys5588/psylens/runtime"
)

type runAPIError struct {
	Status  int
	Code    string
	Message string
}

func (e *runAPIError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// StartRunRequest is the request body for starting a run of a stored plan.
type StartRunRequest struct {
	Input       any      `json:"input,omitempty"`
	RunID       string   `json:"run_id,omitempty"`
	Breakpoints []string `json:"breakpoints,omitempty"`
}

// scheduledRunMetadata tags events of runs started by the scheduler.
type scheduledRunMetadata struct {
	ScheduleID  string
	PlanID      string
	ScheduledAt time.Time
}

// startPlanRun hydrates the stored plan, builds a controller wired to the
// server's bus and event pipeline, registers it, and starts it. Breakpoints
// from the request are set before the first node executes.
func (s *Server) startPlanRun(
	ctx context.Context,
	planID string,
	req StartRunRequest,
	extraDecorator runtime.EventEmitterDecorator,
) (*runtime.Controller, error) {
	rec, ok, err := s.store.Get(ctx, planID)
	if err != nil {
		return nil, &runAPIError{Status: http.StatusInternalServerError, Code: "STORE_ERROR", Message: err.Error()}
	}
	if !ok {
		return nil, &runAPIError{Status: http.StatusNotFound, Code: "NOT_FOUND", Message: fmt.Sprintf("plan %q not found", planID)}
	}
	if rec.Definition == nil {
		return nil, &runAPIError{Status: http.StatusBadRequest, Code: "NOT_HYDRATABLE", Message: "plan has no stored definition"}
	}

	plan, err := rec.Definition.Hydrate(s.funcs)
	if err != nil {
		return nil, &runAPIError{Status: http.StatusUnprocessableEntity, Code: "HYDRATE_ERROR", Message: err.Error()}
	}

	handler := s.runtimeEvents
	if s.eventStore != nil {
		persist := bus.NewPersister(s.eventStore, s.logger)
		handler = runtime.MultiEventHandler(handler, persist.Handle)
	}

	cfg := runtime.ControllerConfig{
		Plan:          plan,
		Input:         req.Input,
		RunID:         req.RunID,
		EventHandler:  handler,
		EmitDecorator: combineEmitDecorators(s.emitDecorator, extraDecorator),
		Logger:        s.logger,
	}
	if s.bus != nil {
		cfg.Bus = s.bus
	}

	ctrl, err := runtime.NewController(cfg)
	if err != nil {
		if errors.Is(err, core.ErrInvalidPlan) {
			return nil, &runAPIError{Status: http.StatusUnprocessableEntity, Code: "INVALID_PLAN", Message: err.Error()}
		}
		return nil, &runAPIError{Status: http.StatusInternalServerError, Code: "RUNTIME_ERROR", Message: err.Error()}
	}

	for _, addr := range req.Breakpoints {
		if err := ctrl.SetBreakpoint(addr); err != nil {
			return nil, &runAPIError{Status: http.StatusUnprocessableEntity, Code: "INVALID_BREAKPOINT", Message: err.Error()}
		}
	}

	if err := s.runs.Add(ctrl); err != nil {
		return nil, &runAPIError{Status: http.StatusConflict, Code: "CONFLICT", Message: err.Error()}
	}

	if err := ctrl.Start(context.Background()); err != nil {
		_ = s.runs.Remove(ctrl.RunID())
		return nil, &runAPIError{Status: http.StatusInternalServerError, Code: "RUNTIME_ERROR", Message: err.Error()}
	}

	return ctrl, nil
}

// runScheduledPlan starts a run on behalf of the scheduler and waits for it
// to finish so schedule bookkeeping can record the outcome.
func (s *Server) runScheduledPlan(
	ctx context.Context,
	planID string,
	input any,
	meta scheduledRunMetadata,
) (runtime.RunState, error) {
	ctrl, err := s.startPlanRun(ctx, planID, StartRunRequest{Input: input}, scheduleRunMetadataDecorator(meta))
	if err != nil {
		return runtime.RunState{}, err
	}

	select {
	case <-ctrl.Done():
	case <-ctx.Done():
		_ = ctrl.Stop()
		<-ctrl.Done()
	}

	state := ctrl.State()
	if state.Status == runtime.StatusFailed {
		return state, fmt.Errorf("scheduled run %s failed: %s", state.RunID, state.Error)
	}
	return state, nil
}

func combineEmitDecorators(
	first runtime.EventEmitterDecorator,
	second runtime.EventEmitterDecorator,
) runtime.EventEmitterDecorator {
	switch {
	case first == nil:
		return second
	case second == nil:
		return first
	default:
		return func(emit runtime.EventEmitter) runtime.EventEmitter {
			return second(first(emit))
		}
	}
}

func scheduleRunMetadataDecorator(meta scheduledRunMetadata) runtime.EventEmitterDecorator {
	return func(next runtime.EventEmitter) runtime.EventEmitter {
		return func(e runtime.Event) {
			if e.Kind == runtime.EventRunStarted || e.Kind.Terminal() {
				if e.Payload == nil {
					e.Payload = map[string]any{}
				}
				e.Payload["trigger"] = "schedule"
				e.Payload["schedule_id"] = meta.ScheduleID
				e.Payload["plan_id"] = meta.PlanID
				e.Payload["scheduled_at"] = meta.ScheduledAt.UTC().Format(time.RFC3339Nano)
			}
			next(e)
		}
	}
}

// writeRunError maps runtime control errors onto HTTP statuses. Commands on
// unknown runs, breakpoints, checkpoints, or nodes are 404; commands invalid
// in the run's current state are 409 and leave the state unchanged.
func writeRunError(w http.ResponseWriter, err error) {
	var apiErr *runAPIError
	switch {
	case errors.As(err, &apiErr):
		writeError(w, apiErr.Status, apiErr.Code, apiErr.Message)
	case errors.Is(err, runtime.ErrRunNotFound):
		writeError(w, http.StatusNotFound, "RUN_NOT_FOUND", err.Error())
	case errors.Is(err, runtime.ErrCheckpointNotFound):
		writeError(w, http.StatusNotFound, "CHECKPOINT_NOT_FOUND", err.Error())
	case errors.Is(err, runtime.ErrBreakpointNotSet):
		writeError(w, http.StatusNotFound, "BREAKPOINT_NOT_SET", err.Error())
	case errors.Is(err, core.ErrNodeNotFound):
		writeError(w, http.StatusNotFound, "NODE_NOT_FOUND", err.Error())
	case errors.Is(err, runtime.ErrBreakpointAlreadySet):
		writeError(w, http.StatusConflict, "BREAKPOINT_ALREADY_SET", err.Error())
	case errors.Is(err, runtime.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "INVALID_TRANSITION", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
	}
}
