// Package server exposes the Psylens run control plane over HTTP: plan
// management, run lifecycle commands, live-debugging controls, event
// streaming, and scheduling.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/lys5588/psylens/bus"
	"github.com/lys5588/psylens/core"
	"github.com/lys5588/psylens/runtime"
	"github.com/lys5588/psylens/sse"
)

// ServerConfig configures a Server instance.
type ServerConfig struct {
	Store         PlanStore
	ScheduleStore ScheduleStore
	Funcs         *core.FuncRegistry
	Runs          *runtime.Registry
	Bus           bus.EventBus
	EventStore    bus.EventStore
	RuntimeEvents runtime.EventHandler
	EmitDecorator runtime.EventEmitterDecorator
	CORSOrigin    string
	MaxBody       int64
	Logger        *slog.Logger
}

// Server is the Psylens HTTP API server.
type Server struct {
	store         PlanStore
	scheduleStore ScheduleStore
	funcs         *core.FuncRegistry
	runs          *runtime.Registry
	bus           bus.EventBus
	eventStore    bus.EventStore
	runtimeEvents runtime.EventHandler
	emitDecorator runtime.EventEmitterDecorator
	corsOrigin    string
	maxBody       int64
	logger        *slog.Logger
}

// NewServer creates a new Server with the given configuration.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	corsOrigin := cfg.CORSOrigin
	if corsOrigin == "" {
		corsOrigin = "*"
	}
	maxBody := cfg.MaxBody
	if maxBody <= 0 {
		maxBody = 1 << 20 // 1 MB default
	}
	funcs := cfg.Funcs
	if funcs == nil {
		funcs = core.NewFuncRegistry()
	}
	runs := cfg.Runs
	if runs == nil {
		runs = runtime.NewRegistry()
	}
	return &Server{
		store:         cfg.Store,
		scheduleStore: cfg.ScheduleStore,
		funcs:         funcs,
		runs:          runs,
		bus:           cfg.Bus,
		eventStore:    cfg.EventStore,
		runtimeEvents: cfg.RuntimeEvents,
		emitDecorator: cfg.EmitDecorator,
		corsOrigin:    corsOrigin,
		maxBody:       maxBody,
		logger:        logger,
	}
}

// Runs exposes the run registry, mainly for schedulers and tests.
func (s *Server) Runs() *runtime.Registry {
	return s.runs
}

// Handler returns an http.Handler with all routes and middleware wired.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	var handler http.Handler = mux
	handler = s.corsMiddleware(handler)
	handler = s.maxBodyMiddleware(handler)

	return handler
}

// RegisterRoutes mounts the control-plane routes onto an existing mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("GET /api/plans", s.handleListPlans)
	mux.HandleFunc("POST /api/plans", s.handleCreatePlan)
	mux.HandleFunc("GET /api/plans/{id}", s.handleGetPlan)
	mux.HandleFunc("DELETE /api/plans/{id}", s.handleDeletePlan)
	mux.HandleFunc("POST /api/plans/{id}/runs", s.handleStartRun)

	mux.HandleFunc("GET /api/plans/{id}/schedules", s.handleListSchedules)
	mux.HandleFunc("POST /api/plans/{id}/schedules", s.handleCreateSchedule)
	mux.HandleFunc("DELETE /api/schedules/{schedule_id}", s.handleDeleteSchedule)

	mux.HandleFunc("GET /api/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/runs/{run_id}", s.handleGetRun)
	mux.HandleFunc("POST /api/runs/{run_id}/pause", s.handlePauseRun)
	mux.HandleFunc("POST /api/runs/{run_id}/resume", s.handleResumeRun)
	mux.HandleFunc("POST /api/runs/{run_id}/step", s.handleStepRun)
	mux.HandleFunc("POST /api/runs/{run_id}/run-to", s.handleRunTo)
	mux.HandleFunc("POST /api/runs/{run_id}/stop", s.handleStopRun)
	mux.HandleFunc("POST /api/runs/{run_id}/breakpoints", s.handleSetBreakpoint)
	mux.HandleFunc("DELETE /api/runs/{run_id}/breakpoints/{node}", s.handleClearBreakpoint)
	mux.HandleFunc("POST /api/runs/{run_id}/override", s.handleOverrideValue)
	mux.HandleFunc("GET /api/runs/{run_id}/checkpoints", s.handleListCheckpoints)
	mux.HandleFunc("POST /api/runs/{run_id}/checkpoints", s.handleTakeCheckpoint)
	mux.HandleFunc("POST /api/runs/{run_id}/checkpoints/{checkpoint_id}/restore", s.handleRestoreCheckpoint)

	mux.Handle("GET /api/runs/{run_id}/events", sse.NewRunHandler(s.eventStore, s.bus, s.runs))
	mux.Handle("GET /api/monitor/events", sse.NewMonitorHandler(s.bus, s.runs))

	mux.HandleFunc("GET /api/stats", s.handleGetStats)
	mux.HandleFunc("POST /api/stats/reset", s.handleResetStats)
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) maxBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
		next.ServeHTTP(w, r)
	})
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// apiError is the standard error envelope.
type apiError struct {
	Error apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string, details ...string) {
	body := apiError{
		Error: apiErrorBody{
			Code:    code,
			Message: message,
		},
	}
	if len(details) > 0 {
		body.Error.Details = details
	}
	writeJSON(w, status, body)
}
