package runtime

import (
	"errors"
	"time"
)

// Control-surface errors.
var (
	// ErrRunNotFound is returned for commands targeting an unknown run.
	ErrRunNotFound = errors.New("run not found")

	// ErrInvalidTransition is returned for a command invalid in the run's
	// current state. The state is left unchanged.
	ErrInvalidTransition = errors.New("invalid run state transition")

	// ErrBreakpointAlreadySet is returned when setting a breakpoint that is
	// already present.
	ErrBreakpointAlreadySet = errors.New("breakpoint already set")

	// ErrBreakpointNotSet is returned when clearing a breakpoint that is
	// absent.
	ErrBreakpointNotSet = errors.New("breakpoint not set")

	// ErrCheckpointNotFound is returned when restoring an unknown checkpoint.
	ErrCheckpointNotFound = errors.New("checkpoint not found")
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	StatusPending   RunStatus = "pending"
	StatusRunning   RunStatus = "running"
	StatusPaused    RunStatus = "paused"
	StatusStepping  RunStatus = "stepping"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
	StatusStopped   RunStatus = "stopped"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped:
		return true
	}
	return false
}

// NodeStatus is the lifecycle state of one node within a run. Statuses are
// monotonic within a run except under explicit checkpoint restore.
type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeRunning   NodeStatus = "running"
	NodeCompleted NodeStatus = "completed"
	NodeFailed    NodeStatus = "failed"
	NodeSkipped   NodeStatus = "skipped"
)

// Terminal reports whether the node status is final.
func (s NodeStatus) Terminal() bool {
	switch s {
	case NodeCompleted, NodeFailed, NodeSkipped:
		return true
	}
	return false
}

// RunState is a consistent point-in-time snapshot of a run, taken under the
// controller's writer lane. Exactly one of Result and Error is populated,
// and only in terminal states.
type RunState struct {
	RunID            string                `json:"run_id"`
	PlanID           string                `json:"plan_id"`
	Status           RunStatus             `json:"status"`
	NodeStatuses     map[string]NodeStatus `json:"node_statuses"`
	Breakpoints      []string              `json:"breakpoints,omitempty"`
	CompletedCount   int                   `json:"completed_count"`
	TotalCount       int                   `json:"total_count"`
	CycleCount       int                   `json:"cycle_count"`
	CurrentInference string                `json:"current_inference,omitempty"`
	Result           any                   `json:"result,omitempty"`
	Error            string                `json:"error,omitempty"`
	StartedAt        time.Time             `json:"started_at"`
	Context          map[string]any        `json:"context,omitempty"`
}
