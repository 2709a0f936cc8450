package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/lys5588/psylens/core"
)

// ControllerConfig configures a run controller.
type ControllerConfig struct {
	// Plan is the compiled plan to execute. Required.
	Plan *core.Plan

	// Input is the run's initial input, seeded into the run context under
	// core.InputKey.
	Input any

	// RunID overrides the generated run identifier (for testing).
	RunID string

	// Bus distributes events to subscribers. Optional.
	Bus EventPublisher

	// EventHandler receives every emitted event. Optional.
	EventHandler EventHandler

	// EmitDecorator wraps the internal event emitter. Optional.
	EmitDecorator EventEmitterDecorator

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Now provides the current time (for testing). If nil, uses time.Now.
	Now func() time.Time
}

type boundaryAction int

const (
	actionRun boundaryAction = iota
	actionStop
	actionRestart
)

// Controller owns one run's lifecycle: its status, node statuses,
// breakpoints, progress counters, context, and checkpoints. All state
// mutations go through a single serialized writer lane (the controller's
// mutex), shared by the execution loop and control commands, so a command
// racing the loop's own transition can never tear the state. Readers get
// consistent snapshots via State.
type Controller struct {
	plan   *core.Plan
	runID  string
	logger *slog.Logger
	now    func() time.Time
	out    EventEmitter

	mu               sync.Mutex
	status           RunStatus
	nodeStatuses     map[string]NodeStatus
	breakpoints      map[string]struct{}
	cycleCount       int
	completedCount   int
	currentInference string
	result           any
	lastOutput       any
	runErr           error
	startedAt        time.Time
	runCtx           *core.ExecContext
	checkpoints      map[string]*Checkpoint

	pauseRequested bool
	stopRequested  bool
	runToTarget    string
	restoreGen     uint64

	wake   chan struct{}
	done   chan struct{}
	cancel context.CancelFunc

	seq atomic.Uint64
}

// NewController creates a controller for one run of the given plan. The run
// starts in pending and does not execute until Start is called.
func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.Plan == nil {
		return nil, fmt.Errorf("controller: nil plan")
	}
	if err := cfg.Plan.Validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	runID := cfg.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	c := &Controller{
		plan:         cfg.Plan,
		runID:        runID,
		logger:       logger.With("run_id", runID, "plan_id", cfg.Plan.ID),
		now:          now,
		status:       StatusPending,
		nodeStatuses: make(map[string]NodeStatus, len(cfg.Plan.Nodes)),
		breakpoints:  make(map[string]struct{}),
		runCtx:       core.NewExecContext(cfg.Input),
		checkpoints:  make(map[string]*Checkpoint),
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	for i := range cfg.Plan.Nodes {
		c.nodeStatuses[cfg.Plan.Nodes[i].Address] = NodePending
	}

	emit := func(e Event) {
		if cfg.Bus != nil {
			cfg.Bus.Publish(e)
		}
		if cfg.EventHandler != nil {
			cfg.EventHandler(e)
		}
	}
	if cfg.EmitDecorator != nil {
		emit = cfg.EmitDecorator(emit)
	}
	c.out = emit

	return c, nil
}

// RunID returns the run identifier.
func (c *Controller) RunID() string { return c.runID }

// PlanID returns the identifier of the plan being executed.
func (c *Controller) PlanID() string { return c.plan.ID }

// Done is closed once the run reaches a terminal state and the execution
// task has exited.
func (c *Controller) Done() <-chan struct{} { return c.done }

// emit stamps sequence, time, and elapsed on an event and sends it out.
// All events for a run flow through here, preserving FIFO order.
func (c *Controller) emit(e Event) {
	e.Seq = c.seq.Add(1)
	if e.Time.IsZero() {
		e.Time = c.now()
	}
	c.mu.Lock()
	if !c.startedAt.IsZero() {
		e.Elapsed = e.Time.Sub(c.startedAt)
	}
	c.mu.Unlock()
	c.out(e)
}

// Start transitions pending -> running and begins the execution task.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.status != StatusPending {
		c.mu.Unlock()
		return fmt.Errorf("%w: cannot start run in state %q", ErrInvalidTransition, c.status)
	}
	c.status = StatusRunning
	c.startedAt = c.now()
	execCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	c.emit(NewEvent(EventRunStarted, c.runID).
		WithPayload("plan_id", c.plan.ID).
		WithPayload("total_count", len(c.plan.Nodes)))
	c.emitStatuses()

	go c.loop(execCtx)
	return nil
}

// Pause requests running -> paused. It takes effect at the next node
// boundary; a node that has already begun executing is allowed to finish.
func (c *Controller) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status != StatusRunning {
		return fmt.Errorf("%w: cannot pause run in state %q", ErrInvalidTransition, c.status)
	}
	c.pauseRequested = true
	return nil
}

// Resume transitions paused -> running.
func (c *Controller) Resume() error {
	c.mu.Lock()
	if c.status != StatusPaused {
		c.mu.Unlock()
		return fmt.Errorf("%w: cannot resume run in state %q", ErrInvalidTransition, c.status)
	}
	c.status = StatusRunning
	c.mu.Unlock()

	c.emit(NewEvent(EventRunResumed, c.runID).WithPayload("mode", "resume"))
	c.signalWake()
	return nil
}

// Step transitions paused -> stepping: exactly one node executes, then the
// run returns to paused automatically, never falling through to running.
func (c *Controller) Step() error {
	c.mu.Lock()
	if c.status != StatusPaused {
		c.mu.Unlock()
		return fmt.Errorf("%w: cannot step run in state %q", ErrInvalidTransition, c.status)
	}
	c.status = StatusStepping
	c.mu.Unlock()

	c.emit(NewEvent(EventRunResumed, c.runID).WithPayload("mode", "step"))
	c.signalWake()
	return nil
}

// RunTo transitions paused -> running with breakpoint checks suppressed until
// target is about to execute, at which point the run pauses regardless of
// whether target itself is a breakpoint.
func (c *Controller) RunTo(target string) error {
	if _, ok := c.plan.NodeByAddress(target); !ok {
		return fmt.Errorf("%w: %q", core.ErrNodeNotFound, target)
	}

	c.mu.Lock()
	if c.status != StatusPaused {
		c.mu.Unlock()
		return fmt.Errorf("%w: cannot run_to in state %q", ErrInvalidTransition, c.status)
	}
	c.status = StatusRunning
	c.runToTarget = target
	c.mu.Unlock()

	c.emit(NewEvent(EventRunResumed, c.runID).
		WithPayload("mode", "run_to").
		WithPayload("target", target))
	c.signalWake()
	return nil
}

// Stop moves any non-terminal run to stopped. The execution task is
// cancelled at its next safe point.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if c.status.Terminal() {
		c.mu.Unlock()
		return fmt.Errorf("%w: cannot stop run in state %q", ErrInvalidTransition, c.status)
	}
	wasPending := c.status == StatusPending
	c.stopRequested = true
	if wasPending {
		c.status = StatusStopped
	}
	cancel := c.cancel
	c.mu.Unlock()

	if wasPending {
		c.emit(NewEvent(EventExecutionStopped, c.runID))
		close(c.done)
		return nil
	}
	if cancel != nil {
		cancel()
	}
	c.signalWake()
	return nil
}

// SetBreakpoint adds a breakpoint on a node address.
func (c *Controller) SetBreakpoint(addr string) error {
	if _, ok := c.plan.NodeByAddress(addr); !ok {
		return fmt.Errorf("%w: %q", core.ErrNodeNotFound, addr)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status.Terminal() {
		return fmt.Errorf("%w: run is %q", ErrInvalidTransition, c.status)
	}
	if _, ok := c.breakpoints[addr]; ok {
		return fmt.Errorf("%w: %q", ErrBreakpointAlreadySet, addr)
	}
	c.breakpoints[addr] = struct{}{}
	return nil
}

// ClearBreakpoint removes a breakpoint from a node address.
func (c *Controller) ClearBreakpoint(addr string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.breakpoints[addr]; !ok {
		return fmt.Errorf("%w: %q", ErrBreakpointNotSet, addr)
	}
	delete(c.breakpoints, addr)
	return nil
}

// OverrideValue writes a value into the paused run's context, typically
// after a checkpoint restore and before resuming.
func (c *Controller) OverrideValue(key string, value any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status != StatusPaused {
		return fmt.Errorf("%w: cannot override value in state %q", ErrInvalidTransition, c.status)
	}
	c.runCtx.Set(key, value)
	return nil
}

// State returns a consistent snapshot of the run.
func (c *Controller) State() RunState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

func (c *Controller) stateLocked() RunState {
	statuses := make(map[string]NodeStatus, len(c.nodeStatuses))
	for addr, st := range c.nodeStatuses {
		statuses[addr] = st
	}
	bps := make([]string, 0, len(c.breakpoints))
	for addr := range c.breakpoints {
		bps = append(bps, addr)
	}

	state := RunState{
		RunID:            c.runID,
		PlanID:           c.plan.ID,
		Status:           c.status,
		NodeStatuses:     statuses,
		Breakpoints:      bps,
		CompletedCount:   c.completedCount,
		TotalCount:       len(c.plan.Nodes),
		CycleCount:       c.cycleCount,
		CurrentInference: c.currentInference,
		StartedAt:        c.startedAt,
		Context:          c.runCtx.Snapshot(),
	}
	if c.status == StatusCompleted {
		state.Result = c.result
	}
	if c.status == StatusFailed && c.runErr != nil {
		state.Error = c.runErr.Error()
	}
	return state
}

// signalWake wakes a boundary wait without blocking.
func (c *Controller) signalWake() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// --- execution loop ---

func (c *Controller) loop(ctx context.Context) {
	defer close(c.done)

	for {
		if c.stopRequestedNow() {
			c.finishStopped()
			return
		}

		progressed, finished := c.runCycle(ctx)
		if finished {
			return
		}
		if !progressed {
			c.failRun("", fmt.Errorf("no runnable nodes: unsatisfiable dependencies"))
			return
		}
	}
}

// runCycle performs one pass of the execution loop, advancing every node
// whose dependencies are satisfied. It returns whether any node reached a
// terminal status this pass and whether the run itself finished.
func (c *Controller) runCycle(ctx context.Context) (progressed, finished bool) {
	c.mu.Lock()
	c.cycleCount++
	cycle := c.cycleCount
	gen := c.restoreGen
	c.mu.Unlock()

	c.emit(NewEvent(EventCycleStarted, c.runID).WithPayload("cycle", cycle))

	for i := range c.plan.Nodes {
		node := &c.plan.Nodes[i]

		ready, depSkipped := c.nodeReady(node)
		if depSkipped {
			c.markSkipped(node.Address, "dependency_skipped")
			progressed = true
			if c.maybeComplete() {
				return progressed, true
			}
			continue
		}
		if !ready {
			continue
		}

		switch c.boundary(ctx, node.Address, gen) {
		case actionStop:
			c.finishStopped()
			return progressed, true
		case actionRestart:
			// A checkpoint restore rewrote node statuses while the run was
			// paused at this boundary. The cycle's readiness decisions are
			// stale; abandon it and recompute from the restored statuses.
			return true, false
		}

		progressed = true
		if c.executeNode(ctx, node) {
			return progressed, true
		}
		c.afterNodePause(node.Address)
	}

	c.emit(NewEvent(EventCycleCompleted, c.runID).WithPayload("cycle", cycle))

	if c.maybeComplete() {
		return progressed, true
	}
	return progressed, false
}

// nodeReady reports whether a pending node's dependencies are satisfied, and
// whether it should be skipped because a dependency was skipped.
func (c *Controller) nodeReady(node *core.Node) (ready, depSkipped bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.nodeStatuses[node.Address] != NodePending {
		return false, false
	}
	for _, dep := range node.DependsOn {
		switch c.nodeStatuses[dep] {
		case NodeCompleted:
		case NodeSkipped, NodeFailed:
			return false, true
		default:
			return false, false
		}
	}
	return true, false
}

// boundary is the suspension point before each node. It blocks while the run
// is paused and decides whether the node may execute. Breakpoints are
// suppressed while stepping, while running to a target, and after the run
// has already paused once at this boundary. gen is the restore generation
// the surrounding cycle was planned against; a mismatch means a checkpoint
// restore invalidated that plan and the cycle must restart.
func (c *Controller) boundary(ctx context.Context, addr string, gen uint64) boundaryAction {
	pausedHere := false
	for {
		c.mu.Lock()
		if c.stopRequested {
			c.mu.Unlock()
			return actionStop
		}
		if c.restoreGen != gen {
			c.mu.Unlock()
			return actionRestart
		}

		switch c.status {
		case StatusStepping:
			c.mu.Unlock()
			return actionRun

		case StatusRunning:
			reason := ""
			switch {
			case c.pauseRequested:
				c.pauseRequested = false
				reason = "pause"
			case c.runToTarget != "":
				if c.runToTarget == addr && !pausedHere {
					c.runToTarget = ""
					reason = "run_to"
				} else {
					c.mu.Unlock()
					return actionRun
				}
			default:
				if _, ok := c.breakpoints[addr]; ok && !pausedHere {
					reason = "breakpoint"
				} else {
					c.mu.Unlock()
					return actionRun
				}
			}
			c.status = StatusPaused
			pausedHere = true
			c.mu.Unlock()
			c.emit(NewEvent(EventRunPaused, c.runID).
				WithNode(addr).
				WithPayload("reason", reason))

		case StatusPaused:
			c.mu.Unlock()

		default:
			// Terminal state set by a command; stop the loop.
			c.mu.Unlock()
			return actionStop
		}

		select {
		case <-c.wake:
		case <-ctx.Done():
			return actionStop
		}
	}
}

// executeNode runs one node's gate condition and composition. It returns
// true when the run reached a terminal state.
func (c *Controller) executeNode(ctx context.Context, node *core.Node) bool {
	if node.Condition != nil {
		c.mu.Lock()
		res, err := node.Condition.Eval(c.runCtx)
		c.mu.Unlock()
		if err != nil {
			return c.failRun(node.Address, err)
		}
		if res == core.CondSkipped {
			c.markSkipped(node.Address, "condition")
			return c.maybeComplete()
		}
	}

	addr := node.Address
	c.mu.Lock()
	c.nodeStatuses[addr] = NodeRunning
	c.currentInference = addr
	seed := c.runCtx.Clone()
	c.mu.Unlock()

	c.emit(NewEvent(EventInferenceStarted, c.runID).
		WithNode(addr).
		WithPayload("kind", node.Kind))
	c.emitStatuses()

	comp := core.Compose(node.Steps, node.ReturnKey).
		WithObserver(&compositionObserver{c: c, node: addr})
	out, err := comp.RunWith(ctx, seed)

	if err != nil {
		if c.stopRequestedNow() || errors.Is(err, context.Canceled) {
			c.finishStopped()
			return true
		}
		return c.failRun(addr, err)
	}

	c.mu.Lock()
	c.runCtx.Set(addr, out)
	c.nodeStatuses[addr] = NodeCompleted
	c.completedCount++
	c.currentInference = ""
	c.lastOutput = out
	c.mu.Unlock()

	c.emit(NewEvent(EventInferenceCompleted, c.runID).WithNode(addr))
	c.emitStatuses()
	c.emitProgress()

	return c.maybeComplete()
}

// afterNodePause returns a stepping run to paused after its single node.
func (c *Controller) afterNodePause(addr string) {
	c.mu.Lock()
	if c.status != StatusStepping {
		c.mu.Unlock()
		return
	}
	c.status = StatusPaused
	c.mu.Unlock()

	c.emit(NewEvent(EventRunPaused, c.runID).
		WithNode(addr).
		WithPayload("reason", "step"))
}

// markSkipped marks a node skipped without executing it.
func (c *Controller) markSkipped(addr, reason string) {
	c.mu.Lock()
	c.nodeStatuses[addr] = NodeSkipped
	c.completedCount++
	c.mu.Unlock()

	c.logger.Debug("node skipped", "node", addr, "reason", reason)
	c.emitStatuses()
	c.emitProgress()
}

// maybeComplete finishes the run when every node is terminal and none failed.
func (c *Controller) maybeComplete() bool {
	c.mu.Lock()
	if c.stopRequested || (c.status != StatusRunning && c.status != StatusStepping) {
		c.mu.Unlock()
		return false
	}
	for _, st := range c.nodeStatuses {
		if !st.Terminal() {
			c.mu.Unlock()
			return false
		}
	}
	c.status = StatusCompleted
	c.result = c.lastOutput
	c.pauseRequested = false
	result := c.result
	c.mu.Unlock()

	c.emit(NewEvent(EventRunCompleted, c.runID).WithPayload("result", result))
	return true
}

// failRun marks the failing node (when known) and the run as failed. The run
// retains its node statuses and context up to the failing node.
func (c *Controller) failRun(addr string, err error) bool {
	c.mu.Lock()
	if c.status.Terminal() {
		c.mu.Unlock()
		return true
	}
	if addr != "" {
		c.nodeStatuses[addr] = NodeFailed
	}
	c.currentInference = ""
	c.status = StatusFailed
	c.runErr = err
	c.mu.Unlock()

	c.logger.Error("run failed", "node", addr, "error", err)
	if addr != "" {
		c.emit(NewEvent(EventInferenceFailed, c.runID).WithNode(addr))
		c.emit(NewEvent(EventInferenceError, c.runID).
			WithNode(addr).
			WithPayload("error", err.Error()))
	}
	c.emitStatuses()
	c.emit(NewEvent(EventRunFailed, c.runID).WithPayload("error", err.Error()))
	return true
}

func (c *Controller) finishStopped() {
	c.mu.Lock()
	if c.status.Terminal() {
		c.mu.Unlock()
		return
	}
	c.status = StatusStopped
	c.currentInference = ""
	c.mu.Unlock()

	c.emit(NewEvent(EventExecutionStopped, c.runID))
}

func (c *Controller) stopRequestedNow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopRequested
}

func (c *Controller) emitStatuses() {
	c.mu.Lock()
	statuses := make(map[string]NodeStatus, len(c.nodeStatuses))
	for addr, st := range c.nodeStatuses {
		statuses[addr] = st
	}
	c.mu.Unlock()

	c.emit(NewEvent(EventNodeStatuses, c.runID).WithPayload("statuses", statuses))
}

func (c *Controller) emitProgress() {
	c.mu.Lock()
	completed, total, cycle := c.completedCount, len(c.plan.Nodes), c.cycleCount
	c.mu.Unlock()

	c.emit(NewEvent(EventExecutionProgress, c.runID).
		WithPayload("completed_count", completed).
		WithPayload("total_count", total).
		WithPayload("cycle_count", cycle))
}

// compositionObserver forwards interpreter progress as run events.
type compositionObserver struct {
	c    *Controller
	node string
}

func (o *compositionObserver) CompositionStarted(stepCount int, returnKey string) {
	o.c.emit(NewEvent(EventCompositionStarted, o.c.runID).
		WithNode(o.node).
		WithPayload("steps", stepCount).
		WithPayload("return_key", returnKey))
}

func (o *compositionObserver) StepStarted(step int, outputKey, function string) {
	o.c.emit(NewEvent(EventCompositionStep, o.c.runID).
		WithNode(o.node).
		WithPayload("step", step).
		WithPayload("output_key", outputKey).
		WithPayload("function", function))
}

func (o *compositionObserver) StepFailed(step int, outputKey string, err error) {
	o.c.emit(NewEvent(EventCompositionStepFailed, o.c.runID).
		WithNode(o.node).
		WithPayload("step", step).
		WithPayload("output_key", outputKey).
		WithPayload("error", err.Error()))
}

func (o *compositionObserver) CompositionCompleted(returnKey string) {
	o.c.emit(NewEvent(EventCompositionCompleted, o.c.runID).
		WithNode(o.node).
		WithPayload("return_key", returnKey))
}

// Compile-time interface check.
var _ core.StepObserver = (*compositionObserver)(nil)
