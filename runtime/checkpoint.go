package runtime

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/lys5588/psylens/core"
)

// Checkpoint is an immutable snapshot of a run's cycle position, node
// statuses, and context, owned by the run that produced it. Restoring a
// checkpoint rewinds the live run state; already-emitted events are not
// replayed.
type Checkpoint struct {
	ID           string                `json:"id"`
	RunID        string                `json:"run_id"`
	CycleCount   int                   `json:"cycle_count"`
	NodeStatuses map[string]NodeStatus `json:"node_statuses"`
	TakenAt      time.Time             `json:"taken_at"`

	ctx *core.ExecContext
}

// ContextSnapshot returns a copy of the captured context mapping.
func (cp *Checkpoint) ContextSnapshot() map[string]any {
	return cp.ctx.Snapshot()
}

// TakeCheckpoint captures the run's cycle count, node statuses, and context
// atomically with respect to the controller's writer lane.
func (c *Controller) TakeCheckpoint() (*Checkpoint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status.Terminal() {
		return nil, fmt.Errorf("%w: cannot checkpoint run in state %q", ErrInvalidTransition, c.status)
	}

	statuses := make(map[string]NodeStatus, len(c.nodeStatuses))
	for addr, st := range c.nodeStatuses {
		statuses[addr] = st
	}

	cp := &Checkpoint{
		ID:           uuid.NewString(),
		RunID:        c.runID,
		CycleCount:   c.cycleCount,
		NodeStatuses: statuses,
		TakenAt:      c.now(),
		ctx:          c.runCtx.Clone(),
	}
	c.checkpoints[cp.ID] = cp
	return cp, nil
}

// RestoreCheckpoint replaces the paused run's node statuses, context, and
// cycle count with the snapshot's. Restoring a run that is not paused fails
// with ErrInvalidTransition.
func (c *Controller) RestoreCheckpoint(id string) error {
	c.mu.Lock()
	if c.status != StatusPaused {
		c.mu.Unlock()
		return fmt.Errorf("%w: cannot restore run in state %q", ErrInvalidTransition, c.status)
	}
	cp, ok := c.checkpoints[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrCheckpointNotFound, id)
	}

	c.nodeStatuses = make(map[string]NodeStatus, len(cp.NodeStatuses))
	completed := 0
	for addr, st := range cp.NodeStatuses {
		c.nodeStatuses[addr] = st
		if st == NodeCompleted || st == NodeSkipped {
			completed++
		}
	}
	c.runCtx = cp.ctx.Clone()
	c.cycleCount = cp.CycleCount
	c.completedCount = completed
	c.currentInference = ""
	// Invalidate the execution loop's current cycle: node readiness must be
	// recomputed from the restored statuses before anything else executes.
	c.restoreGen++
	c.mu.Unlock()

	c.logger.Info("checkpoint restored", "checkpoint_id", id, "cycle_count", cp.CycleCount)
	c.emitStatuses()
	c.emitProgress()
	return nil
}

// Checkpoints lists the run's checkpoints ordered by capture time.
func (c *Controller) Checkpoints() []*Checkpoint {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*Checkpoint, 0, len(c.checkpoints))
	for _, cp := range c.checkpoints {
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TakenAt.Before(out[j].TakenAt) })
	return out
}
