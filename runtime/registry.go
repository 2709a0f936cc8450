package runtime

import (
	"fmt"
	"sort"
	"sync"
)

// Registry owns all live run controllers for its lifetime. It is the only
// cross-run shared mutable state in the runtime and is safe for concurrent
// use from arbitrary request handlers.
type Registry struct {
	mu   sync.RWMutex
	runs map[string]*Controller
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{runs: make(map[string]*Controller)}
}

// Add registers a controller under its run ID.
func (r *Registry) Add(c *Controller) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.runs[c.RunID()]; ok {
		return fmt.Errorf("run %q already registered", c.RunID())
	}
	r.runs[c.RunID()] = c
	return nil
}

// Get returns the controller for a run ID.
func (r *Registry) Get(runID string) (*Controller, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrRunNotFound, runID)
	}
	return c, nil
}

// StateOf returns a snapshot of the run's state.
func (r *Registry) StateOf(runID string) (RunState, error) {
	c, err := r.Get(runID)
	if err != nil {
		return RunState{}, err
	}
	return c.State(), nil
}

// Remove drops a run from the registry. Removing an unknown run is an error.
func (r *Registry) Remove(runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.runs[runID]; !ok {
		return fmt.Errorf("%w: %q", ErrRunNotFound, runID)
	}
	delete(r.runs, runID)
	return nil
}

// List returns snapshots of all registered runs, ordered by start time and
// then run ID for stable output.
func (r *Registry) List() []RunState {
	r.mu.RLock()
	controllers := make([]*Controller, 0, len(r.runs))
	for _, c := range r.runs {
		controllers = append(controllers, c)
	}
	r.mu.RUnlock()

	states := make([]RunState, 0, len(controllers))
	for _, c := range controllers {
		states = append(states, c.State())
	}
	sort.Slice(states, func(i, j int) bool {
		if !states[i].StartedAt.Equal(states[j].StartedAt) {
			return states[i].StartedAt.Before(states[j].StartedAt)
		}
		return states[i].RunID < states[j].RunID
	})
	return states
}

// ActiveCount returns the number of runs not yet in a terminal state.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	controllers := make([]*Controller, 0, len(r.runs))
	for _, c := range r.runs {
		controllers = append(controllers, c)
	}
	r.mu.RUnlock()

	active := 0
	for _, c := range controllers {
		if !c.State().Status.Terminal() {
			active++
		}
	}
	return active
}
