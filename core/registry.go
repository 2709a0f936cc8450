package core

import (
	"fmt"
	"sort"
	"sync"
)

// FuncRegistry maps function names to step functions. Plan definitions
// reference functions by name; hydration resolves them through a registry.
// Safe for concurrent use.
type FuncRegistry struct {
	mu  sync.RWMutex
	fns map[string]StepFunc
}

// NewFuncRegistry creates an empty registry.
func NewFuncRegistry() *FuncRegistry {
	return &FuncRegistry{fns: make(map[string]StepFunc)}
}

// Register adds a named function. Registering an existing name is an error.
func (r *FuncRegistry) Register(name string, fn StepFunc) error {
	if name == "" {
		return fmt.Errorf("register: empty function name")
	}
	if fn == nil {
		return fmt.Errorf("register %q: nil function", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.fns[name]; ok {
		return fmt.Errorf("register %q: already registered", name)
	}
	r.fns[name] = fn
	return nil
}

// Lookup returns the function registered under name.
func (r *FuncRegistry) Lookup(name string) (StepFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.fns[name]
	return fn, ok
}

// Names returns the registered names, sorted.
func (r *FuncRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.fns))
	for name := range r.fns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
