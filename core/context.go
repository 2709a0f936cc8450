package core

// InputKey is the reserved context key under which the initial input to a
// composition (or a run) is seeded.
const InputKey = "__input__"

// ExecContext is an insertion-ordered mapping from string keys to values.
// It is seeded with the initial input under InputKey and grows by one entry
// per successfully executed step. Keys are never removed; writing an existing
// key replaces its value without changing its position in the order.
//
// ExecContext is not safe for concurrent use. The run controller confines
// each context to its serialized writer lane and hands out snapshots to
// readers.
type ExecContext struct {
	keys   []string
	values map[string]any
}

// NewExecContext creates a context seeded with the given input under InputKey.
func NewExecContext(input any) *ExecContext {
	ec := &ExecContext{values: make(map[string]any)}
	ec.Set(InputKey, input)
	return ec
}

// Set writes a value under key, appending the key to the insertion order if
// it is new.
func (ec *ExecContext) Set(key string, value any) {
	if _, ok := ec.values[key]; !ok {
		ec.keys = append(ec.keys, key)
	}
	ec.values[key] = value
}

// Get returns the value stored under key.
func (ec *ExecContext) Get(key string) (any, bool) {
	v, ok := ec.values[key]
	return v, ok
}

// Has reports whether key is present.
func (ec *ExecContext) Has(key string) bool {
	_, ok := ec.values[key]
	return ok
}

// Len returns the number of entries.
func (ec *ExecContext) Len() int {
	return len(ec.keys)
}

// Keys returns the keys in insertion order.
func (ec *ExecContext) Keys() []string {
	out := make([]string, len(ec.keys))
	copy(out, ec.keys)
	return out
}

// LastKey returns the most recently inserted key, or "" for an empty context.
func (ec *ExecContext) LastKey() string {
	if len(ec.keys) == 0 {
		return ""
	}
	return ec.keys[len(ec.keys)-1]
}

// LastValue returns the value of the most recently inserted key. For a freshly
// seeded context this is the initial input.
func (ec *ExecContext) LastValue() any {
	return ec.values[ec.LastKey()]
}

// Snapshot returns a copy of the mapping. Values are copied shallowly.
func (ec *ExecContext) Snapshot() map[string]any {
	out := make(map[string]any, len(ec.values))
	for k, v := range ec.values {
		out[k] = v
	}
	return out
}

// Clone returns an independent copy preserving insertion order.
func (ec *ExecContext) Clone() *ExecContext {
	clone := &ExecContext{
		keys:   make([]string, len(ec.keys)),
		values: make(map[string]any, len(ec.values)),
	}
	copy(clone.keys, ec.keys)
	for k, v := range ec.values {
		clone.values[k] = v
	}
	return clone
}
