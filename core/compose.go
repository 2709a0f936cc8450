// Package core provides the data model and step-composition interpreter for
// Psylens inference plans: executable plans, the insertion-ordered execution
// context, and the conditional multi-step call sequence bound to each node.
package core

import (
	"context"
	"fmt"
)

// ValueParam is the reserved parameter name that binds a resolved context
// value as the call's positional argument (Call.Value) instead of a keyword.
const ValueParam = "value"

// Call carries the arguments for one step invocation.
type Call struct {
	// Value is the positional argument, bound from the reserved ValueParam
	// name. HasValue reports whether it was bound at all.
	Value    any
	HasValue bool

	// Kwargs are the keyword arguments, merged from literal params (base)
	// and context-resolved params (override).
	Kwargs map[string]any
}

// StepFunc is the callable a step invokes.
type StepFunc func(ctx context.Context, call Call) (any, error)

// CondOp is a condition operator. The set is closed; anything else fails
// with ErrUnsupportedOperator.
type CondOp string

const (
	OpIsTrue    CondOp = "is_true"
	OpIsFalse   CondOp = "is_false"
	OpExists    CondOp = "exists"
	OpNotExists CondOp = "not_exists"
)

// Valid reports whether the operator is in the closed set.
func (op CondOp) Valid() bool {
	switch op {
	case OpIsTrue, OpIsFalse, OpExists, OpNotExists:
		return true
	}
	return false
}

// Condition gates the execution of a step or node on a context key.
type Condition struct {
	Key string `json:"key" yaml:"key"`
	Op  CondOp `json:"op" yaml:"op"`
}

// ConditionResult is the outcome of evaluating a condition. Evaluation errors
// are returned separately rather than encoded as a result.
type ConditionResult int

const (
	// CondMatched means the gated unit should execute.
	CondMatched ConditionResult = iota

	// CondSkipped means the gated unit is skipped entirely.
	CondSkipped
)

// Eval evaluates the condition against the context. A missing key fails with
// ErrConditionKeyMissing for every operator except OpNotExists, whose
// semantics are to test absence (a missing key, or a stored nil, matches).
func (c *Condition) Eval(ec *ExecContext) (ConditionResult, error) {
	v, ok := ec.Get(c.Key)

	switch c.Op {
	case OpIsTrue, OpIsFalse:
		if !ok {
			return CondSkipped, fmt.Errorf("%w: %q", ErrConditionKeyMissing, c.Key)
		}
		truthy := isTruthy(v)
		if (c.Op == OpIsTrue) == truthy {
			return CondMatched, nil
		}
		return CondSkipped, nil

	case OpExists:
		if !ok {
			return CondSkipped, fmt.Errorf("%w: %q", ErrConditionKeyMissing, c.Key)
		}
		return CondMatched, nil

	case OpNotExists:
		if !ok || v == nil {
			return CondMatched, nil
		}
		return CondSkipped, nil

	default:
		return CondSkipped, fmt.Errorf("%w: %q", ErrUnsupportedOperator, c.Op)
	}
}

// isTruthy coerces a context value to a boolean.
func isTruthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}

// FunctionRef is a tagged reference to the function a step invokes: either a
// direct callable or a late-bound lookup into the execution context, resolved
// explicitly before invocation.
type FunctionRef struct {
	fn         StepFunc
	contextKey string
	name       string
}

// Direct wraps a callable as a function reference.
func Direct(fn StepFunc) FunctionRef {
	return FunctionRef{fn: fn}
}

// Named wraps a callable together with the registry name it was resolved
// from, so events can report which function a step invoked.
func Named(name string, fn StepFunc) FunctionRef {
	return FunctionRef{fn: fn, name: name}
}

// ContextLookup references a function stored in the execution context under
// the given key.
func ContextLookup(key string) FunctionRef {
	return FunctionRef{contextKey: key}
}

// IsZero reports whether the reference is unset.
func (r FunctionRef) IsZero() bool {
	return r.fn == nil && r.contextKey == ""
}

// Describe returns a short label for events and logs.
func (r FunctionRef) Describe() string {
	switch {
	case r.name != "":
		return r.name
	case r.contextKey != "":
		return "context:" + r.contextKey
	case r.fn != nil:
		return "direct"
	default:
		return "unset"
	}
}

// resolve returns the callable, looking it up in the context for late-bound
// references.
func (r FunctionRef) resolve(ec *ExecContext) (StepFunc, error) {
	if r.fn != nil {
		return r.fn, nil
	}
	v, ok := ec.Get(r.contextKey)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrFunctionReferenceMissing, r.contextKey)
	}
	fn, ok := v.(StepFunc)
	if !ok {
		return nil, fmt.Errorf("%w: %q holds %T, not a step function", ErrFunctionReferenceMissing, r.contextKey, v)
	}
	return fn, nil
}

// Step is one unit of a composition: a function invocation with context
// threading and optional conditional execution.
type Step struct {
	// Fn is the function to invoke.
	Fn FunctionRef

	// OutputKey is the context key the result is stored under. Empty means
	// the positional default "step_<i>_result".
	OutputKey string

	// Params maps parameter names to context keys resolved at invocation.
	// The reserved name ValueParam binds positionally.
	Params map[string]string

	// LiteralParams maps parameter names to literal values, merged as the
	// base keyword set before Params are resolved.
	LiteralParams map[string]any

	// Condition, when present, gates the step. A false condition skips the
	// step entirely: no output is written and execution proceeds.
	Condition *Condition
}

// ResolvedOutputKey returns the step's output key, applying the positional
// default for index i.
func (s *Step) ResolvedOutputKey(i int) string {
	if s.OutputKey != "" {
		return s.OutputKey
	}
	return fmt.Sprintf("step_%d_result", i)
}

// StepObserver receives composition progress callbacks. Implementations must
// not retain the arguments past the call.
type StepObserver interface {
	CompositionStarted(stepCount int, returnKey string)
	StepStarted(step int, outputKey, function string)
	StepFailed(step int, outputKey string, err error)
	CompositionCompleted(returnKey string)
}

// Composition is an ordered, conditional, context-threaded step sequence.
// It is a pure function of (steps, context): no state is carried across
// invocations.
type Composition struct {
	steps     []Step
	returnKey string
	obs       StepObserver
}

// Compose builds a composition over the given steps. If returnKey is empty,
// Run returns the last-inserted context value, which is the seeded input when
// no step ran or all steps were skipped.
func Compose(steps []Step, returnKey string) *Composition {
	return &Composition{steps: steps, returnKey: returnKey}
}

// WithObserver attaches a progress observer.
func (c *Composition) WithObserver(obs StepObserver) *Composition {
	c.obs = obs
	return c
}

// Run executes the composition against a fresh context seeded with input.
func (c *Composition) Run(ctx context.Context, input any) (any, error) {
	return c.RunWith(ctx, NewExecContext(input))
}

// RunWith executes the composition against an existing context. Any failure
// aborts immediately: no further steps run and the partial context is
// discarded with the composition.
func (c *Composition) RunWith(ctx context.Context, ec *ExecContext) (any, error) {
	if c.obs != nil {
		c.obs.CompositionStarted(len(c.steps), c.returnKey)
	}

	for i := range c.steps {
		step := &c.steps[i]
		outputKey := step.ResolvedOutputKey(i)

		if step.Condition != nil {
			res, err := step.Condition.Eval(ec)
			if err != nil {
				return nil, fmt.Errorf("step %d (%s): %w", i, outputKey, err)
			}
			if res == CondSkipped {
				continue
			}
		}

		fn, err := step.Fn.resolve(ec)
		if err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i, outputKey, err)
		}

		call, err := buildCall(step, ec)
		if err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i, outputKey, err)
		}

		if c.obs != nil {
			c.obs.StepStarted(i, outputKey, step.Fn.Describe())
		}

		out, err := fn(ctx, call)
		if err != nil {
			stepErr := &StepExecutionError{Step: i, OutputKey: outputKey, Err: err}
			if c.obs != nil {
				c.obs.StepFailed(i, outputKey, stepErr)
			}
			return nil, stepErr
		}

		ec.Set(outputKey, out)
	}

	if c.obs != nil {
		c.obs.CompositionCompleted(c.returnKey)
	}

	if c.returnKey != "" {
		v, ok := ec.Get(c.returnKey)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrReturnKeyMissing, c.returnKey)
		}
		return v, nil
	}
	return ec.LastValue(), nil
}

// buildCall merges literal params as the base keyword set, then resolves
// context params over them. The reserved ValueParam name binds positionally.
func buildCall(step *Step, ec *ExecContext) (Call, error) {
	call := Call{Kwargs: make(map[string]any, len(step.LiteralParams)+len(step.Params))}

	for name, v := range step.LiteralParams {
		if name == ValueParam {
			call.Value = v
			call.HasValue = true
			continue
		}
		call.Kwargs[name] = v
	}

	for name, key := range step.Params {
		v, ok := ec.Get(key)
		if !ok {
			return Call{}, fmt.Errorf("%w: param %q references %q", ErrParamKeyMissing, name, key)
		}
		if name == ValueParam {
			call.Value = v
			call.HasValue = true
			continue
		}
		call.Kwargs[name] = v
	}

	return call, nil
}
