package core

import (
	"errors"
	"fmt"
)

// Interpreter and plan errors.
var (
	// ErrUnsupportedOperator is returned when a condition uses an operator
	// outside the closed set (is_true, is_false, exists, not_exists).
	ErrUnsupportedOperator = errors.New("unsupported condition operator")

	// ErrConditionKeyMissing is returned when a condition references a
	// context key that is absent (except under OpNotExists, which tests
	// absence by definition).
	ErrConditionKeyMissing = errors.New("condition key missing from context")

	// ErrFunctionReferenceMissing is returned when a late-bound function
	// reference resolves to an absent context key.
	ErrFunctionReferenceMissing = errors.New("function reference missing from context")

	// ErrParamKeyMissing is returned when a step parameter references an
	// absent context key.
	ErrParamKeyMissing = errors.New("param key missing from context")

	// ErrReturnKeyMissing is returned when the composition's return key is
	// absent from the final context.
	ErrReturnKeyMissing = errors.New("return key missing from context")

	// ErrFunctionNotRegistered is returned during plan hydration when a step
	// names a function the registry does not know.
	ErrFunctionNotRegistered = errors.New("function not registered")

	// ErrNodeNotFound is returned when a node address does not exist in a plan.
	ErrNodeNotFound = errors.New("node not found in plan")

	// ErrInvalidPlan is returned when a plan fails structural validation.
	ErrInvalidPlan = errors.New("invalid plan")
)

// StepExecutionError reports a step whose function invocation failed. It
// aborts the entire composition; the partial context is discarded.
type StepExecutionError struct {
	// Step is the zero-based index of the failed step.
	Step int

	// OutputKey is the key the step would have written.
	OutputKey string

	// Err is the underlying invocation error.
	Err error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step %d (%s) failed: %v", e.Step, e.OutputKey, e.Err)
}

func (e *StepExecutionError) Unwrap() error {
	return e.Err
}
