package core

import (
	"context"
	"errors"
	"testing"
)

func constFunc(v any) FunctionRef {
	return Direct(func(_ context.Context, _ Call) (any, error) {
		return v, nil
	})
}

func TestCompose_SequentialStepsThreading(t *testing.T) {
	steps := []Step{
		{Fn: constFunc("first"), OutputKey: "a"},
		{
			Fn: Direct(func(_ context.Context, call Call) (any, error) {
				return call.Value.(string) + "+second", nil
			}),
			OutputKey: "b",
			Params:    map[string]string{ValueParam: "a"},
		},
	}

	out, err := Compose(steps, "").Run(context.Background(), "seed")
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if out != "first+second" {
		t.Errorf("got %v, want %q", out, "first+second")
	}
}

func TestCompose_ConditionFalseSkipsStep(t *testing.T) {
	steps := []Step{
		{Fn: constFunc("A"), OutputKey: "a"},
		{
			Fn:        constFunc("B"),
			OutputKey: "b",
			Condition: &Condition{Key: "flag", Op: OpIsTrue},
		},
	}

	comp := Compose(steps, "")

	// flag=false: b is skipped, result falls back to a.
	ec := NewExecContext("input")
	ec.Set("flag", false)
	out, err := comp.RunWith(context.Background(), ec)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if out != "A" {
		t.Errorf("with flag=false got %v, want %q", out, "A")
	}
	if ec.Has("b") {
		t.Error("skipped step must not write its output key")
	}

	// flag=true: b executes and wins as last-inserted.
	ec = NewExecContext("input")
	ec.Set("flag", true)
	out, err = comp.RunWith(context.Background(), ec)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if out != "B" {
		t.Errorf("with flag=true got %v, want %q", out, "B")
	}
}

func TestCompose_ConditionKeyMissing(t *testing.T) {
	steps := []Step{
		{Fn: constFunc("x"), Condition: &Condition{Key: "absent", Op: OpIsTrue}},
	}

	_, err := Compose(steps, "").Run(context.Background(), nil)
	if !errors.Is(err, ErrConditionKeyMissing) {
		t.Fatalf("got %v, want ErrConditionKeyMissing", err)
	}
}

func TestCompose_NotExistsMatchesMissingKey(t *testing.T) {
	ran := false
	steps := []Step{
		{
			Fn: Direct(func(_ context.Context, _ Call) (any, error) {
				ran = true
				return "ok", nil
			}),
			Condition: &Condition{Key: "absent", Op: OpNotExists},
		},
	}

	if _, err := Compose(steps, "").Run(context.Background(), nil); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if !ran {
		t.Error("not_exists on a missing key should match, not error")
	}
}

func TestCompose_NotExistsMatchesNilValue(t *testing.T) {
	ec := NewExecContext(nil)
	ec.Set("k", nil)

	cond := &Condition{Key: "k", Op: OpNotExists}
	res, err := cond.Eval(ec)
	if err != nil {
		t.Fatalf("Eval returned error: %v", err)
	}
	if res != CondMatched {
		t.Error("not_exists should treat a stored nil as absent")
	}
}

func TestCompose_UnsupportedOperator(t *testing.T) {
	steps := []Step{
		{Fn: constFunc("x"), Condition: &Condition{Key: "k", Op: "greater_than"}},
	}
	ec := NewExecContext(nil)
	ec.Set("k", 1)

	_, err := Compose(steps, "").RunWith(context.Background(), ec)
	if !errors.Is(err, ErrUnsupportedOperator) {
		t.Fatalf("got %v, want ErrUnsupportedOperator", err)
	}
}

func TestCompose_ParamKeyMissingAbortsRemainingSteps(t *testing.T) {
	laterRan := false
	steps := []Step{
		{
			Fn:     constFunc("x"),
			Params: map[string]string{"arg": "missing_key"},
		},
		{
			Fn: Direct(func(_ context.Context, _ Call) (any, error) {
				laterRan = true
				return nil, nil
			}),
		},
	}

	_, err := Compose(steps, "").Run(context.Background(), nil)
	if !errors.Is(err, ErrParamKeyMissing) {
		t.Fatalf("got %v, want ErrParamKeyMissing", err)
	}
	if laterRan {
		t.Error("later steps must not execute after a failure")
	}
}

func TestCompose_LiteralParamsAreBaseKwargs(t *testing.T) {
	var got Call
	steps := []Step{
		{
			Fn: Direct(func(_ context.Context, call Call) (any, error) {
				got = call
				return nil, nil
			}),
			LiteralParams: map[string]any{"mode": "fast", "retries": 3},
			Params:        map[string]string{"mode": "override_key", ValueParam: InputKey},
		},
	}

	ec := NewExecContext("the-input")
	ec.Set("override_key", "slow")
	if _, err := Compose(steps, "").RunWith(context.Background(), ec); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if !got.HasValue || got.Value != "the-input" {
		t.Errorf("positional value = %v (has=%v), want the seeded input", got.Value, got.HasValue)
	}
	if got.Kwargs["mode"] != "slow" {
		t.Errorf("context param should override literal, got %v", got.Kwargs["mode"])
	}
	if got.Kwargs["retries"] != 3 {
		t.Errorf("literal retries = %v, want 3", got.Kwargs["retries"])
	}
}

func TestCompose_StepExecutionErrorCarriesIndexAndKey(t *testing.T) {
	boom := errors.New("boom")
	steps := []Step{
		{Fn: constFunc("a"), OutputKey: "a"},
		{
			Fn: Direct(func(_ context.Context, _ Call) (any, error) {
				return nil, boom
			}),
			OutputKey: "b",
		},
	}

	_, err := Compose(steps, "").Run(context.Background(), nil)
	var stepErr *StepExecutionError
	if !errors.As(err, &stepErr) {
		t.Fatalf("got %T, want *StepExecutionError", err)
	}
	if stepErr.Step != 1 || stepErr.OutputKey != "b" {
		t.Errorf("got step=%d key=%q, want step=1 key=b", stepErr.Step, stepErr.OutputKey)
	}
	if !errors.Is(err, boom) {
		t.Error("StepExecutionError should unwrap to the underlying cause")
	}
}

func TestCompose_ReturnKey(t *testing.T) {
	steps := []Step{
		{Fn: constFunc("A"), OutputKey: "a"},
		{Fn: constFunc("B"), OutputKey: "b"},
	}

	out, err := Compose(steps, "a").Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if out != "A" {
		t.Errorf("got %v, want %q", out, "A")
	}

	_, err = Compose(steps, "zzz").Run(context.Background(), nil)
	if !errors.Is(err, ErrReturnKeyMissing) {
		t.Fatalf("got %v, want ErrReturnKeyMissing", err)
	}
}

func TestCompose_NoStepsReturnsSeededInput(t *testing.T) {
	out, err := Compose(nil, "").Run(context.Background(), 42)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if out != 42 {
		t.Errorf("got %v, want the seeded input", out)
	}
}

func TestCompose_DefaultOutputKey(t *testing.T) {
	ec := NewExecContext(nil)
	steps := []Step{{Fn: constFunc("x")}}

	if _, err := Compose(steps, "").RunWith(context.Background(), ec); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if v, ok := ec.Get("step_0_result"); !ok || v != "x" {
		t.Errorf("default output key: got %v ok=%v", v, ok)
	}
}

func TestCompose_LateBoundFunctionReference(t *testing.T) {
	ec := NewExecContext(nil)
	ec.Set("helper", StepFunc(func(_ context.Context, _ Call) (any, error) {
		return "from-context", nil
	}))

	steps := []Step{{Fn: ContextLookup("helper"), OutputKey: "out"}}
	out, err := Compose(steps, "out").RunWith(context.Background(), ec)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if out != "from-context" {
		t.Errorf("got %v, want %q", out, "from-context")
	}

	_, err = Compose([]Step{{Fn: ContextLookup("nope")}}, "").Run(context.Background(), nil)
	if !errors.Is(err, ErrFunctionReferenceMissing) {
		t.Fatalf("got %v, want ErrFunctionReferenceMissing", err)
	}
}

type recordingObserver struct {
	started   int
	steps     []int
	failed    []int
	completed int
}

func (r *recordingObserver) CompositionStarted(int, string)    { r.started++ }
func (r *recordingObserver) StepStarted(i int, _, _ string)    { r.steps = append(r.steps, i) }
func (r *recordingObserver) StepFailed(i int, _ string, _ error) {
	r.failed = append(r.failed, i)
}
func (r *recordingObserver) CompositionCompleted(string) { r.completed++ }

func TestCompose_ObserverCallbacks(t *testing.T) {
	obs := &recordingObserver{}
	steps := []Step{
		{Fn: constFunc("a")},
		{
			Fn: Direct(func(_ context.Context, _ Call) (any, error) {
				return nil, errors.New("nope")
			}),
		},
	}

	_, err := Compose(steps, "").WithObserver(obs).Run(context.Background(), nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if obs.started != 1 || obs.completed != 0 {
		t.Errorf("started=%d completed=%d, want 1 and 0", obs.started, obs.completed)
	}
	if len(obs.steps) != 2 || len(obs.failed) != 1 || obs.failed[0] != 1 {
		t.Errorf("steps=%v failed=%v", obs.steps, obs.failed)
	}
}
