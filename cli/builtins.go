package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lys5588/psylens/core"
)

// RegisterBuiltins installs the standard step functions available to plans
// executed through the CLI. The set is intentionally small: plans destined
// for production register their own functions against the daemon's registry.
func RegisterBuiltins(reg *core.FuncRegistry) error {
	builtins := map[string]core.StepFunc{
		"echo":      builtinEcho,
		"concat":    builtinConcat,
		"uppercase": builtinUppercase,
		"lowercase": builtinLowercase,
		"length":    builtinLength,
		"sleep":     builtinSleep,
	}
	for name, fn := range builtins {
		if err := reg.Register(name, fn); err != nil {
			return fmt.Errorf("registering builtin %q: %w", name, err)
		}
	}
	return nil
}

// echo returns its positional value, or the "value" keyword argument.
func builtinEcho(_ context.Context, call core.Call) (any, error) {
	if call.HasValue {
		return call.Value, nil
	}
	return call.Kwargs["value"], nil
}

// concat joins prefix + value + suffix as strings.
func builtinConcat(_ context.Context, call core.Call) (any, error) {
	var sb strings.Builder
	if p, ok := call.Kwargs["prefix"]; ok {
		sb.WriteString(fmt.Sprint(p))
	}
	if call.HasValue {
		sb.WriteString(fmt.Sprint(call.Value))
	}
	if s, ok := call.Kwargs["suffix"]; ok {
		sb.WriteString(fmt.Sprint(s))
	}
	return sb.String(), nil
}

func builtinUppercase(_ context.Context, call core.Call) (any, error) {
	return strings.ToUpper(fmt.Sprint(call.Value)), nil
}

func builtinLowercase(_ context.Context, call core.Call) (any, error) {
	return strings.ToLower(fmt.Sprint(call.Value)), nil
}

func builtinLength(_ context.Context, call core.Call) (any, error) {
	switch v := call.Value.(type) {
	case string:
		return len(v), nil
	case []any:
		return len(v), nil
	case map[string]any:
		return len(v), nil
	default:
		return nil, fmt.Errorf("length: unsupported type %T", call.Value)
	}
}

// sleep pauses for the "ms" keyword argument and passes its value through.
// Cancellation ends the sleep early.
func builtinSleep(ctx context.Context, call core.Call) (any, error) {
	ms, ok := call.Kwargs["ms"]
	if !ok {
		return nil, fmt.Errorf("sleep: missing %q parameter", "ms")
	}
	var d time.Duration
	switch v := ms.(type) {
	case int:
		d = time.Duration(v) * time.Millisecond
	case int64:
		d = time.Duration(v) * time.Millisecond
	case float64:
		d = time.Duration(v * float64(time.Millisecond))
	default:
		return nil, fmt.Errorf("sleep: %q must be numeric, got %T", "ms", ms)
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return call.Value, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
