package selection

import (
	"context"
	"fmt"
	"time"

	"go.starlark.net/starlark"
)

// Evaluator decides whether a single candidate satisfies an expression.
type Evaluator interface {
	Match(ctx context.Context, expression string, c Candidate) (bool, error)
}

// Size units predeclared for expressions.
const (
	KB = 1 << 10
	MB = 1 << 20
	GB = 1 << 30
	TB = 1 << 40
)

// StarlarkEvaluator evaluates expressions as sandboxed Starlark boolean expressions.
// Candidate attributes are predeclared as global names.
type StarlarkEvaluator struct {
	timeout  time.Duration
	maxSteps uint64
}

// NewStarlarkEvaluator creates a new Starlark evaluator.
func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &StarlarkEvaluator{
		timeout:  timeout,
		maxSteps: 100000,
	}
}

// Match evaluates expression against the attributes of c.
func (se *StarlarkEvaluator) Match(ctx context.Context, expression string, c Candidate) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	evalCtx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name:  "selection",
		Print: func(_ *starlark.Thread, _ string) {},
	}
	thread.SetMaxExecutionSteps(se.maxSteps)

	stop := context.AfterFunc(evalCtx, func() {
		thread.Cancel(evalCtx.Err().Error())
	})
	defer stop()

	env := starlark.StringDict{
		"KB": starlark.MakeInt(KB),
		"MB": starlark.MakeInt(MB),
		"GB": starlark.MakeInt(GB),
		"TB": starlark.MakeInt64(TB),
	}
	for key, val := range c.Attributes() {
		sv, err := toStarlarkValue(val)
		if err != nil {
			return false, fmt.Errorf("candidate %s attribute %s: %w", c.ID(), key, err)
		}
		env[key] = sv
	}

	result, err := starlark.Eval(thread, "condition", expression, env)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, ctxErr
		}
		return false, fmt.Errorf("evaluate %q on %s: %w", expression, c.ID(), err)
	}

	b, ok := result.(starlark.Bool)
	if !ok {
		return false, fmt.Errorf("expression %q returned %s, want bool", expression, result.Type())
	}
	return bool(b), nil
}

// toStarlarkValue converts a Go attribute value to a Starlark value.
func toStarlarkValue(v any) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case uint:
		return starlark.MakeUint(val), nil
	case uint64:
		return starlark.MakeUint64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			list[i] = starlark.String(item)
		}
		return starlark.NewList(list), nil
	case []any:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case map[string]any:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}
