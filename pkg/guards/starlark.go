// Package guards builds block guards for only_if and not_if conditions.
//
// Block guards are predicates over the node facts. They are written either
// as Starlark expressions or scripts, or shipped as WebAssembly modules
// exporting a check function. Both kinds run sandboxed with a timeout.
package guards

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/converge/pkg/engine"
)

// DefaultTimeout bounds a single guard evaluation.
const DefaultTimeout = 5 * time.Second

// maxSteps bounds the work a Starlark guard may do.
const maxSteps = 1_000_000

// StarlarkEvaluator compiles Starlark guards.
//
// A single-line source is an expression whose truth value is the guard
// result, e.g. node.platform == "openbsd". A multi-line source is a script
// that must assign the global result.
type StarlarkEvaluator struct {
	timeout time.Duration
}

// NewStarlarkEvaluator creates a Starlark guard evaluator.
func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &StarlarkEvaluator{timeout: timeout}
}

// Predicate returns a predicate evaluating source against the node facts.
func (se *StarlarkEvaluator) Predicate(source string) (engine.Predicate, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return nil, fmt.Errorf("starlark guard is empty")
	}
	return func(ctx context.Context, node *engine.Node) (bool, error) {
		v, err := se.Evaluate(ctx, source, node)
		if err != nil {
			return false, err
		}
		return bool(v.Truth()), nil
	}, nil
}

// Evaluate runs source with node predeclared and returns its value.
func (se *StarlarkEvaluator) Evaluate(ctx context.Context, source string, node *engine.Node) (starlark.Value, error) {
	predeclared, err := predeclared(node)
	if err != nil {
		return nil, err
	}

	thread := &starlark.Thread{
		Name:  "guard",
		Print: func(_ *starlark.Thread, _ string) {},
	}
	thread.SetMaxExecutionSteps(maxSteps)

	ctx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, func() {
		thread.Cancel(ctx.Err().Error())
	})
	defer stop()

	if !strings.Contains(source, "\n") {
		v, err := starlark.Eval(thread, "guard.star", source, predeclared)
		if err != nil {
			return nil, fmt.Errorf("starlark guard failed: %w", err)
		}
		return v, nil
	}

	globals, err := starlark.ExecFile(thread, "guard.star", source, predeclared)
	if err != nil {
		return nil, fmt.Errorf("starlark guard failed: %w", err)
	}
	result, ok := globals["result"]
	if !ok {
		return nil, fmt.Errorf("starlark guard script must assign result")
	}
	return result, nil
}

func predeclared(node *engine.Node) (starlark.StringDict, error) {
	if node == nil {
		node = &engine.Node{}
	}
	attributes, err := toStarlarkValue(node.Attributes)
	if err != nil {
		return nil, fmt.Errorf("failed to convert node attributes: %w", err)
	}
	if attributes == starlark.None {
		attributes = starlark.NewDict(0)
	}

	return starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
		"node": starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
			"name":             starlark.String(node.Name),
			"platform":         starlark.String(node.Platform),
			"platform_version": starlark.String(node.PlatformVersion),
			"arch":             starlark.String(node.Arch),
			"hostname":         starlark.String(node.Hostname),
			"attributes":       attributes,
		}),
		"version_compare": starlark.NewBuiltin("version_compare", builtinVersionCompare),
	}, nil
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
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
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			starlarkItem, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = starlarkItem
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		if val == nil {
			return starlark.None, nil
		}
		dict := starlark.NewDict(len(val))
		for k, v := range val {
			starlarkVal, err := toStarlarkValue(v)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), starlarkVal); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// builtinVersionCompare compares dotted versions numerically and returns
// -1, 0 or 1.
func builtinVersionCompare(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var a, c string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &a, &c); err != nil {
		return nil, err
	}
	return starlark.MakeInt(CompareVersions(a, c)), nil
}

// CompareVersions compares dotted versions field by field. Numeric fields
// compare as numbers, anything else lexically; missing fields count as 0.
func CompareVersions(a, b string) int {
	as, bs := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		x, y := "0", "0"
		if i < len(as) {
			x = as[i]
		}
		if i < len(bs) {
			y = bs[i]
		}
		xn, xerr := strconv.Atoi(x)
		yn, yerr := strconv.Atoi(y)
		switch {
		case xerr == nil && yerr == nil:
			if xn != yn {
				if xn < yn {
					return -1
				}
				return 1
			}
		case x != y:
			if x < y {
				return -1
			}
			return 1
		}
	}
	return 0
}
