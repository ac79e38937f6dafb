package guards

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/openfroyo/converge/pkg/engine"
)

// Spec is a declared guard. Exactly one of Command, Starlark and WASM is set.
type Spec struct {
	Command     string            `json:"command,omitempty" yaml:"command,omitempty"`
	Starlark    string            `json:"starlark,omitempty" yaml:"starlark,omitempty"`
	WASM        string            `json:"wasm,omitempty" yaml:"wasm,omitempty"`
	Cwd         string            `json:"cwd,omitempty" yaml:"cwd,omitempty"`
	Environment map[string]string `json:"environment,omitempty" yaml:"environment,omitempty"`
	Timeout     time.Duration     `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Kind names the guard flavour.
func (s Spec) Kind() string {
	switch {
	case s.Command != "":
		return "command"
	case s.Starlark != "":
		return "starlark"
	case s.WASM != "":
		return "wasm"
	}
	return ""
}

func (s Spec) validate() error {
	set := 0
	for _, v := range []string{s.Command, s.Starlark, s.WASM} {
		if v != "" {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("guard must set exactly one of command, starlark or wasm")
	}
	return nil
}

// Compiler turns guard specs into engine conditionals.
type Compiler struct {
	starlark *StarlarkEvaluator
	wasm     *WASMRuntime

	// BaseDir resolves relative WASM module paths.
	BaseDir string
}

// NewCompiler creates a compiler. wasm may be nil when WASM guards are not used.
func NewCompiler(starlark *StarlarkEvaluator, wasm *WASMRuntime) *Compiler {
	if starlark == nil {
		starlark = NewStarlarkEvaluator(DefaultTimeout)
	}
	return &Compiler{starlark: starlark, wasm: wasm}
}

// Compile builds the conditional for spec.
func (c *Compiler) Compile(ctx context.Context, p engine.Positivity, spec Spec) (*engine.Conditional, error) {
	if err := spec.validate(); err != nil {
		return nil, engine.NewArgumentError(fmt.Sprintf("invalid %s guard", p), err).WithCode(engine.ErrCodeValidation)
	}

	switch spec.Kind() {
	case "command":
		return engine.NewCommandGuard(p, spec.Command, engine.CommandOptions{
			Env:     spec.Environment,
			Dir:     spec.Cwd,
			Timeout: spec.Timeout,
		})

	case "starlark":
		pred, err := c.starlark.Predicate(spec.Starlark)
		if err != nil {
			return nil, engine.NewArgumentError(fmt.Sprintf("invalid %s guard", p), err)
		}
		return engine.NewBlockGuard(p, "starlark: "+spec.Starlark, pred)

	default:
		if c.wasm == nil {
			return nil, engine.NewConfigurationError("wasm guards are not enabled", nil)
		}
		path := spec.WASM
		if !filepath.IsAbs(path) && c.BaseDir != "" {
			path = filepath.Join(c.BaseDir, path)
		}
		pred, err := c.wasm.PredicateFile(ctx, path)
		if err != nil {
			return nil, engine.NewConfigurationError(fmt.Sprintf("invalid %s guard", p), err)
		}
		return engine.NewBlockGuard(p, "wasm: "+spec.WASM, pred)
	}
}
