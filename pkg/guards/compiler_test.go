package guards

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openfroyo/converge/pkg/engine"
)

func TestCompiler_Command(t *testing.T) {
	c := NewCompiler(nil, nil)
	spec := Spec{
		Command:     "test -f /etc/ntpd.conf",
		Cwd:         "/etc",
		Environment: map[string]string{"LC_ALL": "C"},
		Timeout:     30 * time.Second,
	}

	cond, err := c.Compile(context.Background(), engine.NotIf, spec)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if cond.Positivity != engine.NotIf || cond.Command != spec.Command {
		t.Errorf("conditional = %+v", cond)
	}
	if cond.Options.Dir != "/etc" || cond.Options.Env["LC_ALL"] != "C" || cond.Options.Timeout != 30*time.Second {
		t.Errorf("options = %+v", cond.Options)
	}
}

func TestCompiler_Starlark(t *testing.T) {
	c := NewCompiler(NewStarlarkEvaluator(time.Second), nil)
	ctx := context.Background()

	cond, err := c.Compile(ctx, engine.OnlyIf, Spec{Starlark: `node.platform == "openbsd"`})
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if cond.String() != `only_if { starlark: node.platform == "openbsd" }` {
		t.Errorf("String() = %s", cond.String())
	}

	ok, err := cond.Continue(ctx, nil, testNode())
	if err != nil || !ok {
		t.Errorf("Continue() = %v, %v", ok, err)
	}
	ok, err = cond.Continue(ctx, nil, &engine.Node{Platform: "linux"})
	if err != nil || ok {
		t.Errorf("Continue() on linux = %v, %v", ok, err)
	}
}

func TestCompiler_WASM(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "never.wasm"), checkModule(CheckExport, 0x00), 0o644); err != nil {
		t.Fatal(err)
	}

	c := NewCompiler(nil, newRuntime(t))
	c.BaseDir = dir

	cond, err := c.Compile(ctx, engine.NotIf, Spec{WASM: "never.wasm"})
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	ok, err := cond.Continue(ctx, nil, testNode())
	if err != nil || !ok {
		t.Errorf("not_if with a falsy module should continue: %v, %v", ok, err)
	}

	if _, err := NewCompiler(nil, nil).Compile(ctx, engine.NotIf, Spec{WASM: "never.wasm"}); !engine.IsConfiguration(err) {
		t.Errorf("expected configuration error without a runtime, got %v", err)
	}
}

func TestCompiler_InvalidSpecs(t *testing.T) {
	c := NewCompiler(nil, nil)

	tests := []struct {
		name string
		spec Spec
	}{
		{"empty", Spec{}},
		{"two kinds", Spec{Command: "true", Starlark: "True"}},
		{"blank starlark", Spec{Starlark: "  "}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := c.Compile(context.Background(), engine.OnlyIf, tt.spec); !engine.IsArgument(err) {
				t.Errorf("expected argument error, got %v", err)
			}
		})
	}
}
