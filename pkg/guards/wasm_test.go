package guards

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

// checkModule returns a module exporting name as a () -> i32 function
// returning result.
func checkModule(name string, result byte) []byte {
	module := []byte{
		0x00, 0x61, 0x73, 0x6d, // magic
		0x01, 0x00, 0x00, 0x00, // version
		0x01, 0x05, 0x01, 0x60, 0x00, 0x01, 0x7f, // type: () -> i32
		0x03, 0x02, 0x01, 0x00, // function 0 has type 0
	}
	export := append([]byte{0x01, byte(len(name))}, name...)
	export = append(export, 0x00, 0x00)
	module = append(module, 0x07, byte(len(export)))
	module = append(module, export...)
	// code: i32.const result; end
	return append(module, 0x0a, 0x06, 0x01, 0x04, 0x00, 0x41, result, 0x0b)
}

func newRuntime(t *testing.T) *WASMRuntime {
	t.Helper()
	ctx := context.Background()
	w, err := NewWASMRuntime(ctx, WASMConfig{})
	if err != nil {
		t.Fatalf("NewWASMRuntime failed: %v", err)
	}
	t.Cleanup(func() { _ = w.Close(ctx) })
	return w
}

func TestWASMRuntime_Predicate(t *testing.T) {
	w := newRuntime(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		result byte
		want   bool
	}{
		{"truthy", 0x01, true},
		{"falsy", 0x00, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pred, err := w.Predicate(ctx, checkModule(CheckExport, tt.result))
			if err != nil {
				t.Fatalf("Predicate failed: %v", err)
			}
			// Evaluated twice to make sure instances do not collide
			for i := 0; i < 2; i++ {
				got, err := pred(ctx, testNode())
				if err != nil {
					t.Fatalf("evaluation failed: %v", err)
				}
				if got != tt.want {
					t.Errorf("got %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestWASMRuntime_InvalidModules(t *testing.T) {
	w := newRuntime(t)
	ctx := context.Background()

	if _, err := w.Predicate(ctx, []byte("not wasm")); err == nil {
		t.Error("expected compile error")
	}
	if _, err := w.Predicate(ctx, checkModule("other", 0x01)); err == nil {
		t.Error("expected error for a module without check")
	}
}

func TestWASMRuntime_PredicateFile(t *testing.T) {
	w := newRuntime(t)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "guard.wasm")
	if err := os.WriteFile(path, checkModule(CheckExport, 0x01), 0o644); err != nil {
		t.Fatal(err)
	}

	pred, err := w.PredicateFile(ctx, path)
	if err != nil {
		t.Fatalf("PredicateFile failed: %v", err)
	}
	if ok, err := pred(ctx, testNode()); err != nil || !ok {
		t.Errorf("got %v, %v", ok, err)
	}

	if _, err := w.PredicateFile(ctx, filepath.Join(t.TempDir(), "missing.wasm")); err == nil {
		t.Error("expected error for a missing module")
	}
}
