package guards

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/openfroyo/converge/pkg/engine"
)

// CheckExport is the function a WASM guard module must export. It takes no
// arguments and returns a non-zero i32 when the guard holds.
const CheckExport = "check"

// HostModule is the import module offering node facts to guards.
const HostModule = "converge"

// WASMConfig configures the WASM guard runtime.
type WASMConfig struct {
	// Timeout bounds a single evaluation.
	Timeout time.Duration

	// MemoryLimitPages is the maximum memory in 64KB pages. Default is 256 (16MB).
	MemoryLimitPages uint32
}

// WASMRuntime compiles and runs WebAssembly guards.
type WASMRuntime struct {
	runtime wazero.Runtime
	timeout time.Duration
}

type nodeKey struct{}

// NewWASMRuntime creates a runtime with the converge host module.
//
// The host module exports platform_is(ptr, len) i32, which compares the
// UTF-8 string at ptr in the guest memory with the node platform.
func NewWASMRuntime(ctx context.Context, config WASMConfig) (*WASMRuntime, error) {
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.MemoryLimitPages == 0 {
		config.MemoryLimitPages = 256
	}

	runtime := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().
		WithMemoryLimitPages(config.MemoryLimitPages).
		WithCloseOnContextDone(true))

	_, err := runtime.NewHostModuleBuilder(HostModule).
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, ptr, length uint32) uint32 {
			node, _ := ctx.Value(nodeKey{}).(*engine.Node)
			if node == nil || mod.Memory() == nil {
				return 0
			}
			b, ok := mod.Memory().Read(ptr, length)
			if ok && string(b) == node.Platform {
				return 1
			}
			return 0
		}).
		Export("platform_is").
		Instantiate(ctx)
	if err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate host module: %w", err)
	}

	return &WASMRuntime{runtime: runtime, timeout: config.Timeout}, nil
}

// Close releases the runtime and every compiled guard.
func (w *WASMRuntime) Close(ctx context.Context) error {
	return w.runtime.Close(ctx)
}

// PredicateFile compiles the module at path.
func (w *WASMRuntime) PredicateFile(ctx context.Context, path string) (engine.Predicate, error) {
	code, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read wasm guard: %w", err)
	}
	return w.Predicate(ctx, code)
}

// Predicate compiles code and returns a predicate that instantiates a
// fresh module for every evaluation and calls its check export.
func (w *WASMRuntime) Predicate(ctx context.Context, code []byte) (engine.Predicate, error) {
	compiled, err := w.runtime.CompileModule(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to compile wasm guard: %w", err)
	}
	fn, ok := compiled.ExportedFunctions()[CheckExport]
	if !ok {
		return nil, fmt.Errorf("wasm guard does not export %s", CheckExport)
	}
	if len(fn.ParamTypes()) != 0 || len(fn.ResultTypes()) != 1 || fn.ResultTypes()[0] != api.ValueTypeI32 {
		return nil, fmt.Errorf("wasm guard %s must have the signature () -> i32", CheckExport)
	}

	return func(ctx context.Context, node *engine.Node) (bool, error) {
		ctx, cancel := context.WithTimeout(context.WithValue(ctx, nodeKey{}, node), w.timeout)
		defer cancel()

		// Anonymous instances may be instantiated concurrently
		mod, err := w.runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(""))
		if err != nil {
			return false, fmt.Errorf("failed to instantiate wasm guard: %w", err)
		}
		defer mod.Close(ctx)

		results, err := mod.ExportedFunction(CheckExport).Call(ctx)
		if err != nil {
			return false, fmt.Errorf("wasm guard failed: %w", err)
		}
		return api.DecodeI32(results[0]) != 0, nil
	}, nil
}
