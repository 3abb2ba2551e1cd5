// Package host loads an engine compiled to WebAssembly into a wazero runtime and exposes it
// to the bridge as an engine.Adapter.
package host

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/openfroyo/enginebridge/pkg/engine"
)

var (
	_ engine.Adapter      = (*WASMHost)(nil)
	_ engine.StatusTexter = (*WASMHost)(nil)
	_ engine.Closer       = (*WASMHost)(nil)
)

// WASMHost owns the wazero runtime and the engine module instance.
type WASMHost struct {
	*WASMAdapter

	// runtime is the wazero runtime.
	runtime wazero.Runtime

	// module is the instantiated engine module.
	module api.Module

	stdout *lineWriter
	stderr *lineWriter

	closeOnce sync.Once
	closeErr  error
}

// WASMHostConfig contains configuration for the WASM host.
type WASMHostConfig struct {
	// Exports maps engine entry points to module symbols.
	Exports ExportNames

	// Timeout bounds each bridge-side call into the module.
	Timeout time.Duration

	// MemoryLimitPages is the maximum memory limit in pages (64KB each).
	// Default is 4096 pages (256MB).
	MemoryLimitPages uint32

	// StartFunctions run after instantiation. Default is the reactor initializer "_initialize".
	StartFunctions []string

	// MountDir, when set, is mounted read-only at GuestDir inside the module.
	MountDir string
	GuestDir string
}

// DefaultWASMHostConfig returns the default host configuration.
func DefaultWASMHostConfig() *WASMHostConfig {
	return &WASMHostConfig{
		Exports:          DefaultExports,
		Timeout:          30 * time.Second,
		MemoryLimitPages: 4096,
		StartFunctions:   []string{"_initialize"},
		GuestDir:         "/data",
	}
}

// NewWASMHost compiles and instantiates wasmModule and binds its exports.
// Any failure is an initialization error; the caller must not retry with the same module.
func NewWASMHost(ctx context.Context, wasmModule []byte, hostConfig *WASMHostConfig, sink engine.LogSink) (*WASMHost, error) {
	defaults := DefaultWASMHostConfig()
	if hostConfig == nil {
		hostConfig = defaults
	}
	if hostConfig.Timeout == 0 {
		hostConfig.Timeout = defaults.Timeout
	}
	if hostConfig.MemoryLimitPages == 0 {
		hostConfig.MemoryLimitPages = defaults.MemoryLimitPages
	}
	if hostConfig.StartFunctions == nil {
		hostConfig.StartFunctions = defaults.StartFunctions
	}
	if hostConfig.GuestDir == "" {
		hostConfig.GuestDir = defaults.GuestDir
	}
	exports := hostConfig.Exports.Merge(DefaultExports)

	runtimeConfig := wazero.NewRuntimeConfig().
		WithCoreFeatures(api.CoreFeaturesV2 | experimental.CoreFeaturesThreads).
		WithMemoryLimitPages(hostConfig.MemoryLimitPages).
		WithCloseOnContextDone(true)

	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		runtime.Close(ctx)
		return nil, engine.NewInitializationError("failed to instantiate WASI", err)
	}

	if err := registerHostFunctions(ctx, runtime, sink); err != nil {
		runtime.Close(ctx)
		return nil, engine.NewInitializationError("failed to instantiate host module", err)
	}

	compiled, err := runtime.CompileModule(ctx, wasmModule)
	if err != nil {
		runtime.Close(ctx)
		return nil, engine.NewInitializationError("failed to compile WASM module", err)
	}

	stdout := newLineWriter(func(line string) {
		if sink != nil {
			sink.EngineLog(line)
		}
	})
	stderr := newLineWriter(func(line string) {
		if sink != nil {
			sink.EngineError(line)
		}
	})

	moduleConfig := wazero.NewModuleConfig().
		WithName("engine").
		WithStdout(stdout).
		WithStderr(stderr).
		WithStartFunctions(hostConfig.StartFunctions...).
		WithSysWalltime().
		WithSysNanotime()
	if hostConfig.MountDir != "" {
		moduleConfig = moduleConfig.WithFSConfig(
			wazero.NewFSConfig().WithReadOnlyDirMount(hostConfig.MountDir, hostConfig.GuestDir))
	}

	module, err := runtime.InstantiateModule(ctx, compiled, moduleConfig)
	if err != nil {
		runtime.Close(ctx)
		return nil, engine.NewInitializationError("failed to instantiate WASM module", err)
	}

	g, err := newWazeroGuest(module)
	if err != nil {
		module.Close(ctx)
		runtime.Close(ctx)
		return nil, engine.NewInitializationError("failed to bind WASM module", err)
	}

	adapter, err := newAdapter(g, exports, hostConfig.Timeout)
	if err != nil {
		module.Close(ctx)
		runtime.Close(ctx)
		return nil, err
	}

	return &WASMHost{
		WASMAdapter: adapter,
		runtime:     runtime,
		module:      module,
		stdout:      stdout,
		stderr:      stderr,
	}, nil
}

// LoadWASMHost reads the module at path and calls NewWASMHost.
func LoadWASMHost(ctx context.Context, path string, hostConfig *WASMHostConfig, sink engine.LogSink) (*WASMHost, error) {
	wasmModule, err := os.ReadFile(path)
	if err != nil {
		return nil, engine.NewInitializationError("failed to read WASM module", err)
	}
	return NewWASMHost(ctx, wasmModule, hostConfig, sink)
}

// Binder returns an engine.Binder that loads the module at path.
func Binder(path string, hostConfig *WASMHostConfig) engine.Binder {
	return func(ctx context.Context, sink engine.LogSink) (engine.Adapter, error) {
		return LoadWASMHost(ctx, path, hostConfig, sink)
	}
}

// registerHostFunctions exports host_log and host_error from the "env" module so the engine
// can report text without going through WASI.
func registerHostFunctions(ctx context.Context, runtime wazero.Runtime, sink engine.LogSink) error {
	read := func(mod api.Module, ptr, size uint32) (string, bool) {
		data, ok := mod.Memory().Read(ptr, size)
		if !ok {
			return "", false
		}
		return string(data), true
	}

	_, err := runtime.NewHostModuleBuilder("env").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, ptr, size uint32) {
			if text, ok := read(mod, ptr, size); ok && sink != nil {
				sink.EngineLog(text)
			}
		}).
		Export("host_log").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, ptr, size uint32) {
			if text, ok := read(mod, ptr, size); ok && sink != nil {
				sink.EngineError(text)
			}
		}).
		Export("host_error").
		Instantiate(ctx)
	return err
}

// Close aborts the command thread and releases the module and runtime.
func (h *WASMHost) Close(ctx context.Context) error {
	h.closeOnce.Do(func() {
		h.WASMAdapter.shutdown()
		h.stdout.Flush()
		h.stderr.Flush()

		if h.module != nil {
			if err := h.module.Close(ctx); err != nil {
				h.closeErr = fmt.Errorf("failed to close WASM module: %w", err)
			}
		}
		if h.runtime != nil {
			if err := h.runtime.Close(ctx); err != nil && h.closeErr == nil {
				h.closeErr = fmt.Errorf("failed to close WASM runtime: %w", err)
			}
		}
	})
	return h.closeErr
}

// lineWriter splits what the engine writes into lines.
type lineWriter struct {
	mu   sync.Mutex
	buf  []byte
	emit func(string)
}

var _ io.Writer = (*lineWriter)(nil)

func newLineWriter(emit func(string)) *lineWriter {
	return &lineWriter{emit: emit}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		advance, line, err := bufio.ScanLines(w.buf, false)
		if err != nil || advance == 0 {
			break
		}
		w.emit(string(line))
		w.buf = w.buf[advance:]
	}
	return len(p), nil
}

// Flush emits any unterminated trailing text.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.emit(string(w.buf))
		w.buf = nil
	}
}
