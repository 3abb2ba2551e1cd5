package host

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/openfroyo/enginebridge/pkg/engine"
)

// WASMAdapter implements engine.Adapter over the exports of an instantiated engine module.
//
// Calls made on behalf of the bridge are serialized, and so is every malloc and free. The run
// export executes on a dedicated goroutine, the engine's command thread, and may overlap with
// status, stop and drain calls; the module must be built for that (shared memory, atomics).
type WASMAdapter struct {
	g     guest
	mem   *memory
	names ExportNames

	// hasStatus is true when the optional status export is present.
	hasStatus bool

	// timeout bounds each bridge-side call.
	timeout time.Duration

	mu sync.Mutex

	// runCtx is the context the command thread executes under; cancelled by shutdown.
	runCtx    context.Context
	runCancel context.CancelFunc
	runs      sync.WaitGroup

	errMu  sync.Mutex
	runErr error
}

// newAdapter binds the export table against g. A missing required export is an
// initialization error.
func newAdapter(g guest, names ExportNames, timeout time.Duration) (*WASMAdapter, error) {
	for _, fn := range names.required() {
		if fn.name == "" {
			return nil, engine.NewInitializationError(
				fmt.Sprintf("no export name configured for %s", fn.role), nil)
		}
		if !g.exports(fn.name) {
			return nil, engine.NewInitializationError(
				fmt.Sprintf("WASM module does not export %s function", fn.name), nil)
		}
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	return &WASMAdapter{
		g:         g,
		mem:       &memory{g: g, malloc: names.Malloc, free: names.Free},
		names:     names,
		hasStatus: names.Status != "" && g.exports(names.Status),
		timeout:   timeout,
		runCtx:    runCtx,
		runCancel: runCancel,
	}, nil
}

// Precache copies data into the engine under name.
func (a *WASMAdapter) Precache(ctx context.Context, name string, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	return a.mem.withCString(ctx, name, func(namePtr uint32) error {
		return a.mem.withBytes(ctx, data, func(dataPtr, size uint32) error {
			if _, err := a.g.call(ctx, a.names.Precache, uint64(namePtr), uint64(dataPtr), uint64(size)); err != nil {
				return fmt.Errorf("%s failed: %w", a.names.Precache, err)
			}
			return nil
		})
	})
}

// Init creates the engine instance.
func (a *WASMAdapter) Init(ctx context.Context, dataPath string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	code := 0
	err := a.mem.withCString(ctx, dataPath, func(ptr uint32) error {
		results, err := a.g.call(ctx, a.names.Init, uint64(ptr))
		if err != nil {
			return fmt.Errorf("%s failed: %w", a.names.Init, err)
		}
		code = resultInt(results)
		return nil
	})
	return code, err
}

// RunAsync starts cmd on the command thread. The command buffer belongs to that thread
// and is freed when the run export returns.
func (a *WASMAdapter) RunAsync(ctx context.Context, cmd string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.setRunErr(nil)

	buf := make([]byte, len(cmd)+1)
	copy(buf, cmd)
	ptr, err := a.mem.allocate(ctx, uint32(len(buf)))
	if err != nil {
		return fmt.Errorf("failed to allocate command buffer: %w", err)
	}
	if !a.g.write(ptr, buf) {
		if ferr := a.mem.deallocate(ctx, ptr); ferr != nil {
			return fmt.Errorf("failed to write command to WASM memory (%v)", ferr)
		}
		return fmt.Errorf("failed to write command to WASM memory")
	}

	a.runs.Add(1)
	go func() {
		defer a.runs.Done()
		_, err := a.g.call(a.runCtx, a.names.RunAsync, uint64(ptr))

		// free goes through the allocator the bridge-side calls use.
		a.mu.Lock()
		ferr := a.mem.deallocate(a.runCtx, ptr)
		a.mu.Unlock()
		if ferr != nil && err == nil {
			err = ferr
		}
		if err != nil {
			a.setRunErr(fmt.Errorf("%s failed: %w", a.names.RunAsync, err))
		}
	}()
	return nil
}

// Output drains the output text of the last command.
func (a *WASMAdapter) Output(ctx context.Context) (string, bool, error) {
	return a.drain(ctx, a.names.Output)
}

// Error drains the error text of the last command.
func (a *WASMAdapter) Error(ctx context.Context) (string, bool, error) {
	return a.drain(ctx, a.names.Error)
}

// StatusText drains the engine's human-readable status, when the module exports one.
func (a *WASMAdapter) StatusText(ctx context.Context) (string, bool, error) {
	if !a.hasStatus {
		return "", false, nil
	}
	return a.drain(ctx, a.names.Status)
}

func (a *WASMAdapter) drain(ctx context.Context, export string) (string, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	results, err := a.g.call(ctx, export)
	if err != nil {
		return "", false, fmt.Errorf("%s failed: %w", export, err)
	}
	if len(results) == 0 {
		return "", false, nil
	}
	return a.mem.takeCString(ctx, uint32(results[0]))
}

// ThreadStatus reads the current command's status. A failure of the command thread itself
// is reported here once, since the engine can no longer reach a terminal status.
func (a *WASMAdapter) ThreadStatus(ctx context.Context) (engine.ThreadStatus, error) {
	if err := a.takeRunErr(); err != nil {
		return engine.ThreadStatusUninitialized, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	results, err := a.g.call(ctx, a.names.ThreadStatus)
	if err != nil {
		return engine.ThreadStatusUninitialized, fmt.Errorf("%s failed: %w", a.names.ThreadStatus, err)
	}
	return engine.ThreadStatus(resultInt(results)), nil
}

// Stop asks the engine to interrupt the running command.
func (a *WASMAdapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	if _, err := a.g.call(ctx, a.names.Stop); err != nil {
		return fmt.Errorf("%s failed: %w", a.names.Stop, err)
	}
	return nil
}

// Destroy waits for the command thread to return, bounded by ctx and the call timeout,
// then tears the engine instance down.
func (a *WASMAdapter) Destroy(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	a.waitRuns(ctx)

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, err := a.g.call(ctx, a.names.Destroy); err != nil {
		return fmt.Errorf("%s failed: %w", a.names.Destroy, err)
	}
	return nil
}

// shutdown aborts the command thread and waits for it.
func (a *WASMAdapter) shutdown() {
	a.runCancel()
	a.runs.Wait()
}

func (a *WASMAdapter) waitRuns(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		a.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (a *WASMAdapter) setRunErr(err error) {
	a.errMu.Lock()
	a.runErr = err
	a.errMu.Unlock()
}

func (a *WASMAdapter) takeRunErr() error {
	a.errMu.Lock()
	defer a.errMu.Unlock()
	err := a.runErr
	a.runErr = nil
	return err
}

// resultInt decodes an i32 result, keeping its sign.
func resultInt(results []uint64) int {
	if len(results) == 0 {
		return 0
	}
	return int(int32(uint32(results[0])))
}
