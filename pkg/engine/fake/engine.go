// Package fake provides a scripted in-process engine for contract tests and the sim engine kind.
package fake

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/openfroyo/enginebridge/pkg/engine"
)

// Script describes how the engine reacts to one command.
type Script struct {
	// Statuses are returned by successive status reads. The last value repeats.
	// When empty the command is Started for Duration and Finished afterwards.
	Statuses []engine.ThreadStatus

	// Duration is the wall time of a command without a status script.
	Duration time.Duration

	// Output and Error are the texts drained after the command. Empty means null.
	Output string
	Error  string

	// RunErr fails the RunAsync call itself.
	RunErr error
}

// Engine is a configurable fake engine.
type Engine struct {
	InitCode    int
	InitErr     error
	PrecacheErr error
	StopErr     error
	DestroyErr  error

	// Scripts maps a command to its behaviour. Commands without a script use Default,
	// or finish immediately with no output when Default is nil.
	Scripts map[string]Script
	Default func(cmd string) Script

	// Sink receives text the engine "prints".
	Sink engine.LogSink

	mu         sync.Mutex
	calls      []string
	precached  map[string][]byte
	current    *run
	violations []string
	stops      int
	destroyed  bool
}

type run struct {
	cmd       string
	script    Script
	reads     int
	startedAt time.Time
	stopped   bool
	terminal  bool
	drainedO  int
	drainedE  int
}

// New returns an engine whose commands finish immediately.
func New() *Engine {
	return &Engine{Scripts: make(map[string]Script)}
}

// Binder returns an engine.Binder that hands out e.
func (e *Engine) Binder() engine.Binder {
	return func(ctx context.Context, sink engine.LogSink) (engine.Adapter, error) {
		if err := ctx.Err(); err != nil {
			return nil, engine.NewInitializationError("bind cancelled", err)
		}
		e.mu.Lock()
		if e.Sink == nil {
			e.Sink = sink
		}
		e.mu.Unlock()
		return e, nil
	}
}

// FailingBinder returns a binder that always fails to load the module.
func FailingBinder(err error) engine.Binder {
	return func(context.Context, engine.LogSink) (engine.Adapter, error) {
		return nil, engine.NewInitializationError("failed to instantiate WASM module", err)
	}
}

func (e *Engine) record(format string, args ...any) {
	e.calls = append(e.calls, fmt.Sprintf(format, args...))
}

// Precache stores a copy of data under name.
func (e *Engine) Precache(_ context.Context, name string, data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("precache %s %d", name, len(data))
	if e.PrecacheErr != nil {
		return e.PrecacheErr
	}
	if e.precached == nil {
		e.precached = make(map[string][]byte)
	}
	e.precached[name] = append([]byte(nil), data...)
	return nil
}

// Init returns InitCode.
func (e *Engine) Init(_ context.Context, dataPath string) (int, error) {
	e.mu.Lock()
	e.record("init %s", dataPath)
	code, err, sink := e.InitCode, e.InitErr, e.Sink
	e.mu.Unlock()

	if err == nil && code == 0 && sink != nil {
		sink.EngineLog(fmt.Sprintf("engine initialized with data path %q", dataPath))
	}
	return code, err
}

// RunAsync starts cmd. Starting a command while the previous one is not terminal and
// drained is recorded as a violation.
func (e *Engine) RunAsync(_ context.Context, cmd string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("run %s", cmd)

	if prev := e.current; prev != nil {
		if !prev.terminal {
			e.violations = append(e.violations, fmt.Sprintf("%q started before %q ended", cmd, prev.cmd))
		}
		if prev.drainedO != 1 || prev.drainedE != 1 {
			e.violations = append(e.violations, fmt.Sprintf(
				"%q started after %q drained output %d and error %d times", cmd, prev.cmd, prev.drainedO, prev.drainedE))
		}
	}

	script := e.scriptFor(cmd)
	if script.RunErr != nil {
		return script.RunErr
	}
	e.current = &run{cmd: cmd, script: script, startedAt: time.Now()}
	return nil
}

func (e *Engine) scriptFor(cmd string) Script {
	if s, ok := e.Scripts[cmd]; ok {
		return s
	}
	if e.Default != nil {
		return e.Default(cmd)
	}
	return Script{Statuses: []engine.ThreadStatus{engine.ThreadStatusFinished}}
}

// ThreadStatus advances the current command's script.
func (e *Engine) ThreadStatus(context.Context) (engine.ThreadStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	r := e.current
	if r == nil {
		return engine.ThreadStatusUninitialized, nil
	}

	var status engine.ThreadStatus
	switch {
	case r.stopped && !r.terminal:
		status = engine.ThreadStatusUserInterrupt
	case len(r.script.Statuses) > 0:
		i := r.reads
		if i >= len(r.script.Statuses) {
			i = len(r.script.Statuses) - 1
		}
		status = r.script.Statuses[i]
	case time.Since(r.startedAt) >= r.script.Duration:
		status = engine.ThreadStatusFinished
	default:
		status = engine.ThreadStatusStarted
	}
	r.reads++
	if status.IsTerminal() {
		r.terminal = true
	}
	return status, nil
}

// Output drains the current command's output.
func (e *Engine) Output(context.Context) (string, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return "", false, nil
	}
	e.current.drainedO++
	if e.current.drainedO > 1 || e.current.script.Output == "" {
		return "", false, nil
	}
	return e.current.script.Output, true, nil
}

// Error drains the current command's error.
func (e *Engine) Error(context.Context) (string, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return "", false, nil
	}
	e.current.drainedE++
	if e.current.drainedE > 1 || e.current.script.Error == "" {
		return "", false, nil
	}
	return e.current.script.Error, true, nil
}

// StatusText reports the current command and its read count.
func (e *Engine) StatusText(context.Context) (string, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return "", false, nil
	}
	return fmt.Sprintf("%s: %d status reads", e.current.cmd, e.current.reads), true, nil
}

// Stop interrupts the current command at its next status read.
func (e *Engine) Stop(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("stop")
	e.stops++
	if e.StopErr != nil {
		return e.StopErr
	}
	if e.current != nil && !e.current.terminal {
		e.current.stopped = true
	}
	return nil
}

// Destroy tears the instance down.
func (e *Engine) Destroy(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("destroy")
	if e.DestroyErr != nil {
		return e.DestroyErr
	}
	e.destroyed = true
	e.current = nil
	return nil
}

// Calls returns the ordered list of adapter calls.
func (e *Engine) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.calls))
	copy(out, e.calls)
	return out
}

// CallsWithPrefix returns the calls starting with prefix.
func (e *Engine) CallsWithPrefix(prefix string) []string {
	var out []string
	for _, c := range e.Calls() {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

// Violations returns ordering violations seen by RunAsync.
func (e *Engine) Violations() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.violations...)
}

// Precached returns the data stored under name.
func (e *Engine) Precached(name string) ([]byte, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	data, ok := e.precached[name]
	return data, ok
}

// Destroyed reports whether Destroy succeeded.
func (e *Engine) Destroyed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.destroyed
}

// Stops returns how many times Stop was called.
func (e *Engine) Stops() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stops
}

var (
	_ engine.Adapter      = (*Engine)(nil)
	_ engine.StatusTexter = (*Engine)(nil)
)
