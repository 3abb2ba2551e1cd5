package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/openfroyo/enginebridge/pkg/engine"
)

// Lifecycle owns the engine instance and its state machine:
//
//	uninitialized -> ready -> initialized -> destroyed
//
// destroyed is reachable from every other state. Lifecycle is not safe for
// concurrent use; the bridge loop is its only caller.
type Lifecycle struct {
	state   engine.LifecycleState
	adapter engine.Adapter
	handle  bool
	bindErr error
}

// NewLifecycle returns a lifecycle waiting for its adapter.
func NewLifecycle() *Lifecycle {
	return &Lifecycle{state: engine.StateUninitialized}
}

// State returns the current state.
func (l *Lifecycle) State() engine.LifecycleState {
	return l.state
}

// Adapter returns the bound adapter, or nil before binding.
func (l *Lifecycle) Adapter() engine.Adapter {
	return l.adapter
}

// Bind records a successfully bound adapter and moves to ready.
func (l *Lifecycle) Bind(a engine.Adapter) error {
	if l.state != engine.StateUninitialized || l.bindErr != nil {
		return fmt.Errorf("cannot bind adapter in state %s", l.state)
	}
	l.adapter = a
	l.state = engine.StateReady
	return nil
}

// BindFailed disables the module. Every later operation except destroy is rejected.
func (l *Lifecycle) BindFailed(err error) {
	l.bindErr = err
}

// CheckReady is the module readiness gate applied to every operation except destroy.
func (l *Lifecycle) CheckReady() error {
	switch {
	case l.state == engine.StateDestroyed:
		return engine.ErrNotInitialized
	case l.adapter == nil:
		return engine.ErrNotReady
	default:
		return nil
	}
}

// CheckInitialized gates operations that need a live engine instance.
func (l *Lifecycle) CheckInitialized() error {
	if err := l.CheckReady(); err != nil {
		return err
	}
	if l.state != engine.StateInitialized {
		return engine.ErrNotInitialized
	}
	return nil
}

// Init creates the engine instance. It is only valid from ready; a nonzero
// result leaves the state at ready and returns an InitError.
func (l *Lifecycle) Init(ctx context.Context, dataPath string) error {
	if err := l.CheckReady(); err != nil {
		return err
	}
	if l.state == engine.StateInitialized {
		return engine.NewInvalidRequestError("engine already initialized", nil)
	}

	code, err := l.adapter.Init(ctx, dataPath)
	if err != nil {
		return fmt.Errorf("engine init call failed: %w", err)
	}
	if code != 0 {
		return engine.NewInitError(code)
	}

	l.handle = true
	l.state = engine.StateInitialized
	return nil
}

// Destroy releases the engine instance, if any, and moves to destroyed.
// The state changes even when the engine reports an error.
// It reports whether this call performed the transition.
func (l *Lifecycle) Destroy(ctx context.Context) (bool, error) {
	if l.state == engine.StateDestroyed {
		return false, nil
	}

	var errs []error
	if l.handle {
		if err := l.adapter.Destroy(ctx); err != nil {
			errs = append(errs, fmt.Errorf("engine destroy failed: %w", err))
		}
		l.handle = false
	}
	if c, ok := l.adapter.(engine.Closer); ok {
		if err := c.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to release engine module: %w", err))
		}
	}

	l.state = engine.StateDestroyed
	return true, errors.Join(errs...)
}
