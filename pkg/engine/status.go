package engine

import (
	"encoding/json"
	"fmt"
)

// ThreadStatus is the coarse progress code of the engine's current command.
type ThreadStatus int

const (
	// ThreadStatusUninitialized indicates the command has not started yet.
	// Observed only as a race right after the asynchronous run call.
	ThreadStatusUninitialized ThreadStatus = 0

	// ThreadStatusStarted indicates the command is executing.
	ThreadStatusStarted ThreadStatus = 1

	// ThreadStatusUserInterrupt indicates the command ended after a stop request.
	ThreadStatusUserInterrupt ThreadStatus = 2

	// ThreadStatusFinished indicates the command ran to completion.
	ThreadStatusFinished ThreadStatus = 3
)

// Valid reports whether s is one of the four known codes.
func (s ThreadStatus) Valid() bool {
	return s >= ThreadStatusUninitialized && s <= ThreadStatusFinished
}

// IsTerminal reports whether the command has ended.
// UserInterrupt and Finished are treated alike; output and error are drained in both cases.
func (s ThreadStatus) IsTerminal() bool {
	return s == ThreadStatusUserInterrupt || s == ThreadStatusFinished
}

// String returns a readable name for the status.
func (s ThreadStatus) String() string {
	switch s {
	case ThreadStatusUninitialized:
		return "uninitialized"
	case ThreadStatusStarted:
		return "started"
	case ThreadStatusUserInterrupt:
		return "user_interrupt"
	case ThreadStatusFinished:
		return "finished"
	default:
		return fmt.Sprintf("invalid(%d)", int(s))
	}
}

// Validate checks if the status is one of the known codes.
func (s ThreadStatus) Validate() error {
	if !s.Valid() {
		return NewTransientStatusError(int(s))
	}
	return nil
}

// LifecycleState is the state of the engine instance as seen by the bridge.
type LifecycleState string

const (
	// StateUninitialized indicates the engine module is not bound yet.
	StateUninitialized LifecycleState = "uninitialized"

	// StateReady indicates the module is bound and no engine instance exists.
	StateReady LifecycleState = "ready"

	// StateInitialized indicates an engine instance exists and accepts commands.
	StateInitialized LifecycleState = "initialized"

	// StateDestroyed indicates the instance was torn down. Terminal.
	StateDestroyed LifecycleState = "destroyed"
)

// IsTerminal returns true if no further transitions are possible.
func (s LifecycleState) IsTerminal() bool {
	return s == StateDestroyed
}

// Ordinal returns a stable numeric form for gauges.
func (s LifecycleState) Ordinal() int {
	switch s {
	case StateUninitialized:
		return 0
	case StateReady:
		return 1
	case StateInitialized:
		return 2
	case StateDestroyed:
		return 3
	default:
		return -1
	}
}

// Validate checks if the state is valid.
func (s LifecycleState) Validate() error {
	switch s {
	case StateUninitialized, StateReady, StateInitialized, StateDestroyed:
		return nil
	default:
		return fmt.Errorf("invalid lifecycle state: %s", s)
	}
}

// MarshalJSON implements json.Marshaler.
func (s LifecycleState) MarshalJSON() ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *LifecycleState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	state := LifecycleState(str)
	if err := state.Validate(); err != nil {
		return err
	}
	*s = state
	return nil
}

// SessionOutcome is how a run session ended.
type SessionOutcome string

const (
	// SessionRunning indicates the session is still executing commands.
	SessionRunning SessionOutcome = "running"

	// SessionCompleted indicates every command ran and no command reported an error.
	SessionCompleted SessionOutcome = "completed"

	// SessionFailed indicates a command reported error text and the session was aborted.
	SessionFailed SessionOutcome = "failed"

	// SessionCancelled indicates the session token was cancelled by destroy or shutdown.
	SessionCancelled SessionOutcome = "cancelled"
)

// IsTerminal returns true if the session has ended.
func (o SessionOutcome) IsTerminal() bool {
	return o == SessionCompleted || o == SessionFailed || o == SessionCancelled
}

// Validate checks if the outcome is valid.
func (o SessionOutcome) Validate() error {
	switch o {
	case SessionRunning, SessionCompleted, SessionFailed, SessionCancelled:
		return nil
	default:
		return fmt.Errorf("invalid session outcome: %s", o)
	}
}
