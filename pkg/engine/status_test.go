package engine

import (
	"encoding/json"
	"testing"
)

func TestThreadStatus(t *testing.T) {
	tests := []struct {
		status   ThreadStatus
		valid    bool
		terminal bool
		name     string
	}{
		{ThreadStatusUninitialized, true, false, "uninitialized"},
		{ThreadStatusStarted, true, false, "started"},
		{ThreadStatusUserInterrupt, true, true, "user_interrupt"},
		{ThreadStatusFinished, true, true, "finished"},
		{ThreadStatus(-1), false, false, "invalid(-1)"},
		{ThreadStatus(42), false, false, "invalid(42)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.status.Valid(); got != tt.valid {
				t.Errorf("Valid() = %v, want %v", got, tt.valid)
			}
			if got := tt.status.IsTerminal(); got != tt.terminal {
				t.Errorf("IsTerminal() = %v, want %v", got, tt.terminal)
			}
			if got := tt.status.String(); got != tt.name {
				t.Errorf("String() = %q, want %q", got, tt.name)
			}
			err := tt.status.Validate()
			if tt.valid && err != nil {
				t.Errorf("Validate() = %v", err)
			}
			if !tt.valid && !IsRetryable(err) {
				t.Errorf("Validate() = %v, want a transient status error", err)
			}
		})
	}
}

func TestLifecycleStateJSON(t *testing.T) {
	states := []LifecycleState{StateUninitialized, StateReady, StateInitialized, StateDestroyed}
	for i, s := range states {
		if s.Ordinal() != i {
			t.Errorf("%s.Ordinal() = %d, want %d", s, s.Ordinal(), i)
		}
		if s.IsTerminal() != (s == StateDestroyed) {
			t.Errorf("%s.IsTerminal() = %v", s, s.IsTerminal())
		}
	}

	data, err := json.Marshal(StateInitialized)
	if err != nil || string(data) != `"initialized"` {
		t.Fatalf("Marshal = %s, %v", data, err)
	}
	if _, err := json.Marshal(LifecycleState("booting")); err == nil {
		t.Error("expected error marshaling an unknown state")
	}

	var s LifecycleState
	if err := json.Unmarshal([]byte(`"ready"`), &s); err != nil || s != StateReady {
		t.Errorf("Unmarshal = %s, %v", s, err)
	}
	if err := json.Unmarshal([]byte(`"booting"`), &s); err == nil {
		t.Error("expected error unmarshaling an unknown state")
	}
}

func TestSessionOutcome(t *testing.T) {
	if SessionRunning.IsTerminal() {
		t.Error("running must not be terminal")
	}
	for _, o := range []SessionOutcome{SessionCompleted, SessionFailed, SessionCancelled} {
		if !o.IsTerminal() || o.Validate() != nil {
			t.Errorf("%s should be a valid terminal outcome", o)
		}
	}
	if SessionOutcome("stopped").Validate() == nil {
		t.Error("expected error for an unknown outcome")
	}
}
