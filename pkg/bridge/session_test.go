package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/openfroyo/enginebridge/pkg/bridge/protocol"
	"github.com/openfroyo/enginebridge/pkg/engine"
	"github.com/openfroyo/enginebridge/pkg/engine/fake"
	"github.com/openfroyo/enginebridge/pkg/telemetry"
)

func TestPollLoopWait(t *testing.T) {
	tests := []struct {
		name          string
		statuses      []engine.ThreadStatus
		wantStatus    engine.ThreadStatus
		wantPolls     int
		wantTransient int
	}{
		{
			name:       "pre-start race then finished",
			statuses:   []engine.ThreadStatus{0, 0, 1, 1, 1, 3},
			wantStatus: engine.ThreadStatusFinished,
			wantPolls:  6,
		},
		{
			name:       "user interrupt is terminal",
			statuses:   []engine.ThreadStatus{1, 2},
			wantStatus: engine.ThreadStatusUserInterrupt,
			wantPolls:  2,
		},
		{
			name:          "invalid reads are retried",
			statuses:      []engine.ThreadStatus{42, -3, 1, 3},
			wantStatus:    engine.ThreadStatusFinished,
			wantPolls:     4,
			wantTransient: 2,
		},
		{
			name:       "already finished",
			statuses:   []engine.ThreadStatus{3},
			wantStatus: engine.ThreadStatusFinished,
			wantPolls:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := fake.New()
			eng.Scripts["cmd"] = fake.Script{Statuses: tt.statuses}
			if err := eng.RunAsync(context.Background(), "cmd"); err != nil {
				t.Fatalf("RunAsync failed: %v", err)
			}

			loop := &PollLoop{Adapter: eng, Config: fastPoll, Logger: telemetry.NopLogger()}
			res, err := loop.Wait(context.Background())
			if err != nil {
				t.Fatalf("Wait failed: %v", err)
			}
			if res.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s", res.Status, tt.wantStatus)
			}
			if res.Polls != tt.wantPolls {
				t.Errorf("polls = %d, want %d", res.Polls, tt.wantPolls)
			}
			if res.Transient != tt.wantTransient {
				t.Errorf("transient = %d, want %d", res.Transient, tt.wantTransient)
			}
		})
	}
}

func TestPollLoopHonoursCancellation(t *testing.T) {
	eng := fake.New()
	eng.Scripts["forever"] = fake.Script{Statuses: []engine.ThreadStatus{1}}
	_ = eng.RunAsync(context.Background(), "forever")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	loop := &PollLoop{Adapter: eng, Config: fastPoll, Logger: telemetry.NopLogger()}
	_, err := loop.Wait(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait error = %v, want deadline exceeded", err)
	}
}

type statusErrAdapter struct {
	*fake.Engine
}

func (statusErrAdapter) ThreadStatus(context.Context) (engine.ThreadStatus, error) {
	return 0, errors.New("guest trapped")
}

func TestPollLoopSurfacesAdapterErrors(t *testing.T) {
	loop := &PollLoop{Adapter: statusErrAdapter{fake.New()}, Config: fastPoll, Logger: telemetry.NopLogger()}
	if _, err := loop.Wait(context.Background()); err == nil {
		t.Fatal("expected adapter error")
	}
}

type emitted struct {
	mu   sync.Mutex
	msgs []protocol.MessageType
	text []string
}

func (e *emitted) emit(mt protocol.MessageType, data interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.msgs = append(e.msgs, mt)
	if te, ok := data.(*protocol.TextEvent); ok {
		e.text = append(e.text, te.Text)
	}
}

func TestSessionRun(t *testing.T) {
	tests := []struct {
		name         string
		commands     []string
		scripts      map[string]fake.Script
		wantOutcome  engine.SessionOutcome
		wantExecuted int
		wantOutputs  []string
		wantErrKind  engine.ErrorKind
	}{
		{
			name:         "all commands complete",
			commands:     []string{"a", "b"},
			scripts:      map[string]fake.Script{"a": {Output: "A"}, "b": {Output: "B"}},
			wantOutcome:  engine.SessionCompleted,
			wantExecuted: 2,
			wantOutputs:  []string{"A", "B"},
		},
		{
			name:         "error aborts the queue",
			commands:     []string{"a", "bad", "c"},
			scripts:      map[string]fake.Script{"a": {Output: "A"}, "bad": {Error: "illegal move"}, "c": {Output: "C"}},
			wantOutcome:  engine.SessionFailed,
			wantExecuted: 2,
			wantOutputs:  []string{"A"},
			wantErrKind:  engine.KindCommand,
		},
		{
			name:        "empty list",
			commands:    nil,
			wantOutcome: engine.SessionCompleted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := fake.New()
			for cmd, s := range tt.scripts {
				eng.Scripts[cmd] = s
			}
			var out emitted
			s := NewSession("s-1", tt.commands, eng, fastPoll, telemetry.NopTelemetry(), out.emit)
			if !s.Running() {
				t.Error("a new session must count as running")
			}

			res := s.Run(context.Background())
			if res.Outcome != tt.wantOutcome {
				t.Errorf("outcome = %s, want %s", res.Outcome, tt.wantOutcome)
			}
			if res.Executed != tt.wantExecuted {
				t.Errorf("executed = %d, want %d", res.Executed, tt.wantExecuted)
			}
			if engine.KindOf(res.Err) != tt.wantErrKind {
				t.Errorf("error kind = %q, want %q (%v)", engine.KindOf(res.Err), tt.wantErrKind, res.Err)
			}
			if len(out.text) != len(tt.wantOutputs) {
				t.Fatalf("outputs = %v, want %v", out.text, tt.wantOutputs)
			}
			for i := range out.text {
				if out.text[i] != tt.wantOutputs[i] {
					t.Errorf("output %d = %q, want %q", i, out.text[i], tt.wantOutputs[i])
				}
			}
			if s.Running() {
				t.Error("session must not be running after Run returns")
			}
		})
	}
}

func TestSessionCancellation(t *testing.T) {
	eng := fake.New()
	eng.Scripts["forever"] = fake.Script{Statuses: []engine.ThreadStatus{1}}
	var out emitted
	s := NewSession("s-2", []string{"forever", "never"}, eng, fastPoll, telemetry.NopTelemetry(), out.emit)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan SessionResult, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(waitTimeout)
	for len(eng.CallsWithPrefix("run ")) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if s.Cursor() != 0 || !s.Running() {
		t.Errorf("expected first command running, cursor %d running %v", s.Cursor(), s.Running())
	}
	cancel()

	select {
	case res := <-done:
		if res.Outcome != engine.SessionCancelled {
			t.Errorf("outcome = %s, want cancelled", res.Outcome)
		}
		if res.Err != nil {
			t.Errorf("cancellation is not a failure, got %v", res.Err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("session ignored cancellation")
	}
	if runs := eng.CallsWithPrefix("run "); len(runs) != 1 {
		t.Errorf("second command must not start, got %v", runs)
	}
}
