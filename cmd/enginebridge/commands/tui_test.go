package commands

import (
	"context"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/openfroyo/enginebridge/pkg/bridge/protocol"
	"github.com/openfroyo/enginebridge/pkg/config"
)

func TestParseTUIInput(t *testing.T) {
	tests := []struct {
		line    string
		want    tuiAction
		wantErr bool
	}{
		{line: "position startpos; go depth 3 ;", want: tuiAction{kind: actionRun, commands: []string{"position startpos", "go depth 3"}}},
		{line: "  go  ", want: tuiAction{kind: actionRun, commands: []string{"go"}}},
		{line: ":precache english.kwg=/data/english.kwg", want: tuiAction{kind: actionPrecache, arg: "english.kwg=/data/english.kwg"}},
		{line: ":init", want: tuiAction{kind: actionInit}},
		{line: ":i data", want: tuiAction{kind: actionInit, arg: "data"}},
		{line: ":stop", want: tuiAction{kind: actionStop}},
		{line: ":destroy", want: tuiAction{kind: actionDestroy}},
		{line: ":q", want: tuiAction{kind: actionQuit}},
		{line: ":precache", wantErr: true},
		{line: ":reboot", wantErr: true},
		{line: " ; ; ", wantErr: true},
		{line: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := parseTUIInput(tt.line)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got.kind != tt.want.kind || got.arg != tt.want.arg ||
				strings.Join(got.commands, "|") != strings.Join(tt.want.commands, "|") {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestEventLine(t *testing.T) {
	tests := []struct {
		msg      protocol.Message
		want     string
		wantTone eventTone
	}{
		{protocol.MustMessage(protocol.MessageTypeOutput, &protocol.TextEvent{Text: "bestmove"}), "bestmove", toneOutput},
		{protocol.MustMessage(protocol.MessageTypeLog, &protocol.TextEvent{Text: "loading"}), "log: loading", toneMuted},
		{protocol.MustMessage(protocol.MessageTypeError, &protocol.ErrorEvent{Text: "boom", Kind: "command", Command: "go"}), "error [command]: boom (go)", toneError},
		{protocol.MustMessage(protocol.MessageTypePrecacheComplete, &protocol.PrecacheCompleteEvent{Name: "english.kwg", Bytes: 3 << 20}), "precached english.kwg (3.0 MiB)", toneEvent},
		{protocol.MustMessage(protocol.MessageTypeComplete, &protocol.SessionEvent{SessionID: "s", Commands: 2}), "complete: 2 command(s)", toneEvent},
		{protocol.MustMessage(protocol.MessageTypeStopped, nil), "stopped", toneEvent},
	}

	for _, tt := range tests {
		t.Run(string(tt.msg.Type), func(t *testing.T) {
			got, tone := eventLine(tt.msg)
			if got != tt.want || tone != tt.wantTone {
				t.Errorf("eventLine = %q (%d), want %q (%d)", got, tone, tt.want, tt.wantTone)
			}
		})
	}
}

// drainEvents feeds queued bridge events into the model.
func drainEvents(m *tuiModel, events chan protocol.Message) {
	for {
		select {
		case msg := <-events:
			m.Update(bridgeEventMsg{msg: msg})
		default:
			return
		}
	}
}

func TestTUIModelSession(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	cfg := config.Default()
	cfg.Engine.Kind = config.EngineKindSim
	cfg.Engine.SimStep = time.Millisecond
	cfg.Telemetry.Logging.Level = "error"

	events := make(chan protocol.Message, 256)
	start := func() (*controller, error) {
		return startController(ctx, cfg, controllerOptions{
			version: "test",
			onMessage: func(msg protocol.Message) {
				select {
				case events <- msg:
				case <-ctx.Done():
				}
			},
		})
	}

	m := newTUIModel(ctx, start, events, nil, "")
	defer m.shutdown()

	if _, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter}); cmd != nil {
		t.Error("empty input should not start a request")
	}
	if !strings.Contains(strings.Join(m.lines, "\n"), "empty input") {
		t.Errorf("lines = %v", m.lines)
	}

	m.Update(m.startBridge())
	if m.status != "ready" || m.ctl == nil || m.busy {
		t.Fatalf("after start: status=%s busy=%v", m.status, m.busy)
	}

	m.input.SetValue(":init")
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	if cmd == nil {
		t.Fatal("init should return a command")
	}
	m.Update(cmd())
	drainEvents(m, events)
	if m.status != "initialized" {
		t.Fatalf("status = %s, want initialized", m.status)
	}

	m.input.SetValue("echo hello; echo world")
	_, cmd = m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	if m.status != "running" || !m.busy {
		t.Errorf("during run: status=%s busy=%v", m.status, m.busy)
	}

	m.input.SetValue("echo again")
	if _, extra := m.Update(tea.KeyMsg{Type: tea.KeyEnter}); extra != nil {
		t.Error("a second run must be refused while busy")
	}

	m.Update(cmd())
	drainEvents(m, events)
	if m.status != "initialized" || m.busy {
		t.Errorf("after run: status=%s busy=%v", m.status, m.busy)
	}

	log := strings.Join(m.lines, "\n")
	for _, want := range []string{"echo hello; echo world", "hello", "world", "complete: 2 command(s)", "2 executed"} {
		if !strings.Contains(log, want) {
			t.Errorf("log missing %q:\n%s", want, log)
		}
	}

	m.input.SetValue(":destroy")
	_, cmd = m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m.Update(cmd())
	if m.status != "destroyed" {
		t.Errorf("status = %s, want destroyed", m.status)
	}

	if !strings.Contains(m.View(), "destroyed") {
		t.Error("view should show the lifecycle status")
	}

	m.input.SetValue(":q")
	if _, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter}); cmd == nil {
		t.Error(":q should quit")
	}
}
