package protocol

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
)

func TestEncoder(t *testing.T) {
	tests := []struct {
		name    string
		msgType MessageType
		data    interface{}
		want    string
		wantErr bool
	}{
		{
			name:    "encode run request",
			msgType: MessageTypeRun,
			data:    &RunRequest{Commands: []string{"set -lex CSW21", "go static"}},
			want:    `"commands":["set -lex CSW21","go static"]`,
		},
		{
			name:    "encode precache complete",
			msgType: MessageTypePrecacheComplete,
			data:    &PrecacheCompleteEvent{Name: "data/lexica/CSW21.kwg"},
			want:    `"name":"data/lexica/CSW21.kwg"`,
		},
		{
			name:    "encode stop without payload",
			msgType: MessageTypeStop,
			want:    `"type":"stop"`,
		},
		{
			name:    "reject unknown type",
			msgType: MessageType("reboot"),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := NewEncoder(&buf).Encode(tt.msgType, tt.data)

			if (err != nil) != tt.wantErr {
				t.Fatalf("Encode() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}

			out := buf.String()
			if !strings.HasSuffix(out, "\n") {
				t.Error("expected output to end with newline")
			}
			if strings.Count(out, "\n") != 1 {
				t.Errorf("expected exactly one line, got %q", out)
			}
			if !strings.Contains(out, tt.want) {
				t.Errorf("expected %s in %s", tt.want, out)
			}
		})
	}
}

func TestEncoderConcurrentWritesStayLineAtomic(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = enc.Encode(MessageTypeOutput, &TextEvent{Text: strings.Repeat("x", 512)})
		}()
	}
	wg.Wait()

	dec := NewDecoder(&buf)
	count := 0
	for {
		msg, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Decode failed after concurrent writes: %v", err)
		}
		if msg.Text() != strings.Repeat("x", 512) {
			t.Fatalf("unexpected text length %d", len(msg.Text()))
		}
		count++
	}
	if count != 50 {
		t.Errorf("expected 50 messages, got %d", count)
	}
}

func TestDecoder(t *testing.T) {
	input := strings.Join([]string{
		`{"type":"precache","timestamp":"2025-01-01T00:00:00Z","data":{"filename":"lex.kwg","url":"https://example.com/lex.kwg"}}`,
		``,
		`not json`,
		`{"type":"reboot","timestamp":"2025-01-01T00:00:00Z"}`,
		`{"timestamp":"2025-01-01T00:00:00Z"}`,
		`{"type":"stop","timestamp":"2025-01-01T00:00:00Z"}`,
	}, "\n")

	dec := NewDecoder(strings.NewReader(input))

	msg, err := dec.Decode()
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	var req PrecacheRequest
	if err := msg.ParseData(&req); err != nil {
		t.Fatalf("ParseData failed: %v", err)
	}
	if req.ResourceName() != "lex.kwg" {
		t.Errorf("expected filename alias to name the resource, got %q", req.ResourceName())
	}

	var syntaxErr *SyntaxError
	if _, err := dec.Decode(); !errors.As(err, &syntaxErr) {
		t.Fatalf("expected syntax error for malformed line, got %v", err)
	}

	msg, err = dec.Decode()
	if err != nil {
		t.Fatalf("expected unknown type to decode, got %v", err)
	}
	if msg.Type.Validate() == nil {
		t.Error("expected unknown type to fail validation")
	}

	if _, err := dec.Decode(); !errors.As(err, &syntaxErr) {
		t.Fatalf("expected syntax error for missing type, got %v", err)
	}

	msg, err = dec.Decode()
	if err != nil || msg.Type != MessageTypeStop {
		t.Fatalf("expected stop, got %v %v", msg, err)
	}

	if _, err := dec.Decode(); !errors.Is(err, io.EOF) {
		t.Errorf("expected EOF, got %v", err)
	}
}

func TestRequestValidation(t *testing.T) {
	tests := []struct {
		name    string
		req     interface{ Validate() error }
		wantErr bool
	}{
		{name: "precache ok", req: &PrecacheRequest{Name: "a", URL: "https://x/a"}},
		{name: "precache missing name", req: &PrecacheRequest{URL: "https://x/a"}, wantErr: true},
		{name: "precache missing url", req: &PrecacheRequest{Name: "a"}, wantErr: true},
		{name: "run empty list", req: &RunRequest{Commands: []string{}}},
		{name: "run missing list", req: &RunRequest{}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMessageTypeDirection(t *testing.T) {
	for _, mt := range []MessageType{MessageTypePrecache, MessageTypeInit, MessageTypeRun, MessageTypeStop, MessageTypeDestroy} {
		if !mt.IsRequest() || mt.IsEvent() {
			t.Errorf("%s should be a request only", mt)
		}
	}
	for _, mt := range []MessageType{MessageTypeReady, MessageTypeOutput, MessageTypeComplete, MessageTypeStopped} {
		if !mt.IsEvent() || mt.IsRequest() {
			t.Errorf("%s should be an event only", mt)
		}
	}
}
