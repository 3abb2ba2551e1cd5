package engine

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
)

func TestErrorKinds(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		kind      ErrorKind
		fatal     bool
		retryable bool
		contains  string
	}{
		{
			name:     "initialization",
			err:      NewInitializationError("bind engine", io.ErrUnexpectedEOF),
			kind:     KindInitialization,
			fatal:    true,
			contains: "bind engine: unexpected EOF",
		},
		{
			name:     "fetch status",
			err:      NewFetchError("english.kwg", "http://h/english.kwg", 404, "Not Found"),
			kind:     KindFetch,
			contains: "HTTP 404: Not Found",
		},
		{
			name:     "init code",
			err:      NewInitError(3),
			kind:     KindInit,
			contains: "code 3",
		},
		{
			name:     "command",
			err:      NewCommandError(1, "go", "no lexicon loaded"),
			kind:     KindCommand,
			contains: `Command "go" failed: no lexicon loaded`,
		},
		{
			name:      "transient status",
			err:       NewTransientStatusError(7),
			kind:      KindTransientStatus,
			retryable: true,
			contains:  "invalid thread status 7",
		},
		{
			name:     "wrapped sentinel",
			err:      fmt.Errorf("run: %w", ErrBusy),
			kind:     KindBusy,
			contains: "already running",
		},
		{
			name: "plain error",
			err:  errors.New("boom"),
			kind: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.kind {
				t.Errorf("KindOf() = %q, want %q", got, tt.kind)
			}
			if got := IsFatal(tt.err); got != tt.fatal {
				t.Errorf("IsFatal() = %v, want %v", got, tt.fatal)
			}
			if got := IsRetryable(tt.err); got != tt.retryable {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.retryable)
			}
			if !strings.Contains(tt.err.Error(), tt.contains) {
				t.Errorf("Error() = %q, want it to contain %q", tt.err.Error(), tt.contains)
			}
		})
	}
}

func TestErrorIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("precache: %w", NewFetchFailure("book", "/missing", io.EOF))

	if !errors.Is(err, &Error{Kind: KindFetch}) {
		t.Error("expected errors.Is to match on kind")
	}
	if errors.Is(err, ErrNotReady) {
		t.Error("fetch error must not match not_ready")
	}
	if !errors.Is(err, io.EOF) {
		t.Error("expected the cause to stay reachable through Unwrap")
	}

	var e *Error
	if !errors.As(NewCommandError(2, "go", "bad"), &e) || e.Index != 2 || e.Command != "go" {
		t.Errorf("command error fields = %+v", e)
	}
}
