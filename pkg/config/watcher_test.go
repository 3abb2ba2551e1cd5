package config

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/goleak"
)

func TestWatcherReloadsOnChange(t *testing.T) {
	defer goleak.VerifyNone(t)

	for _, key := range []string{EnvLogLevel, EnvEngineModule, EnvEngineKind, EnvJournalPath, EnvMetricsAddr} {
		t.Setenv(key, "")
	}

	dir := t.TempDir()
	path := writeFile(t, dir, "enginebridge.yaml", "engine:\n  kind: sim\n")
	initial, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	reloaded := make(chan *Config, 4)
	w := NewWatcher(path, initial, zerolog.Nop(), func(cfg *Config) error {
		select {
		case reloaded <- cfg:
		default:
		}
		return nil
	})
	w.debounce = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run returned %v", err)
		}
	}()

	// An invalid edit is rejected and keeps the current config.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()

	bad := "engine:\n  kind: sim\ntelemetry:\n  logging:\n    level: loud\n"
	good := "engine:\n  kind: sim\ntelemetry:\n  logging:\n    level: debug\n"
	if err := os.WriteFile(path, []byte(bad), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	// Rewrite until the watcher is observed picking up the valid file, since
	// the first write may land before the watch is registered.
	for {
		select {
		case cfg := <-reloaded:
			if cfg.Telemetry.Logging.Level != "debug" {
				// A partially written file can parse with the default level.
				continue
			}
			if w.Current() != cfg {
				t.Error("Current should return the reloaded config")
			}
			return
		case <-tick.C:
			if err := os.WriteFile(path, []byte(good), 0o644); err != nil {
				t.Fatalf("WriteFile failed: %v", err)
			}
		case <-deadline:
			t.Fatal("config was not reloaded")
		}
	}
}

func TestWatcherMissingDirectory(t *testing.T) {
	w := NewWatcher("/nonexistent/dir/enginebridge.yaml", Default(), zerolog.Nop(), nil)
	if err := w.Run(context.Background()); err == nil {
		t.Fatal("expected error watching a missing directory")
	}
}
