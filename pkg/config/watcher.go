package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// ReloadFunc receives each successfully reloaded configuration.
type ReloadFunc func(*Config) error

// Watcher reloads a config file when it changes on disk.
type Watcher struct {
	path     string
	debounce time.Duration
	logger   zerolog.Logger
	reload   ReloadFunc

	// Overrides are reapplied on every reload.
	Overrides []Override

	mu      sync.Mutex
	current *Config
}

// NewWatcher creates a watcher for path. current is the configuration already
// in effect.
func NewWatcher(path string, current *Config, logger zerolog.Logger, reload ReloadFunc) *Watcher {
	return &Watcher{
		path:     filepath.Clean(path),
		debounce: 250 * time.Millisecond,
		logger:   logger.With().Str("component", "config-watcher").Logger(),
		reload:   reload,
		current:  current,
	}
}

// Current returns the last loaded configuration.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run watches until ctx is done. The parent directory is watched so that
// editors replacing the file by rename are seen.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}

	w.logger.Info().Str("path", w.path).Msg("Watching config file")

	var timer *time.Timer
	fire := make(chan struct{}, 1)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.Debug().Str("op", event.Op.String()).Msg("Config file changed")

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})

		case <-fire:
			if err := w.apply(); err != nil {
				w.logger.Error().Err(err).Msg("Config reload rejected")
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (w *Watcher) apply() error {
	cfg, err := Load(w.path, w.Overrides...)
	if err != nil {
		return err
	}
	if w.reload != nil {
		if err := w.reload(cfg); err != nil {
			return fmt.Errorf("failed to apply reloaded config: %w", err)
		}
	}

	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()

	w.logger.Info().Str("log_level", cfg.Telemetry.Logging.Level).Msg("Config reloaded")
	return nil
}
