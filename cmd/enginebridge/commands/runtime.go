package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/openfroyo/enginebridge/pkg/bridge"
	"github.com/openfroyo/enginebridge/pkg/config"
	"github.com/openfroyo/enginebridge/pkg/stores"
	"github.com/openfroyo/enginebridge/pkg/telemetry"
)

// bridgeRuntime holds what an in-process bridge needs: telemetry, the
// resolved engine, and the journal when enabled.
type bridgeRuntime struct {
	cfg     *config.Config
	tel     *telemetry.Telemetry
	engine  *config.EngineSpec
	journal *stores.Journal
}

// newBridgeRuntime builds telemetry and the journal from cfg. When the log
// level may change at runtime, loggers are built fully open and the level is
// enforced process-wide instead.
func newBridgeRuntime(ctx context.Context, cfg *config.Config, reloadableLevel bool) (*bridgeRuntime, error) {
	telCfg := cfg.Telemetry
	if reloadableLevel {
		telCfg.Logging.Level = "trace"
	}
	tel, err := telemetry.NewTelemetry(&telCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	telemetry.SetGlobalLevel(cfg.Telemetry.Logging.Level)

	spec, err := cfg.Engine.Resolve()
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, err
	}

	rt := &bridgeRuntime{cfg: cfg, tel: tel, engine: spec}

	if cfg.Journal.Enabled {
		j, err := stores.Open(ctx, cfg.Journal.Config, tel.Logger)
		if err != nil {
			_ = tel.Shutdown(ctx)
			return nil, fmt.Errorf("failed to open journal: %w", err)
		}
		rt.journal = j
		tel.Events.Subscribe(j.Subscriber(), nil)
	}

	return rt, nil
}

func (rt *bridgeRuntime) options(version string) bridge.Options {
	return bridge.Options{
		Binder:    rt.engine.Binder,
		Loader:    bridge.NewResourceLoader(rt.cfg.Fetch),
		Poll:      rt.cfg.Poll,
		Telemetry: rt.tel,
		Engine:    rt.engine.Name,
		Version:   version,
	}
}

// Close flushes events into the journal before closing it.
func (rt *bridgeRuntime) Close(ctx context.Context) error {
	err := rt.tel.Shutdown(ctx)
	if rt.journal != nil {
		err = errors.Join(err, rt.journal.Close())
	}
	return err
}

// newCLILogger builds the logger for controller-side components.
func newCLILogger(cfg *config.Config) (*telemetry.Logger, error) {
	logger, err := telemetry.NewLogger(cfg.Telemetry.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return logger, nil
}
