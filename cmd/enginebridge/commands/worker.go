package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/enginebridge/pkg/bridge"
	"github.com/openfroyo/enginebridge/pkg/config"
	"github.com/openfroyo/enginebridge/pkg/telemetry"
)

func newWorkerCommand(version string) *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Serve the bridge protocol on stdin/stdout",
		Long: `Run the engine bridge as a worker process.

Requests are read from stdin and events written to stdout, one JSON message
per line. Logs go to stderr. The worker exits when stdin is closed, after
releasing the engine.

With a journal configured, sessions, command results and resource fetches are
recorded in SQLite. With metrics enabled, Prometheus metrics are served on the
configured address.`,
		Example: `  # Serve the simulator engine
  enginebridge worker --engine sim

  # Serve a module described by a manifest, reloading the log level on change
  enginebridge worker -c enginebridge.yaml --watch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Telemetry.Logging.Output == "stdout" {
				return fmt.Errorf("worker logs cannot go to stdout, which carries the protocol")
			}
			if watch && configPath == "" {
				return fmt.Errorf("--watch requires --config")
			}
			return runWorker(cmd.Context(), cfg, version, watch)
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "reload the log level when the config file changes")

	return cmd
}

func runWorker(ctx context.Context, cfg *config.Config, version string, watch bool) error {
	rt, err := newBridgeRuntime(ctx, cfg, watch)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := rt.Close(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Worker shutdown incomplete")
		}
	}()

	logger := rt.tel.Logger.NewComponentLogger("worker")
	logger.WithField("engine", rt.engine.Name).Info("Worker starting")

	g, gctx := errgroup.WithContext(ctx)

	// Auxiliary services stop once the protocol stream ends.
	auxCtx, stopAux := context.WithCancel(gctx)
	defer stopAux()

	g.Go(func() error {
		defer stopAux()
		return bridge.Serve(gctx, rt.options(version), os.Stdin, os.Stdout)
	})

	g.Go(func() error {
		return rt.tel.Metrics.Serve(auxCtx)
	})

	if watch {
		w := config.NewWatcher(configPath, cfg, *logger.Zerolog(), func(next *config.Config) error {
			telemetry.SetGlobalLevel(next.Telemetry.Logging.Level)
			return nil
		})
		w.Overrides = flagOverrides()
		g.Go(func() error {
			return w.Run(auxCtx)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Worker stopped")
	return nil
}
