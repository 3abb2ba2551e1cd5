package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/enginebridge/pkg/config"
	"github.com/openfroyo/enginebridge/pkg/telemetry"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
	engineKind string
	modulePath string
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "enginebridge",
		Short: "Host a WASM analysis engine behind a message-driven bridge",
		Long: `enginebridge hosts a compiled engine module (for example a crossword
game analyser) and drives it through an asynchronous request/event protocol.

The worker speaks JSON lines on stdin/stdout. Controllers send precache, init,
run, stop and destroy requests and receive ready, output, complete, stopped,
destroyed and error events.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&engineKind, "engine", "", "engine kind (wasm, sim)")
	rootCmd.PersistentFlags().StringVar(&modulePath, "module", "", "path of the engine WASM module")

	rootCmd.AddCommand(newWorkerCommand(version))
	rootCmd.AddCommand(newRunCommand(version))
	rootCmd.AddCommand(newTUICommand(version))
	rootCmd.AddCommand(newSessionsCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}

// flagOverrides turns the global flags into config overrides.
func flagOverrides() []config.Override {
	var overrides []config.Override
	if engineKind != "" {
		kind := strings.ToLower(engineKind)
		overrides = append(overrides, func(c *config.Config) { c.Engine.Kind = kind })
	}
	if modulePath != "" {
		path := modulePath
		overrides = append(overrides, func(c *config.Config) {
			c.Engine.Module = path
			c.Engine.Manifest = ""
		})
	}
	if verbose {
		overrides = append(overrides, func(c *config.Config) { c.Telemetry.Logging.Level = "debug" })
	}
	return overrides
}

// loadConfig loads the config file named by --config with flag overrides and
// applies its log level process-wide.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath, flagOverrides()...)
	if err != nil {
		return nil, err
	}
	telemetry.SetGlobalLevel(cfg.Telemetry.Logging.Level)
	return cfg, nil
}
