package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/enginebridge/pkg/bridge/client"
	"github.com/openfroyo/enginebridge/pkg/config"
	"github.com/openfroyo/enginebridge/pkg/host"
)

// runReport is the --json form of a finished run.
type runReport struct {
	Engine    string   `json:"engine"`
	SessionID string   `json:"session_id,omitempty"`
	Outputs   []string `json:"outputs"`
	Executed  int      `json:"executed"`
	Stopped   bool     `json:"stopped,omitempty"`
	Error     string   `json:"error,omitempty"`
	ErrorKind string   `json:"error_kind,omitempty"`
	Command   string   `json:"failed_command,omitempty"`
}

func newRunCommand(version string) *cobra.Command {
	var (
		spawn      bool
		timeout    time.Duration
		scriptPath string
		scriptArgs map[string]string
		precache   []string
		dataPath   string
	)

	cmd := &cobra.Command{
		Use:   "run [command...]",
		Short: "Run commands through the engine as one session",
		Long: `Start a bridge, precache resources, initialise the engine, run the given
commands as a single session, print their output, and destroy the engine.

Commands come from the arguments or from a Starlark batch script that defines a
commands list. Resources come from the engine manifest, the script and --precache,
in that order; later entries replace earlier ones with the same name.`,
		Example: `  # Run against the simulator
  enginebridge run --engine sim "echo hello" "sleep 10ms" "echo done"

  # Run a batch script against a manifest-described engine in a worker process
  enginebridge run -c enginebridge.yaml --spawn --script analyse.star --arg depth=4

  # Precache a lexicon and bound the session
  enginebridge run --module magpie.wasm --precache english.kwg=data/english.kwg --timeout 30s "go"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			extra, err := parseResources(precache)
			if err != nil {
				return err
			}

			plan := &config.Batch{Commands: args}
			if scriptPath != "" {
				if len(args) > 0 {
					return fmt.Errorf("commands cannot be given with --script")
				}
				plan, err = evalBatchFile(ctx, cfg, scriptPath, scriptArgs)
				if err != nil {
					return err
				}
			}
			if len(plan.Commands) == 0 {
				return fmt.Errorf("no commands to run")
			}

			report, err := runSession(ctx, cmd.OutOrStdout(), cfg, version, spawn, plan, extra, dataPath)
			if jsonOutput && report != nil {
				if encErr := writeJSON(cmd.OutOrStdout(), report); encErr != nil {
					return encErr
				}
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&spawn, "spawn", false, "run the bridge in a worker subprocess")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "wall-clock limit for the whole run")
	cmd.Flags().StringVar(&scriptPath, "script", "", "Starlark batch script defining commands")
	cmd.Flags().StringToStringVar(&scriptArgs, "arg", nil, "script arguments (key=value)")
	cmd.Flags().StringArrayVar(&precache, "precache", nil, "resource to precache (name=url), repeatable")
	cmd.Flags().StringVar(&dataPath, "data-path", "", "data path passed to init")

	return cmd
}

func evalBatchFile(ctx context.Context, cfg *config.Config, path string, args map[string]string) (*config.Batch, error) {
	script, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	input := make(map[string]interface{}, len(args))
	for k, v := range args {
		input[k] = v
	}

	logger, err := newCLILogger(cfg)
	if err != nil {
		return nil, err
	}
	batch, err := config.NewBatchEvaluator(0, logger).Evaluate(ctx, path, string(script), input)
	if err != nil {
		return nil, err
	}
	log.Debug().
		Str("script", path).
		Int("commands", len(batch.Commands)).
		Dur("elapsed", batch.ExecutionTime).
		Msg("Batch script evaluated")
	return batch, nil
}

// runSession drives one precache/init/run/destroy cycle and prints outputs as
// plain lines unless --json is set.
func runSession(ctx context.Context, out io.Writer, cfg *config.Config, version string, spawn bool, plan *config.Batch, extra []host.ManifestResource, dataPath string) (*runReport, error) {
	logger, err := newCLILogger(cfg)
	if err != nil {
		return nil, err
	}

	ctl, err := startController(ctx, cfg, controllerOptions{
		spawn:   spawn,
		version: version,
		logger:  logger,
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := ctl.close(closeCtx); err != nil {
			log.Warn().Err(err).Msg("Bridge did not shut down cleanly")
		}
	}()

	report := &runReport{Engine: ctl.engine.Name, Outputs: []string{}}

	resources := mergeResources(ctl.engine.Precache, plan.Resources, extra)
	if err := ctl.precache(ctx, resources); err != nil {
		return report.fail(err), err
	}

	if dataPath == "" {
		dataPath = plan.DataPath
	}
	if dataPath == "" {
		dataPath = ctl.engine.DataPath
	}
	if err := ctl.client.Init(ctx, dataPath); err != nil {
		return report.fail(err), fmt.Errorf("init: %w", err)
	}

	res, runErr := ctl.client.Run(ctx, plan.Commands)
	if res != nil {
		report.SessionID = res.SessionID
		report.Outputs = append(report.Outputs, res.Outputs...)
		report.Executed = res.Executed
		report.Stopped = res.Stopped
		if !jsonOutput {
			for _, line := range res.Outputs {
				fmt.Fprintln(out, line)
			}
		}
	}

	if ctx.Err() != nil {
		// Interrupted or timed out: stop the command, then release the engine.
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = ctl.client.Stop(cleanupCtx)
		if err := ctl.client.Destroy(cleanupCtx); err != nil {
			log.Warn().Err(err).Msg("Destroy after interruption failed")
		}
		return report.fail(ctx.Err()), ctx.Err()
	}
	if runErr != nil {
		return report.fail(runErr), runErr
	}

	if err := ctl.client.Destroy(ctx); err != nil {
		return report.fail(err), fmt.Errorf("destroy: %w", err)
	}

	log.Info().
		Str("session", report.SessionID).
		Int("executed", report.Executed).
		Msg("Session complete")
	return report, nil
}

func (r *runReport) fail(err error) *runReport {
	r.Error = err.Error()
	var rerr *client.RemoteError
	if errors.As(err, &rerr) {
		r.ErrorKind = string(rerr.Kind)
		r.Command = rerr.Command
	}
	return r
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
