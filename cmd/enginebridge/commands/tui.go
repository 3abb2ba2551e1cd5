package commands

import (
	"context"
	"fmt"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/openfroyo/enginebridge/pkg/bridge/protocol"
)

func newTUICommand(version string) *cobra.Command {
	var (
		spawn    bool
		logFile  string
		dataPath string
		precache []string
	)

	cmd := &cobra.Command{
		Use:   "tui",
		Short: "Drive the engine interactively",
		Long: `Open an interactive controller over a bridge.

Type commands separated by ";" to run them as one session. Lines starting with
":" control the bridge:

  :precache name=url   fetch a resource into the engine
  :init [data-path]    initialise the engine
  :stop                interrupt the running command
  :destroy             release the engine
  :clear               clear the event log
  :quit                exit

Every event from the bridge, including engine log lines, is shown as it arrives.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			// The terminal belongs to the UI.
			cfg.Telemetry.Logging.Output = logFile

			extra, err := parseResources(precache)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			events := make(chan protocol.Message, 256)
			onMessage := func(msg protocol.Message) {
				select {
				case events <- msg:
				case <-ctx.Done():
				}
			}

			start := func() (*controller, error) {
				logger, err := newCLILogger(cfg)
				if err != nil {
					return nil, err
				}
				return startController(ctx, cfg, controllerOptions{
					spawn:     spawn,
					version:   version,
					onMessage: onMessage,
					logger:    logger,
				})
			}

			m := newTUIModel(ctx, start, events, extra, dataPath)
			p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
			final, err := p.Run()
			// Unblock event delivery before waiting for the bridge to drain.
			cancel()
			if fm, ok := final.(*tuiModel); ok {
				fm.shutdown()
			}
			if err != nil && cmd.Context().Err() == nil {
				return fmt.Errorf("interactive session failed: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&spawn, "spawn", false, "run the bridge in a worker subprocess")
	cmd.Flags().StringVar(&logFile, "log-file", os.DevNull, "file receiving bridge logs")
	cmd.Flags().StringVar(&dataPath, "data-path", "", "default data path for :init")
	cmd.Flags().StringArrayVar(&precache, "precache", nil, "resource to precache on start (name=url), repeatable")

	return cmd
}

// tuiAction is one parsed input line.
type tuiAction struct {
	kind     string
	arg      string
	commands []string
}

const (
	actionRun      = "run"
	actionPrecache = "precache"
	actionInit     = "init"
	actionStop     = "stop"
	actionDestroy  = "destroy"
	actionClear    = "clear"
	actionQuit     = "quit"
)

// parseTUIInput turns an input line into an action. Plain text is a run of
// ";"-separated commands.
func parseTUIInput(line string) (tuiAction, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return tuiAction{}, fmt.Errorf("empty input")
	}

	if !strings.HasPrefix(line, ":") {
		var cmds []string
		for _, c := range strings.Split(line, ";") {
			if c = strings.TrimSpace(c); c != "" {
				cmds = append(cmds, c)
			}
		}
		if len(cmds) == 0 {
			return tuiAction{}, fmt.Errorf("no commands")
		}
		return tuiAction{kind: actionRun, commands: cmds}, nil
	}

	verb, arg, _ := strings.Cut(strings.TrimPrefix(line, ":"), " ")
	arg = strings.TrimSpace(arg)
	switch verb {
	case "precache", "p":
		if arg == "" {
			return tuiAction{}, fmt.Errorf("usage: :precache name=url")
		}
		return tuiAction{kind: actionPrecache, arg: arg}, nil
	case "init", "i":
		return tuiAction{kind: actionInit, arg: arg}, nil
	case "stop", "s":
		return tuiAction{kind: actionStop}, nil
	case "destroy", "d":
		return tuiAction{kind: actionDestroy}, nil
	case "clear":
		return tuiAction{kind: actionClear}, nil
	case "quit", "q", "exit":
		return tuiAction{kind: actionQuit}, nil
	default:
		return tuiAction{}, fmt.Errorf("unknown command :%s", verb)
	}
}

// eventLine renders one bridge event for the log pane.
func eventLine(msg protocol.Message) (string, eventTone) {
	switch msg.Type {
	case protocol.MessageTypeOutput:
		return msg.Text(), toneOutput
	case protocol.MessageTypeLog:
		return "log: " + msg.Text(), toneMuted
	case protocol.MessageTypeError:
		var ev protocol.ErrorEvent
		if err := msg.ParseData(&ev); err != nil {
			return "error: " + err.Error(), toneError
		}
		text := fmt.Sprintf("error [%s]: %s", ev.Kind, ev.Text)
		if ev.Command != "" {
			text += fmt.Sprintf(" (%s)", ev.Command)
		}
		return text, toneError
	case protocol.MessageTypeInitFailed:
		return "init failed", toneError
	case protocol.MessageTypeReady:
		var ev protocol.ReadyEvent
		_ = msg.ParseData(&ev)
		return fmt.Sprintf("ready: %s %s (pid %d)", ev.Engine, ev.Version, ev.PID), toneEvent
	case protocol.MessageTypePrecacheComplete:
		var ev protocol.PrecacheCompleteEvent
		_ = msg.ParseData(&ev)
		return fmt.Sprintf("precached %s (%s)", ev.Name, humanBytes(ev.Bytes)), toneEvent
	case protocol.MessageTypeComplete:
		var ev protocol.SessionEvent
		_ = msg.ParseData(&ev)
		return fmt.Sprintf("complete: %d command(s)", ev.Commands), toneEvent
	default:
		return string(msg.Type), toneEvent
	}
}

func humanBytes(n int) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
