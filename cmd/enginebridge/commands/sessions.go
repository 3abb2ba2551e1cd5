package commands

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/enginebridge/pkg/stores"
)

func newSessionsCommand() *cobra.Command {
	var (
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "sessions [session-id]",
		Short: "List journaled sessions",
		Long: `List recent sessions from the journal, newest first. With a session id,
show that session's command results.

The journal must be enabled in the config or through ENGINEBRIDGE_JOURNAL_PATH.`,
		Example: `  # Recent sessions
  enginebridge sessions -c enginebridge.yaml

  # One session's commands as JSON
  enginebridge sessions 3f2c9a1e-... --json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.Journal.Enabled {
				return fmt.Errorf("journal is not enabled")
			}

			ctx := cmd.Context()
			j, err := stores.Open(ctx, cfg.Journal.Config, nil)
			if err != nil {
				return err
			}
			defer j.Close()

			out := cmd.OutOrStdout()

			if len(args) == 1 {
				s, err := j.GetSession(ctx, args[0])
				if err != nil {
					return fmt.Errorf("session %s: %w", args[0], err)
				}
				results, err := j.ListCommandResults(ctx, s.ID)
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(out, struct {
						Session *stores.Session         `json:"session"`
						Results []*stores.CommandResult `json:"results"`
					}{s, results})
				}
				return printSession(out, s, results)
			}

			sessions, err := j.ListSessions(ctx, limit, offset)
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(out, sessions)
			}
			return printSessions(out, sessions)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum sessions to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "sessions to skip")

	return cmd
}

func printSessions(w io.Writer, sessions []*stores.Session) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tCOMMANDS\tEXECUTED\tSTARTED\tDURATION\tERROR")
	for _, s := range sessions {
		errText := ""
		if s.Error != nil {
			errText = truncate(*s.Error, 40)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
			s.ID, s.Status, s.CommandCount, s.Executed,
			s.StartedAt.Local().Format(time.DateTime), formatDuration(s), errText)
	}
	return tw.Flush()
}

func printSession(w io.Writer, s *stores.Session, results []*stores.CommandResult) error {
	fmt.Fprintf(w, "Session %s (%s)\n", s.ID, s.Status)
	fmt.Fprintf(w, "Started:  %s\n", s.StartedAt.Local().Format(time.DateTime))
	fmt.Fprintf(w, "Duration: %s\n", formatDuration(s))
	if s.Error != nil {
		fmt.Fprintf(w, "Error:    %s\n", *s.Error)
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tCOMMAND\tSTATUS\tDURATION\tRESULT")
	for _, r := range results {
		result := truncate(r.Output, 60)
		if r.Failed() {
			result = "error: " + truncate(r.Error, 53)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", r.Index, r.Command, r.Status, r.Duration.Round(time.Millisecond), result)
	}
	return tw.Flush()
}

func formatDuration(s *stores.Session) string {
	if s.CompletedAt == nil {
		return "-"
	}
	return s.Duration.Round(time.Millisecond).String()
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
