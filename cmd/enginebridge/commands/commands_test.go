package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/enginebridge/pkg/config"
	"github.com/openfroyo/enginebridge/pkg/host"
)

// execute runs the root command with args and returns what it wrote to stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	for _, key := range []string{
		config.EnvLogLevel, config.EnvEngineModule, config.EnvEngineKind, config.EnvMetricsAddr,
	} {
		t.Setenv(key, "")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	root := newRootCommand("test", "abc123", "today")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func decodeReport(t *testing.T, out string) runReport {
	t.Helper()
	var report runReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("invalid JSON report %q: %v", out, err)
	}
	return report
}

func TestRunCommand(t *testing.T) {
	t.Setenv(config.EnvJournalPath, "")

	tests := []struct {
		name      string
		args      []string
		wantErr   string
		checkFunc func(*testing.T, runReport)
	}{
		{
			name: "plain session",
			args: []string{"echo hello", "sleep 1ms", "echo world"},
			checkFunc: func(t *testing.T, r runReport) {
				if strings.Join(r.Outputs, ",") != "hello,world" {
					t.Errorf("outputs = %v", r.Outputs)
				}
				if r.Executed != 3 || r.SessionID == "" || r.Engine != "sim" {
					t.Errorf("report = %+v", r)
				}
			},
		},
		{
			name:    "command error",
			args:    []string{"echo first", "fail no lexicon loaded", "echo never"},
			wantErr: "no lexicon loaded",
			checkFunc: func(t *testing.T, r runReport) {
				if r.ErrorKind != "command" || r.Command != "fail no lexicon loaded" {
					t.Errorf("report = %+v", r)
				}
				if len(r.Outputs) != 1 || r.Outputs[0] != "first" {
					t.Errorf("outputs = %v", r.Outputs)
				}
			},
		},
		{
			name:    "missing precache resource",
			args:    []string{"--precache", "english.kwg=/nonexistent/english.kwg", "echo x"},
			wantErr: "precache english.kwg",
			checkFunc: func(t *testing.T, r runReport) {
				if r.ErrorKind != "fetch" {
					t.Errorf("error kind = %s", r.ErrorKind)
				}
			},
		},
		{
			name:    "no commands",
			args:    []string{},
			wantErr: "no commands to run",
		},
		{
			name:    "bad precache flag",
			args:    []string{"--precache", "english.kwg", "go"},
			wantErr: "expected name=url",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"run", "--engine", "sim", "--json"}, tt.args...)
			out, err := execute(t, args...)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("error = %v, want %q", err, tt.wantErr)
				}
			} else if err != nil {
				t.Fatalf("run failed: %v", err)
			}
			if tt.checkFunc != nil {
				tt.checkFunc(t, decodeReport(t, out))
			}
		})
	}
}

func TestRunCommandPlainOutput(t *testing.T) {
	t.Setenv(config.EnvJournalPath, "")

	out, err := execute(t, "run", "--engine", "sim", "echo one", "echo two")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if out != "one\ntwo\n" {
		t.Errorf("stdout = %q", out)
	}
}

func TestRunCommandWithScript(t *testing.T) {
	t.Setenv(config.EnvJournalPath, "")

	dir := t.TempDir()
	lexicon := filepath.Join(dir, "english.kwg")
	if err := os.WriteFile(lexicon, []byte("kwg"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	script := filepath.Join(dir, "batch.star")
	content := `
resources = [{"name": "english.kwg", "url": lexicon}]
commands = ["echo depth %d" % d for d in range(1, int(depth) + 1)]
`
	if err := os.WriteFile(script, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	out, err := execute(t, "run", "--engine", "sim", "--json",
		"--script", script, "--arg", "depth=3", "--arg", "lexicon="+lexicon)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	r := decodeReport(t, out)
	if strings.Join(r.Outputs, ",") != "depth 1,depth 2,depth 3" {
		t.Errorf("outputs = %v", r.Outputs)
	}

	if _, err := execute(t, "run", "--engine", "sim", "--script", script, "echo x"); err == nil {
		t.Error("expected error combining --script with commands")
	}
}

func TestSessionsCommand(t *testing.T) {
	journal := filepath.Join(t.TempDir(), "journal.db")
	t.Setenv(config.EnvJournalPath, journal)

	if _, err := execute(t, "run", "--engine", "sim", "echo a", "echo b"); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if _, err := execute(t, "run", "--engine", "sim", "fail broken"); err == nil {
		t.Fatal("expected failing run")
	}

	out, err := execute(t, "sessions", "--engine", "sim", "--json")
	if err != nil {
		t.Fatalf("sessions failed: %v", err)
	}
	var sessions []struct {
		ID       string `json:"id"`
		Status   string `json:"status"`
		Executed int    `json:"executed"`
		Error    string `json:"error"`
	}
	if err := json.Unmarshal([]byte(out), &sessions); err != nil {
		t.Fatalf("invalid JSON %q: %v", out, err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}
	if sessions[0].Status != "failed" || !strings.Contains(sessions[0].Error, "broken") {
		t.Errorf("newest session = %+v", sessions[0])
	}
	if sessions[1].Status != "completed" || sessions[1].Executed != 2 {
		t.Errorf("oldest session = %+v", sessions[1])
	}

	out, err = execute(t, "sessions", "--engine", "sim", sessions[1].ID)
	if err != nil {
		t.Fatalf("sessions detail failed: %v", err)
	}
	if !strings.Contains(out, "echo b") || !strings.Contains(out, "completed") {
		t.Errorf("detail output = %q", out)
	}

	out, err = execute(t, "sessions", "--engine", "sim")
	if err != nil {
		t.Fatalf("sessions table failed: %v", err)
	}
	if !strings.HasPrefix(out, "ID") || strings.Count(out, "\n") != 3 {
		t.Errorf("table output = %q", out)
	}
}

func TestSessionsRequiresJournal(t *testing.T) {
	t.Setenv(config.EnvJournalPath, "")
	if _, err := execute(t, "sessions", "--engine", "sim"); err == nil || !strings.Contains(err.Error(), "not enabled") {
		t.Errorf("error = %v", err)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.Contains(out, "enginebridge test (commit: abc123") {
		t.Errorf("output = %q", out)
	}
}

func TestWorkerRejectsStdoutLogging(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "enginebridge.yaml")
	content := "engine:\n  kind: sim\ntelemetry:\n  logging:\n    output: stdout\n"
	if err := os.WriteFile(cfgPath, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if _, err := execute(t, "worker", "-c", cfgPath); err == nil || !strings.Contains(err.Error(), "stdout") {
		t.Errorf("error = %v", err)
	}
}

func TestParseResources(t *testing.T) {
	tests := []struct {
		name    string
		values  []string
		want    []host.ManifestResource
		wantErr bool
	}{
		{
			name:   "pairs",
			values: []string{"english.kwg=/data/english.kwg", " book = https://example.com/book.bin "},
			want: []host.ManifestResource{
				{Name: "english.kwg", URL: "/data/english.kwg"},
				{Name: "book", URL: "https://example.com/book.bin"},
			},
		},
		{name: "url keeps later equals", values: []string{"q=http://h/x?a=b"}, want: []host.ManifestResource{{Name: "q", URL: "http://h/x?a=b"}}},
		{name: "missing url", values: []string{"english.kwg="}, wantErr: true},
		{name: "no separator", values: []string{"english.kwg"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseResources(tt.values)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("resource %d = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestMergeResources(t *testing.T) {
	base := []host.ManifestResource{{Name: "a", URL: "1"}, {Name: "b", URL: "2"}}
	got := mergeResources(base,
		[]host.ManifestResource{{Name: "b", URL: "3"}},
		[]host.ManifestResource{{Name: "c", URL: "4"}, {Name: "a", URL: "5"}},
	)

	want := []host.ManifestResource{{Name: "a", URL: "5"}, {Name: "b", URL: "3"}, {Name: "c", URL: "4"}}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("resource %d = %+v, want %+v", i, got[i], want[i])
		}
	}
	if base[0].URL != "1" {
		t.Error("base slice must not be modified")
	}
}
