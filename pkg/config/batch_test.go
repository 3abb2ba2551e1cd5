package config

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestBatchEvaluator_Evaluate(t *testing.T) {
	evaluator := NewBatchEvaluator(5*time.Second, nil)
	ctx := context.Background()

	tests := []struct {
		name      string
		script    string
		args      map[string]interface{}
		checkFunc func(*testing.T, *Batch)
		wantErr   string
	}{
		{
			name:   "literal command list",
			script: `commands = ["position startpos", "go depth 2"]`,
			checkFunc: func(t *testing.T, b *Batch) {
				if len(b.Commands) != 2 || b.Commands[1] != "go depth 2" {
					t.Errorf("commands = %v", b.Commands)
				}
				if b.DataPath != "" || len(b.Resources) != 0 {
					t.Errorf("unexpected extras: %+v", b)
				}
			},
		},
		{
			name: "generated from arguments",
			script: `
def deepen(n):
    return ["go depth %d" % d for d in range(1, n + 1)]

commands = ["position " + fen] + deepen(depth)
`,
			args: map[string]interface{}{"fen": "startpos", "depth": 3},
			checkFunc: func(t *testing.T, b *Batch) {
				want := []string{"position startpos", "go depth 1", "go depth 2", "go depth 3"}
				if strings.Join(b.Commands, "|") != strings.Join(want, "|") {
					t.Errorf("commands = %v", b.Commands)
				}
				if _, ok := b.Globals["deepen"]; ok {
					t.Error("functions should not be exported as globals")
				}
			},
		},
		{
			name:   "tuple of commands",
			script: `commands = ("a", "b")`,
			checkFunc: func(t *testing.T, b *Batch) {
				if len(b.Commands) != 2 {
					t.Errorf("commands = %v", b.Commands)
				}
			},
		},
		{
			name:   "empty list is a valid batch",
			script: `commands = []`,
			checkFunc: func(t *testing.T, b *Batch) {
				if b.Commands == nil || len(b.Commands) != 0 {
					t.Errorf("commands = %#v", b.Commands)
				}
			},
		},
		{
			name: "resources and data path",
			script: `
data_path = "data"
resources = [
    {"name": "english.kwg", "url": "/data/english.kwg"},
    struct(name = "english.klv2", url = "/data/english.klv2"),
]
commands = ["go"]
label = "nightly"
_scratch = 1
`,
			checkFunc: func(t *testing.T, b *Batch) {
				if b.DataPath != "data" {
					t.Errorf("data path = %q", b.DataPath)
				}
				if len(b.Resources) != 2 || b.Resources[1].Name != "english.klv2" || b.Resources[0].URL != "/data/english.kwg" {
					t.Errorf("resources = %+v", b.Resources)
				}
				if b.Globals["label"] != "nightly" {
					t.Errorf("globals = %v", b.Globals)
				}
				if _, ok := b.Globals["_scratch"]; ok {
					t.Error("private globals should be skipped")
				}
			},
		},
		{
			name:    "missing commands",
			script:  `depth = 3`,
			wantErr: "must define commands",
		},
		{
			name:    "commands not a list",
			script:  `commands = "go"`,
			wantErr: "must be a list of strings",
		},
		{
			name:    "non-string command",
			script:  `commands = ["go", 3]`,
			wantErr: "commands[1] must be a string",
		},
		{
			name:    "resource without url",
			script:  "resources = [{\"name\": \"x\"}]\ncommands = []",
			wantErr: "resources[0] needs string name and url",
		},
		{
			name:    "syntax error",
			script:  `commands = [`,
			wantErr: "batch script failed",
		},
		{
			name:    "unsupported argument",
			script:  `commands = []`,
			args:    map[string]interface{}{"when": time.Now()},
			wantErr: "failed to convert argument when",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			batch, err := evaluator.Evaluate(ctx, "batch.star", tt.script, tt.args)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Evaluate error = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Evaluate failed: %v", err)
			}
			tt.checkFunc(t, batch)
		})
	}
}

func TestBatchEvaluator_Timeout(t *testing.T) {
	evaluator := NewBatchEvaluator(50*time.Millisecond, nil)

	script := `
def spin():
    n = 0
    for i in range(100000000):
        n += i
    return n

total = spin()
commands = []
`
	start := time.Now()
	_, err := evaluator.Evaluate(context.Background(), "spin.star", script, nil)
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("Evaluate error = %v, want timeout", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("cancellation took %s", elapsed)
	}
}

func TestBatchEvaluator_Cancelled(t *testing.T) {
	evaluator := NewBatchEvaluator(time.Minute, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := evaluator.Evaluate(ctx, "batch.star", "commands = [str(i) for i in range(10000000)]", nil)
	if err == nil || !strings.Contains(err.Error(), "cancelled") {
		t.Fatalf("Evaluate error = %v, want cancellation", err)
	}
}
