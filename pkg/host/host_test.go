package host

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/openfroyo/enginebridge/pkg/engine"
)

// emptyModule is the smallest valid WebAssembly binary: magic and version only.
var emptyModule = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func TestNewWASMHostRejectsModuleWithoutMemory(t *testing.T) {
	ctx := context.Background()

	_, err := NewWASMHost(ctx, emptyModule, nil, nil)
	if err == nil {
		t.Fatal("expected error for module without exports")
	}
	if !engine.IsFatal(err) {
		t.Errorf("expected initialization error, got %v", err)
	}
}

func TestNewWASMHostRejectsGarbage(t *testing.T) {
	_, err := NewWASMHost(context.Background(), []byte("not wasm"), nil, nil)
	if !engine.IsKind(err, engine.KindInitialization) {
		t.Errorf("expected initialization error, got %v", err)
	}
}

func TestExportPreset(t *testing.T) {
	tests := []struct {
		name    string
		want    string
		wantErr bool
	}{
		{name: "", want: "init"},
		{name: "default", want: "init"},
		{name: "magpie", want: "wasm_magpie_init"},
		{name: "quackle", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExportPreset(tt.name)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Init != tt.want {
				t.Errorf("expected init export %q, got %q", tt.want, got.Init)
			}
		})
	}
}

func TestExportNamesMerge(t *testing.T) {
	merged := ExportNames{Init: "engine_create"}.Merge(MagpieExports)

	if merged.Init != "engine_create" {
		t.Errorf("expected override to win, got %q", merged.Init)
	}
	if merged.RunAsync != MagpieExports.RunAsync {
		t.Errorf("expected base run export, got %q", merged.RunAsync)
	}
}

func TestLineWriter(t *testing.T) {
	var lines []string
	w := newLineWriter(func(s string) { lines = append(lines, s) })

	w.Write([]byte("loading lexicon"))
	w.Write([]byte(" CSW21\nready\r\npartial"))
	w.Flush()

	want := []string{"loading lexicon CSW21", "ready", "partial"}
	if len(lines) != len(want) {
		t.Fatalf("expected %d lines, got %v", len(want), lines)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d: expected %q, got %q", i, want[i], lines[i])
		}
	}
}

func TestManifestLoader(t *testing.T) {
	t.Run("LoadFromBytes", func(t *testing.T) {
		sum := sha256.Sum256(emptyModule)
		manifestYAML := `
name: magpie
version: 0.9.1
module: magpie.wasm
checksum: ` + hex.EncodeToString(sum[:]) + `
exports: magpie
export_overrides:
  stop: wasm_halt
data_path: data
precache:
  - name: data/lexica/CSW21.kwg
    url: https://example.com/CSW21.kwg
  - name: data/layouts/standard15.txt
    url: https://example.com/standard15.txt
`
		manifest, err := NewManifestLoader("/tmp").LoadFromBytes([]byte(manifestYAML), emptyModule)
		if err != nil {
			t.Fatalf("Failed to load manifest: %v", err)
		}

		if !manifest.Verified {
			t.Error("expected checksum to be verified")
		}
		if manifest.Exports.Init != "wasm_magpie_init" {
			t.Errorf("expected magpie init export, got %q", manifest.Exports.Init)
		}
		if manifest.Exports.Stop != "wasm_halt" {
			t.Errorf("expected overridden stop export, got %q", manifest.Exports.Stop)
		}
		if len(manifest.Raw.Precache) != 2 {
			t.Errorf("expected 2 precache entries, got %d", len(manifest.Raw.Precache))
		}
	})

	t.Run("ChecksumMismatch", func(t *testing.T) {
		manifestYAML := "name: e\nversion: \"1\"\nmodule: e.wasm\nchecksum: deadbeef\n"
		if _, err := NewManifestLoader("/tmp").LoadFromBytes([]byte(manifestYAML), emptyModule); err == nil {
			t.Error("expected checksum mismatch")
		}
	})

	t.Run("ValidateManifest", func(t *testing.T) {
		tests := []struct {
			name        string
			manifest    RawManifest
			expectError bool
		}{
			{name: "valid", manifest: RawManifest{Name: "e", Version: "1", Module: "e.wasm"}},
			{name: "missing name", manifest: RawManifest{Version: "1", Module: "e.wasm"}, expectError: true},
			{name: "missing module", manifest: RawManifest{Name: "e", Version: "1"}, expectError: true},
			{
				name: "duplicate resource",
				manifest: RawManifest{Name: "e", Version: "1", Module: "e.wasm", Precache: []ManifestResource{
					{Name: "a", URL: "a"}, {Name: "a", URL: "b"},
				}},
				expectError: true,
			},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				err := validateManifest(&tt.manifest)
				if tt.expectError && err == nil {
					t.Error("expected error")
				}
				if !tt.expectError && err != nil {
					t.Errorf("unexpected error: %v", err)
				}
			})
		}
	})

	t.Run("LoadFromFileResolvesPaths", func(t *testing.T) {
		dir := t.TempDir()
		if err := os.WriteFile(filepath.Join(dir, "engine.wasm"), emptyModule, 0o644); err != nil {
			t.Fatal(err)
		}
		manifestYAML := "name: e\nversion: \"1\"\nmodule: engine.wasm\nprecache:\n  - name: lex\n    url: lexica/lex.kwg\n  - name: remote\n    url: https://example.com/r\n"
		path := filepath.Join(dir, "engine.yaml")
		if err := os.WriteFile(path, []byte(manifestYAML), 0o644); err != nil {
			t.Fatal(err)
		}

		manifest, err := NewManifestLoader("").LoadFromFile(path)
		if err != nil {
			t.Fatalf("LoadFromFile failed: %v", err)
		}
		if manifest.WasmPath != filepath.Join(dir, "engine.wasm") {
			t.Errorf("unexpected wasm path %s", manifest.WasmPath)
		}
		if manifest.Raw.Precache[0].URL != filepath.Join(dir, "lexica/lex.kwg") {
			t.Errorf("expected relative resource resolved, got %s", manifest.Raw.Precache[0].URL)
		}
		if manifest.Raw.Precache[1].URL != "https://example.com/r" {
			t.Errorf("expected remote URL untouched, got %s", manifest.Raw.Precache[1].URL)
		}
	})
}
