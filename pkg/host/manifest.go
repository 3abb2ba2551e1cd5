package host

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/enginebridge/pkg/engine"
)

// ManifestResource is one file the engine expects precached before init.
type ManifestResource struct {
	// Name is the path the engine looks the data up under.
	Name string `yaml:"name"`

	// URL is where the data is fetched from. Relative paths resolve against the manifest.
	URL string `yaml:"url"`
}

// RawManifest is the on-disk manifest format.
type RawManifest struct {
	Name     string             `yaml:"name"`
	Version  string             `yaml:"version"`
	Module   string             `yaml:"module"`
	Checksum string             `yaml:"checksum,omitempty"`
	Exports  string             `yaml:"exports,omitempty"`
	Override ExportNames        `yaml:"export_overrides,omitempty"`
	DataPath string             `yaml:"data_path,omitempty"`
	Precache []ManifestResource `yaml:"precache,omitempty"`
}

// Manifest describes an engine build: its module, ABI and the data it needs.
type Manifest struct {
	// Raw is the raw manifest data from the YAML file.
	Raw *RawManifest

	// Path is the file path where the manifest was loaded from.
	Path string

	// WasmPath is the path to the WASM module.
	WasmPath string

	// Exports is the resolved export table.
	Exports ExportNames

	// Verified indicates if the WASM module checksum has been verified.
	Verified bool
}

// ManifestLoader loads and parses engine manifests.
type ManifestLoader struct {
	// BaseDir is the base directory for resolving relative paths.
	BaseDir string
}

// NewManifestLoader creates a new manifest loader.
func NewManifestLoader(baseDir string) *ManifestLoader {
	return &ManifestLoader{BaseDir: baseDir}
}

// LoadFromFile loads a manifest from a YAML file.
func (m *ManifestLoader) LoadFromFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}

	manifest, err := m.parse(data)
	if err != nil {
		return nil, err
	}
	manifest.Path = path

	if err := m.resolvePaths(manifest); err != nil {
		return nil, fmt.Errorf("failed to resolve module path: %w", err)
	}
	return manifest, nil
}

// LoadFromBytes loads a manifest from raw bytes and verifies wasmModule against its checksum.
func (m *ManifestLoader) LoadFromBytes(data []byte, wasmModule []byte) (*Manifest, error) {
	manifest, err := m.parse(data)
	if err != nil {
		return nil, err
	}
	if manifest.Raw.Checksum != "" {
		if err := manifest.VerifyChecksum(wasmModule); err != nil {
			return nil, err
		}
	}
	return manifest, nil
}

func (m *ManifestLoader) parse(data []byte) (*Manifest, error) {
	var raw RawManifest
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}
	if err := validateManifest(&raw); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}

	base, err := ExportPreset(raw.Exports)
	if err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}

	return &Manifest{
		Raw:     &raw,
		Exports: raw.Override.Merge(base),
	}, nil
}

// validateManifest validates the basic structure of a manifest.
func validateManifest(manifest *RawManifest) error {
	if manifest.Name == "" {
		return fmt.Errorf("engine name is required")
	}
	if manifest.Version == "" {
		return fmt.Errorf("engine version is required")
	}
	if manifest.Module == "" {
		return fmt.Errorf("module is required")
	}

	seen := make(map[string]bool, len(manifest.Precache))
	for i, res := range manifest.Precache {
		if res.Name == "" {
			return fmt.Errorf("precache[%d]: name is required", i)
		}
		if res.URL == "" {
			return fmt.Errorf("precache %s: url is required", res.Name)
		}
		if seen[res.Name] {
			return fmt.Errorf("precache %s: duplicate name", res.Name)
		}
		seen[res.Name] = true
	}
	return nil
}

// resolvePaths resolves the module path and relative resource paths.
func (m *ManifestLoader) resolvePaths(manifest *Manifest) error {
	dir := m.BaseDir
	if manifest.Path != "" {
		dir = filepath.Dir(manifest.Path)
	}

	manifest.WasmPath = manifest.Raw.Module
	if !filepath.IsAbs(manifest.WasmPath) {
		manifest.WasmPath = filepath.Join(dir, manifest.WasmPath)
	}
	if _, err := os.Stat(manifest.WasmPath); err != nil {
		return fmt.Errorf("WASM module not found at %s: %w", manifest.WasmPath, err)
	}

	for i, res := range manifest.Raw.Precache {
		if isRemote(res.URL) || filepath.IsAbs(res.URL) {
			continue
		}
		manifest.Raw.Precache[i].URL = filepath.Join(dir, res.URL)
	}
	return nil
}

// VerifyChecksum verifies the WASM module checksum against the manifest.
func (m *Manifest) VerifyChecksum(wasmModule []byte) error {
	if m.Raw.Checksum == "" {
		return fmt.Errorf("no checksum in manifest")
	}

	hash := sha256.Sum256(wasmModule)
	computedChecksum := hex.EncodeToString(hash[:])

	if computedChecksum != m.Raw.Checksum {
		return fmt.Errorf("WASM module checksum mismatch: expected %s, got %s",
			m.Raw.Checksum, computedChecksum)
	}

	m.Verified = true
	return nil
}

// HostConfig returns a host configuration using the manifest's export table.
func (m *Manifest) HostConfig() *WASMHostConfig {
	cfg := DefaultWASMHostConfig()
	cfg.Exports = m.Exports
	return cfg
}

// Binder returns an engine.Binder that loads the manifest's module, verifying its checksum
// when the manifest carries one.
func (m *Manifest) Binder(hostConfig *WASMHostConfig) engine.Binder {
	return func(ctx context.Context, sink engine.LogSink) (engine.Adapter, error) {
		wasmModule, err := os.ReadFile(m.WasmPath)
		if err != nil {
			return nil, engine.NewInitializationError("failed to read WASM module", err)
		}
		if m.Raw.Checksum != "" {
			if err := m.VerifyChecksum(wasmModule); err != nil {
				return nil, engine.NewInitializationError("module rejected", err)
			}
		}
		return NewWASMHost(ctx, wasmModule, hostConfig, sink)
	}
}

func isRemote(url string) bool {
	for _, prefix := range []string{"http://", "https://", "file://"} {
		if strings.HasPrefix(url, prefix) {
			return true
		}
	}
	return false
}
