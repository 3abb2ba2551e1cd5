package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/enginebridge/pkg/bridge"
	"github.com/openfroyo/enginebridge/pkg/engine"
	"github.com/openfroyo/enginebridge/pkg/engine/fake"
	"github.com/openfroyo/enginebridge/pkg/host"
	"github.com/openfroyo/enginebridge/pkg/stores"
	"github.com/openfroyo/enginebridge/pkg/telemetry"
)

// Engine kinds.
const (
	EngineKindWASM = "wasm"
	EngineKindSim  = "sim"
)

// Environment variables that override file settings.
const (
	EnvLogLevel     = "ENGINEBRIDGE_LOG_LEVEL"
	EnvEngineModule = "ENGINEBRIDGE_ENGINE_MODULE"
	EnvEngineKind   = "ENGINEBRIDGE_ENGINE_KIND"
	EnvJournalPath  = "ENGINEBRIDGE_JOURNAL_PATH"
	EnvMetricsAddr  = "ENGINEBRIDGE_METRICS_ADDR"
)

// EngineConfig selects and tunes the engine behind the bridge.
type EngineConfig struct {
	// Kind is wasm for a compiled module or sim for the built-in simulator.
	Kind string `yaml:"kind" validate:"oneof=wasm sim"`

	// Module is the path of the WASM module. Ignored when Manifest is set.
	Module string `yaml:"module"`

	// Manifest is the path of an engine manifest describing module, ABI and data.
	Manifest string `yaml:"manifest"`

	// Exports names an export preset (default, magpie).
	Exports string `yaml:"exports" validate:"omitempty,oneof=default magpie"`

	// ExportOverrides replaces individual symbols of the preset.
	ExportOverrides host.ExportNames `yaml:"export_overrides"`

	MemoryLimitPages uint32        `yaml:"memory_limit_pages" validate:"lte=65536"`
	CallTimeout      time.Duration `yaml:"call_timeout" validate:"gte=0"`

	// MountDir is exposed read-only to the module at GuestDir.
	MountDir string `yaml:"mount_dir"`
	GuestDir string `yaml:"guest_dir"`

	// DataPath is passed to init when the controller gives none.
	DataPath string `yaml:"data_path"`

	// SimStep is the duration of one simulator command.
	SimStep time.Duration `yaml:"sim_step" validate:"gte=0"`
}

// JournalConfig enables the session journal.
type JournalConfig struct {
	Enabled bool `yaml:"enabled"`

	stores.Config `yaml:",inline"`
}

// Config is the complete enginebridge configuration.
type Config struct {
	Engine    EngineConfig        `yaml:"engine"`
	Poll      bridge.PollConfig   `yaml:"poll"`
	Fetch     bridge.LoaderConfig `yaml:"fetch"`
	Journal   JournalConfig       `yaml:"journal"`
	Telemetry telemetry.Config    `yaml:"telemetry"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			Kind:             EngineKindWASM,
			Exports:          "default",
			MemoryLimitPages: 4096,
			CallTimeout:      30 * time.Second,
			GuestDir:         "/data",
			SimStep:          10 * time.Millisecond,
		},
		Poll:  bridge.DefaultPollConfig(),
		Fetch: bridge.DefaultLoaderConfig(),
		Journal: JournalConfig{
			Config: stores.Config{Path: "enginebridge.db"},
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// Override adjusts a loaded config before validation, e.g. from CLI flags.
type Override func(*Config)

// Load reads the YAML file at path over the defaults, applies environment
// overrides and then overrides, and validates the result. Keys outside the
// config schema are rejected. An empty path loads defaults only.
func Load(path string, overrides ...Override) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
		schema, err := defaultSchema()
		if err != nil {
			return nil, err
		}
		if err := schema.CheckDocument(data); err != nil {
			return nil, fmt.Errorf("invalid config %s: %w", path, err)
		}
		cfg.resolvePaths(filepath.Dir(path))
	}

	cfg.ApplyEnv(os.LookupEnv)
	for _, o := range overrides {
		o(cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolvePaths makes file paths in the config relative to its directory.
func (c *Config) resolvePaths(dir string) {
	resolve := func(p *string) {
		if *p != "" && !filepath.IsAbs(*p) && !strings.Contains(*p, "://") && *p != ":memory:" {
			*p = filepath.Join(dir, *p)
		}
	}
	resolve(&c.Engine.Module)
	resolve(&c.Engine.Manifest)
	resolve(&c.Engine.MountDir)
	if c.Journal.Enabled {
		resolve(&c.Journal.Path)
	}
	if c.Fetch.BaseDir == "" && c.Fetch.BaseURL == "" {
		c.Fetch.BaseDir = dir
	}
}

// ApplyEnv applies environment overrides read through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Telemetry.Logging.Level = strings.ToLower(v)
	}
	if v, ok := lookup(EnvEngineKind); ok && v != "" {
		c.Engine.Kind = strings.ToLower(v)
	}
	if v, ok := lookup(EnvEngineModule); ok && v != "" {
		c.Engine.Module = v
		c.Engine.Manifest = ""
	}
	if v, ok := lookup(EnvJournalPath); ok && v != "" {
		c.Journal.Enabled = true
		c.Journal.Path = v
	}
	if v, ok := lookup(EnvMetricsAddr); ok && v != "" {
		c.Telemetry.Metrics.Enabled = true
		c.Telemetry.Metrics.ListenAddress = v
	}
}

// Validate checks struct constraints and the rules that span fields.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	if c.Engine.Kind == EngineKindWASM && c.Engine.Module == "" && c.Engine.Manifest == "" {
		return fmt.Errorf("invalid config: engine.module or engine.manifest is required for wasm engines")
	}
	if c.Journal.Enabled && c.Journal.Path == "" {
		return fmt.Errorf("invalid config: journal.path is required when the journal is enabled")
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}
	return nil
}

// EngineSpec is a resolved engine: how to bind it and the data it expects.
type EngineSpec struct {
	Binder   engine.Binder
	Name     string
	DataPath string
	Precache []host.ManifestResource
}

// Resolve builds the binder for the configured engine. For a manifest the
// module, export table, data path and precache list come from the manifest,
// with config values taking precedence where set.
func (e *EngineConfig) Resolve() (*EngineSpec, error) {
	if e.Kind == EngineKindSim {
		step := e.SimStep
		if step == 0 {
			step = 10 * time.Millisecond
		}
		return &EngineSpec{
			Binder:   fake.NewSimulator(step).Binder(),
			Name:     "sim",
			DataPath: e.DataPath,
		}, nil
	}

	preset, err := host.ExportPreset(e.Exports)
	if err != nil {
		return nil, err
	}
	hostCfg := host.DefaultWASMHostConfig()
	hostCfg.Exports = e.ExportOverrides.Merge(preset)
	if e.MemoryLimitPages > 0 {
		hostCfg.MemoryLimitPages = e.MemoryLimitPages
	}
	if e.CallTimeout > 0 {
		hostCfg.Timeout = e.CallTimeout
	}
	hostCfg.MountDir = e.MountDir
	if e.GuestDir != "" {
		hostCfg.GuestDir = e.GuestDir
	}

	if e.Manifest == "" {
		return &EngineSpec{
			Binder:   host.Binder(e.Module, hostCfg),
			Name:     filepath.Base(e.Module),
			DataPath: e.DataPath,
		}, nil
	}

	m, err := host.NewManifestLoader(filepath.Dir(e.Manifest)).LoadFromFile(e.Manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to load engine manifest: %w", err)
	}
	hostCfg.Exports = e.ExportOverrides.Merge(m.Exports)

	spec := &EngineSpec{
		Binder:   m.Binder(hostCfg),
		Name:     m.Raw.Name,
		DataPath: m.Raw.DataPath,
		Precache: m.Raw.Precache,
	}
	if e.DataPath != "" {
		spec.DataPath = e.DataPath
	}
	return spec, nil
}
