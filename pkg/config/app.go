package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/osdeploy/pkg/engine"
	"github.com/openfroyo/osdeploy/pkg/telemetry"
)

// Default locations used when no configuration file overrides them.
const (
	DefaultConfigFile = "osdeploy.yaml"
	DefaultStateFile  = "osdeploy-state.json"
	DefaultDatabase   = "osdeploy.db"
)

// AppConfig is the host configuration of the osdeploy command.
type AppConfig struct {
	// StatePath is the state file a run loads and checkpoints.
	StatePath string `yaml:"state_path" validate:"required"`

	// DatabasePath is the SQLite catalog and run journal.
	DatabasePath string `yaml:"database_path" validate:"required"`

	// WorkingDir holds scratch data such as image mount points.
	WorkingDir string `yaml:"working_dir"`

	// SequenceDir is imported into the catalog before a run when set.
	SequenceDir string `yaml:"sequence_dir" validate:"omitempty,dir"`

	// PolicyPaths are extra .rego files or directories.
	PolicyPaths []string `yaml:"policy_paths" validate:"dive,required"`

	// InventoryPath is the disk inventory document.
	InventoryPath string `yaml:"inventory_path"`

	// SelectionStepsPath seeds the disk selection steps of a new state.
	SelectionStepsPath string `yaml:"selection_steps" validate:"omitempty,file"`

	// ImageTool is the image servicing executable.
	ImageTool string `yaml:"image_tool"`

	// DryRun replaces the image, boot and domain collaborators with recorders.
	DryRun bool `yaml:"dry_run"`

	// Interactive enables console prompts.
	Interactive bool `yaml:"interactive"`

	Logging LoggingSection `yaml:"logging"`
	Metrics MetricsSection `yaml:"metrics"`
	Tracing TracingSection `yaml:"tracing"`
}

// LoggingSection configures the console logger.
type LoggingSection struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=trace debug info warn error fatal"`
	Format string `yaml:"format" validate:"omitempty,oneof=console json"`
}

// MetricsSection configures metrics output.
type MetricsSection struct {
	TextfilePath  string `yaml:"textfile_path"`
	ListenAddress string `yaml:"listen_address" validate:"omitempty,hostname_port"`
}

// TracingSection configures trace export.
type TracingSection struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter" validate:"omitempty,oneof=otlp stdout none"`
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
}

// DefaultAppConfig returns the configuration used without a file.
func DefaultAppConfig() *AppConfig {
	return &AppConfig{
		StatePath:    DefaultStateFile,
		DatabasePath: DefaultDatabase,
		Interactive:  true,
		Logging:      LoggingSection{Level: "info", Format: "console"},
		Tracing:      TracingSection{Exporter: "none", Insecure: true},
	}
}

// LoadAppConfig reads path over the defaults, applies OSDEPLOY_* environment
// overrides and validates the result. A missing file is not an error when
// optional is set.
func LoadAppConfig(path string, optional bool, lookupEnv func(string) (string, bool)) (*AppConfig, error) {
	cfg := DefaultAppConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			dec := yaml.NewDecoder(bytes.NewReader(data))
			dec.KnownFields(true)
			if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
			cfg.resolvePaths(filepath.Dir(path))
		case errors.Is(err, os.ErrNotExist) && optional:
		default:
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if lookupEnv == nil {
		lookupEnv = os.LookupEnv
	}
	if err := cfg.applyEnv(lookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration's struct tags.
func (c *AppConfig) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return engine.NewValidationError("", "invalid configuration", err)
	}
	return nil
}

// resolvePaths makes relative paths from a config file relative to its directory.
func (c *AppConfig) resolvePaths(base string) {
	for _, p := range []*string{&c.StatePath, &c.DatabasePath, &c.WorkingDir, &c.SequenceDir,
		&c.InventoryPath, &c.SelectionStepsPath, &c.Metrics.TextfilePath} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
	for i, p := range c.PolicyPaths {
		if !filepath.IsAbs(p) {
			c.PolicyPaths[i] = filepath.Join(base, p)
		}
	}
}

// applyEnv overrides fields from OSDEPLOY_* variables.
func (c *AppConfig) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"STATE_PATH":       &c.StatePath,
		"DATABASE_PATH":    &c.DatabasePath,
		"WORKING_DIR":      &c.WorkingDir,
		"SEQUENCE_DIR":     &c.SequenceDir,
		"INVENTORY_PATH":   &c.InventoryPath,
		"SELECTION_STEPS":  &c.SelectionStepsPath,
		"IMAGE_TOOL":       &c.ImageTool,
		"LOG_LEVEL":        &c.Logging.Level,
		"LOG_FORMAT":       &c.Logging.Format,
		"METRICS_TEXTFILE": &c.Metrics.TextfilePath,
		"METRICS_LISTEN":   &c.Metrics.ListenAddress,
		"TRACE_EXPORTER":   &c.Tracing.Exporter,
		"TRACE_ENDPOINT":   &c.Tracing.Endpoint,
	}
	for name, dst := range strs {
		if v, ok := lookup(engine.EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}

	bools := map[string]*bool{
		"DRY_RUN":        &c.DryRun,
		"INTERACTIVE":    &c.Interactive,
		"TRACE_ENABLED":  &c.Tracing.Enabled,
		"TRACE_INSECURE": &c.Tracing.Insecure,
	}
	for name, dst := range bools {
		v, ok := lookup(engine.EnvPrefix + name)
		if !ok || v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return engine.NewValidationError(strings.ToLower(name), "invalid boolean in "+engine.EnvPrefix+name, err)
		}
		*dst = b
	}

	if v, ok := lookup(engine.EnvPrefix + "POLICY_PATHS"); ok && v != "" {
		c.PolicyPaths = nil
		for _, p := range strings.Split(v, string(os.PathListSeparator)) {
			if p = strings.TrimSpace(p); p != "" {
				c.PolicyPaths = append(c.PolicyPaths, p)
			}
		}
	}
	return nil
}

// TelemetryConfig derives the telemetry configuration.
func (c *AppConfig) TelemetryConfig(version string) *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	if version != "" {
		cfg.ServiceVersion = version
	}
	if c.Logging.Level != "" {
		cfg.Logging.Level = c.Logging.Level
	}
	if c.Logging.Format != "" {
		cfg.Logging.Format = c.Logging.Format
	}
	cfg.Metrics.TextfilePath = c.Metrics.TextfilePath
	cfg.Metrics.ListenAddress = c.Metrics.ListenAddress
	cfg.Tracing.Enabled = c.Tracing.Enabled && c.Tracing.Exporter != "none"
	if c.Tracing.Exporter != "" {
		cfg.Tracing.Exporter = c.Tracing.Exporter
	}
	cfg.Tracing.Endpoint = c.Tracing.Endpoint
	cfg.Tracing.Insecure = c.Tracing.Insecure
	cfg.Events.EnableAsync = false
	return cfg
}
