package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"attest/internal/safety"
)

// Config holds all resolved configuration for the attest binary.
type Config struct {
	Home     string         `yaml:"home"`
	Library  string         `yaml:"library"`
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Safety   SafetyConfig   `yaml:"safety"`
	Patterns PatternsConfig `yaml:"patterns"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// SafetyConfig carries the default safety limits applied to pipelines that
// do not declare their own.
type SafetyConfig struct {
	MaxSteps           int      `yaml:"max_steps"`
	MaxInputBytes      int64    `yaml:"max_input_bytes"`
	MaxOutputBytes     int64    `yaml:"max_output_bytes"`
	StepTimeoutSeconds int      `yaml:"step_timeout_seconds"`
	RunTimeoutSeconds  int      `yaml:"run_timeout_seconds"`
	DenylistPatterns   []string `yaml:"denylist_patterns"`
}

type PatternsConfig struct {
	// Binary is the external pattern tool invoked by "pattern" steps.
	Binary string `yaml:"binary"`
	// Args are prepended before the pattern name.
	Args []string `yaml:"args"`
}

func defaults() Config {
	home := defaultHome()
	return Config{
		Home:    home,
		Library: filepath.Join(home, "library"),
		Server:  ServerConfig{Port: 4810},
		Log:     LogConfig{Level: "info"},
		Safety: SafetyConfig{
			MaxSteps:           50,
			MaxInputBytes:      10 << 20,
			MaxOutputBytes:     10 << 20,
			StepTimeoutSeconds: 300,
			RunTimeoutSeconds:  3600,
			DenylistPatterns: []string{
				"**/.env*",
				"**/secrets*",
				"**/*credential*",
				"**/*.pem",
				"**/*.key",
			},
		},
		Patterns: PatternsConfig{Binary: "fabric", Args: []string{"-p"}},
	}
}

func defaultHome() string {
	if h := os.Getenv("ATTEST_HOME"); h != "" {
		return h
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".attest"
	}
	return filepath.Join(home, ".attest")
}

// Load reads configuration from config.yaml under the attest home directory,
// then applies ATTEST_* environment overrides. A missing config file is not
// an error; defaults apply.
func Load() (Config, error) {
	cfg := defaults()

	path := filepath.Join(cfg.Home, "config.yaml")
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// defaults only
	case err != nil:
		return Config{}, fmt.Errorf("reading config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if cfg.Library == "" {
		cfg.Library = filepath.Join(cfg.Home, "library")
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ATTEST_HOME"); v != "" {
		cfg.Home = v
	}
	if v := os.Getenv("ATTEST_LIBRARY"); v != "" {
		cfg.Library = v
	}
	if v := os.Getenv("ATTEST_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("ATTEST_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("ATTEST_PATTERN_BINARY"); v != "" {
		cfg.Patterns.Binary = v
	}
}

// Save writes the config back to config.yaml under the home directory.
func Save(cfg Config) error {
	if err := os.MkdirAll(cfg.Home, 0o755); err != nil {
		return fmt.Errorf("creating home directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}
	path := filepath.Join(cfg.Home, "config.yaml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// SafetyLimits converts the configured defaults into enforcement limits.
// Pipelines may override individual fields in their own definitions.
func (c Config) SafetyLimits() safety.Limits {
	return safety.Limits{
		MaxSteps:           c.Safety.MaxSteps,
		MaxInputBytes:      c.Safety.MaxInputBytes,
		MaxOutputBytes:     c.Safety.MaxOutputBytes,
		StepTimeoutSeconds: c.Safety.StepTimeoutSeconds,
		RunTimeoutSeconds:  c.Safety.RunTimeoutSeconds,
		DenylistPatterns:   c.Safety.DenylistPatterns,
	}
}

// RunsDir returns the directory holding per-run event logs and artifacts.
func (c Config) RunsDir() string { return filepath.Join(c.Home, "runs") }

// CatalogPath returns the path of the catalog index file.
func (c Config) CatalogPath() string { return filepath.Join(c.Home, "catalog.json") }

// IndexPath returns the path of the derived SQLite lookup index.
func (c Config) IndexPath() string { return filepath.Join(c.Home, "index.db") }

// PipelinesDir returns the directory searched for pipeline definitions.
func (c Config) PipelinesDir() string { return filepath.Join(c.Home, "pipelines") }

// KV is a flat key/value view of the config, used by `attest config show`.
type KV struct {
	Key   string
	Value string
}

// ShowAll returns all config keys in display order.
func ShowAll(cfg Config) []KV {
	return []KV{
		{"home", cfg.Home},
		{"library", cfg.Library},
		{"server.port", strconv.Itoa(cfg.Server.Port)},
		{"log.level", cfg.Log.Level},
		{"safety.max_steps", strconv.Itoa(cfg.Safety.MaxSteps)},
		{"safety.max_input_bytes", strconv.FormatInt(cfg.Safety.MaxInputBytes, 10)},
		{"safety.max_output_bytes", strconv.FormatInt(cfg.Safety.MaxOutputBytes, 10)},
		{"safety.step_timeout_seconds", strconv.Itoa(cfg.Safety.StepTimeoutSeconds)},
		{"safety.run_timeout_seconds", strconv.Itoa(cfg.Safety.RunTimeoutSeconds)},
		{"patterns.binary", cfg.Patterns.Binary},
	}
}

// SetKey updates a single config key and persists the file.
func SetKey(key, value string) error {
	cfg, err := Load()
	if err != nil {
		return err
	}
	switch key {
	case "home":
		cfg.Home = value
	case "library":
		cfg.Library = value
	case "server.port":
		port, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid port %q: %w", value, err)
		}
		cfg.Server.Port = port
	case "log.level":
		cfg.Log.Level = value
	case "patterns.binary":
		cfg.Patterns.Binary = value
	default:
		return fmt.Errorf("unknown config key %q", key)
	}
	return Save(cfg)
}
