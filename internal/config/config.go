// Package config loads the daemon configuration from ~/.deadhand/config.yaml
// and DEADHAND_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as a Go duration string in YAML.
type Duration time.Duration

// UnmarshalYAML parses strings like "5m" or "90s".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML writes the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds the daemon configuration.
type Config struct {
	// Listen is the API server address.
	Listen string `yaml:"listen"`
	// DBPath is the SQLite database file.
	DBPath string `yaml:"db_path"`
	// GraceWindow is how long an owner may stay silent before triggering.
	GraceWindow *Duration `yaml:"grace_window"`
	// PollInterval is how often the execution pipeline drains due entries.
	PollInterval *Duration `yaml:"poll_interval"`
	// MaxRetries bounds retryable executor failures per release entry.
	MaxRetries *int `yaml:"max_retries"`
	// EvaluateInterval is how often every owner's liveness is evaluated.
	// Defaults to PollInterval.
	EvaluateInterval Duration `yaml:"evaluate_interval"`
	// ExecTimeout bounds a single executor call.
	ExecTimeout Duration `yaml:"exec_timeout"`
	// Concurrency limits how many owners are processed in parallel.
	Concurrency int `yaml:"concurrency"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
	// Executors configures the built-in filesystem executors.
	Executors ExecutorsConfig `yaml:"executors"`
}

// ExecutorsConfig configures the localfs executors.
type ExecutorsConfig struct {
	// Root is the directory payload references resolve against.
	Root string `yaml:"root"`
}

// Dir returns ~/.deadhand, or .deadhand when the home directory is unknown.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".deadhand"
	}
	return filepath.Join(home, ".deadhand")
}

// DefaultPath returns ~/.deadhand/config.yaml.
func DefaultPath() string {
	return filepath.Join(Dir(), "config.yaml")
}

// Defaults returns the ambient settings. Core timing values have no
// defaults and must be configured.
func Defaults() *Config {
	return &Config{
		Listen:      "127.0.0.1:7466",
		DBPath:      filepath.Join(Dir(), "deadhand.db"),
		ExecTimeout: Duration(30 * time.Second),
		Concurrency: 4,
		LogLevel:    "info",
		Executors:   ExecutorsConfig{Root: filepath.Join(Dir(), "vault")},
	}
}

// LoadConfig reads the YAML file at path (skipped when path is empty or
// the file does not exist), applies environment overrides and validates
// the result.
func LoadConfig(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file: %w", err)
			}
		}
	}

	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if cfg.EvaluateInterval == 0 && cfg.PollInterval != nil {
		cfg.EvaluateInterval = *cfg.PollInterval
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	strs := map[string]*string{
		"DEADHAND_LISTEN":         &c.Listen,
		"DEADHAND_DB_PATH":        &c.DBPath,
		"DEADHAND_LOG_LEVEL":      &c.LogLevel,
		"DEADHAND_EXECUTORS_ROOT": &c.Executors.Root,
	}
	for key, dst := range strs {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}

	durs := map[string]**Duration{
		"DEADHAND_GRACE_WINDOW":  &c.GraceWindow,
		"DEADHAND_POLL_INTERVAL": &c.PollInterval,
	}
	for key, dst := range durs {
		if v := getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", key, err)
			}
			dd := Duration(d)
			*dst = &dd
		}
	}
	for key, dst := range map[string]*Duration{
		"DEADHAND_EVALUATE_INTERVAL": &c.EvaluateInterval,
		"DEADHAND_EXEC_TIMEOUT":      &c.ExecTimeout,
	} {
		if v := getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", key, err)
			}
			*dst = Duration(d)
		}
	}

	if v := getenv("DEADHAND_MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid DEADHAND_MAX_RETRIES: %w", err)
		}
		c.MaxRetries = &n
	}
	if v := getenv("DEADHAND_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid DEADHAND_CONCURRENCY: %w", err)
		}
		c.Concurrency = n
	}
	return nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.GraceWindow == nil {
		return fmt.Errorf("grace_window is required (env: DEADHAND_GRACE_WINDOW)")
	}
	if c.PollInterval == nil {
		return fmt.Errorf("poll_interval is required (env: DEADHAND_POLL_INTERVAL)")
	}
	if c.MaxRetries == nil {
		return fmt.Errorf("max_retries is required (env: DEADHAND_MAX_RETRIES)")
	}
	if *c.GraceWindow <= 0 {
		return fmt.Errorf("grace_window must be positive")
	}
	if *c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	if *c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	if c.EvaluateInterval < 0 {
		return fmt.Errorf("evaluate_interval must not be negative")
	}
	if c.ExecTimeout <= 0 {
		return fmt.Errorf("exec_timeout must be positive")
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path must not be empty")
	}
	return nil
}

// SaveConfig writes cfg as YAML, creating parent directories if needed.
func SaveConfig(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
