// Package config loads and validates the daemon's configuration: the
// serving root, retry/timeout/block-wrap policy, and logging settings.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete application configuration.
type Config struct {
	Port int    `yaml:"port"`
	Root string `yaml:"root"`

	Transfer TransferConfig `yaml:"transfer"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// TransferConfig holds the session state machine's tunables (§4.3 and the
// Open Question resolutions in SPEC_FULL.md §9).
type TransferConfig struct {
	MaxRetries             int           `yaml:"max_retries"`
	Timeout                time.Duration `yaml:"timeout"`
	BlockWrap              string        `yaml:"block_wrap"` // "zero" or "one"
	DeletePartialOnFailure bool          `yaml:"delete_partial_on_failure"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// DefaultConfig returns a configuration with sane defaults.
func DefaultConfig() *Config {
	return &Config{
		Port: DefaultPort,
		Root: DefaultRoot,
		Transfer: TransferConfig{
			MaxRetries:             DefaultMaxRetries,
			Timeout:                DefaultTimeout,
			BlockWrap:              DefaultBlockWrap,
			DeletePartialOnFailure: DefaultDeletePartialOnFailure,
		},
		Logging: LoggingConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}

// LoadFromFile loads configuration from an optional YAML file. A missing
// or empty filename yields the default configuration rather than an
// error, matching the teacher's "config is optional" behavior.
func LoadFromFile(filename string) (*Config, error) {
	cfg := DefaultConfig()

	if filename == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for internal consistency. It does not
// consult the environment or resolve the serving root beyond the process
// cwd (§6.4): the caller is responsible for resolving Root to an absolute,
// canonical path before constructing the server shell.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range [1, 65535]", c.Port)
	}

	if c.Root == "" {
		return fmt.Errorf("serving root cannot be empty")
	}
	info, err := os.Stat(c.Root)
	if err != nil {
		return fmt.Errorf("serving root %q: %w", c.Root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("serving root %q is not a directory", c.Root)
	}

	if c.Transfer.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be at least 1")
	}
	if c.Transfer.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.Transfer.BlockWrap != BlockWrapZero && c.Transfer.BlockWrap != BlockWrapOne {
		return fmt.Errorf("block_wrap must be %q or %q, got %q", BlockWrapZero, BlockWrapOne, c.Transfer.BlockWrap)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level %q, must be one of: debug, info, warn, error", c.Logging.Level)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format %q, must be 'text' or 'json'", c.Logging.Format)
	}

	return nil
}
