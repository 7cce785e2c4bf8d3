// Package config provides configuration loading and management for prfsolve.
// It handles the run configuration (YAML, with defaults) and the per-experiment
// parameter files found next to each dataset.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// Workers is the size of the fitting worker pool
		Workers int `yaml:"workers"`

		// Method selects the local optimizer used after the grid search
		// ("nelder-mead" or "lbfgs")
		Method string `yaml:"method"`

		// MaxIterations is the optimizer's iteration budget per voxel
		MaxIterations int `yaml:"maxIterations"`

		// Precision is the stimulus quantization ("binary", "uint8" or "int16")
		Precision string `yaml:"precision"`

		// ViewingDistance is the assumed eye-to-screen distance in cm
		ViewingDistance float64 `yaml:"viewingDistance"`

		// Background is the stimulus background intensity
		Background float64 `yaml:"background"`
	} `yaml:"processing"`

	// Output parameters
	Output struct {
		// Extension of the written result volumes (".nii.gz" or ".nii")
		Extension string `yaml:"extension"`
	} `yaml:"output"`

	// Logging parameters
	Logging struct {
		// Level is one of debug, info, warn, error
		Level string `yaml:"level"`

		// Format is "text" or "json"
		Format string `yaml:"format"`
	} `yaml:"logging"`

	// Ledger parameters
	Ledger struct {
		// Backend is "none", "memory" or "sqlite"
		Backend string `yaml:"backend"`

		// Path of the SQLite database when Backend is "sqlite"
		Path string `yaml:"path"`
	} `yaml:"ledger"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.Workers = runtime.NumCPU()
	cfg.Processing.Method = "nelder-mead"
	cfg.Processing.MaxIterations = 5000
	cfg.Processing.Precision = "binary"
	cfg.Processing.ViewingDistance = 50
	cfg.Processing.Background = 0.5

	cfg.Output.Extension = ".nii.gz"

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"

	cfg.Ledger.Backend = "none"

	return cfg
}

// Validate checks the configuration for values the solver cannot use
func (c *Config) Validate() error {
	if c.Processing.Workers < 1 {
		return fmt.Errorf("processing.workers must be positive, got %d", c.Processing.Workers)
	}
	switch c.Processing.Method {
	case "nelder-mead", "lbfgs":
	default:
		return fmt.Errorf("invalid processing.method: %s (must be nelder-mead or lbfgs)", c.Processing.Method)
	}
	if c.Processing.MaxIterations < 1 {
		return fmt.Errorf("processing.maxIterations must be positive, got %d", c.Processing.MaxIterations)
	}
	switch c.Processing.Precision {
	case "binary", "uint8", "int16":
	default:
		return fmt.Errorf("invalid processing.precision: %s (must be binary, uint8 or int16)", c.Processing.Precision)
	}
	if c.Processing.ViewingDistance <= 0 {
		return fmt.Errorf("processing.viewingDistance must be positive")
	}
	switch c.Output.Extension {
	case ".nii", ".nii.gz":
	default:
		return fmt.Errorf("invalid output.extension: %s (must be .nii or .nii.gz)", c.Output.Extension)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}
	switch c.Ledger.Backend {
	case "", "none", "memory":
	case "sqlite":
		if c.Ledger.Path == "" {
			return fmt.Errorf("ledger.path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("invalid ledger.backend: %s (must be none, memory or sqlite)", c.Ledger.Backend)
	}
	return nil
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath == "" {
		return cfg, nil
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}
