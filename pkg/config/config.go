// Package config provides configuration loading and management for dwidenoise.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"dwidenoise/pkg/mppca"
)

// ThreadsEnvVar overrides the configured thread count when the flag is not given
const ThreadsEnvVar = "DWIDENOISE_NTHREADS"

// Config represents the application configuration loaded from YAML
type Config struct {
	// Denoising parameters
	Denoise struct {
		// WindowSize is the odd side length of the cubic neighbourhood
		WindowSize int `yaml:"windowSize"`
	} `yaml:"denoise"`

	// Processing parameters
	Processing struct {
		// NumThreads specifies how many worker goroutines to use; 0 means one per CPU
		NumThreads int `yaml:"numThreads"`

		// MemoryFraction is the share of physical memory the images may occupy
		// before a warning is logged
		MemoryFraction float64 `yaml:"memoryFraction"`
	} `yaml:"processing"`

	// Output parameters
	Output struct {
		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`

		// PreviewDir receives PNG previews when non-empty
		PreviewDir string `yaml:"previewDir"`

		// PreviewScale is the integer upscaling factor of previews
		PreviewScale int `yaml:"previewScale"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Denoise.WindowSize = mppca.DefaultWindowSize

	cfg.Processing.NumThreads = 0
	cfg.Processing.MemoryFraction = 0.8

	cfg.Output.Verbose = false
	cfg.Output.PreviewScale = 2

	return cfg
}

// Validate checks the configuration for values that would make a run fail
func (c *Config) Validate() error {
	if err := mppca.ValidateWindowSize(c.Denoise.WindowSize); err != nil {
		return fmt.Errorf("denoise.windowSize: %w", err)
	}
	if c.Processing.NumThreads < 0 {
		return fmt.Errorf("processing.numThreads must not be negative, got %d", c.Processing.NumThreads)
	}
	if c.Processing.MemoryFraction <= 0 || c.Processing.MemoryFraction > 1 {
		return fmt.Errorf("processing.memoryFraction must be in (0,1], got %g", c.Processing.MemoryFraction)
	}
	if c.Output.PreviewScale < 1 {
		return fmt.Errorf("output.previewScale must be at least 1, got %d", c.Output.PreviewScale)
	}
	return nil
}

// Threads resolves the worker count once at startup.
// A positive override (flag or environment, already merged by the CLI) wins,
// then the configured value, then the number of CPUs.
func (c *Config) Threads(override int) int {
	if override > 0 {
		return override
	}
	if c.Processing.NumThreads > 0 {
		return c.Processing.NumThreads
	}
	return runtime.NumCPU()
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath == "" {
		return cfg, nil
	}

	// Check if config file exists
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
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
