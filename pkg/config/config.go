// Package config provides configuration loading and management for mlemrecon.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"mlemrecon/pkg/geometry"
	"mlemrecon/pkg/reconstruction"
	"mlemrecon/pkg/refine"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Scanner geometry
	Geometry struct {
		// ImageSize is the side length of the reconstructed image in pixels
		ImageSize int `yaml:"imageSize" validate:"gt=0"`

		// RadialBins is the number of detector bins; 0 selects ceil(imageSize·√2)
		RadialBins int `yaml:"radialBins" validate:"gte=0"`

		// Angles is the number of projection angles over [0, π); 0 selects imageSize
		Angles int `yaml:"angles" validate:"gte=0"`
	} `yaml:"geometry"`

	// MLEM parameters
	Reconstruction struct {
		// Iterations is the number of MLEM updates
		Iterations int `yaml:"iterations" validate:"gte=1"`

		// Epsilon regularizes both MLEM divisions
		Epsilon float64 `yaml:"epsilon" validate:"gt=0"`

		// NumCores bounds the goroutines used inside one projection
		NumCores int `yaml:"numCores" validate:"gte=1"`
	} `yaml:"reconstruction"`

	// Learned refinement between iterations
	Refinement struct {
		Enabled bool `yaml:"enabled"`

		// Kind selects the architecture: a single convolution, a multi-layer CNN,
		// or a CNN with self-attention
		Kind string `yaml:"kind" validate:"oneof=conv cnn attention"`

		// File, when set, holds trained refiner parameters written by the train command
		File string `yaml:"file"`

		// KernelSize is the side length of every convolution kernel; must be odd
		KernelSize int `yaml:"kernelSize" validate:"gte=1"`

		// Slope is the initial negative slope of the PReLU activation
		Slope float64 `yaml:"slope"`

		// Channels is the hidden width of the cnn and attention kinds
		Channels int `yaml:"channels" validate:"gte=1"`

		// Layers is the number of convolutions in the cnn and attention kinds
		Layers int `yaml:"layers" validate:"gte=2"`

		// Seed initializes the hidden layers of the cnn and attention kinds
		Seed uint64 `yaml:"seed"`

		// Epochs bounds the optimizer iterations when training
		Epochs int `yaml:"epochs" validate:"gte=0"`

		// MaxEvaluations bounds the reconstructions run while training; 0 means unbounded
		MaxEvaluations int `yaml:"maxEvaluations" validate:"gte=0"`
	} `yaml:"refinement"`

	// Simulated acquisition
	Phantom struct {
		// Kind selects the ground-truth image
		Kind string `yaml:"kind" validate:"oneof=shepp-logan disc"`

		// Counts scales the noiseless sinogram before Poisson sampling; 0 disables noise
		Counts float64 `yaml:"counts" validate:"gte=0"`

		// Seed makes noisy acquisitions reproducible
		Seed uint64 `yaml:"seed"`
	} `yaml:"phantom"`

	// Output parameters
	Output struct {
		// Dir receives images, the run report and metrics
		Dir string `yaml:"dir" validate:"required"`

		// SaveImages writes PNGs of the truth, sinogram, reconstruction and diagnostics
		SaveImages bool `yaml:"saveImages"`

		// MetricsFile, when set, receives Prometheus metrics in text format
		MetricsFile string `yaml:"metricsFile"`
	} `yaml:"output"`

	// Logging parameters
	Logging struct {
		Level   string `yaml:"level" validate:"oneof=trace debug info warn error"`
		Console bool   `yaml:"console"`
	} `yaml:"logging"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Geometry.ImageSize = 128

	cfg.Reconstruction.Iterations = 10
	cfg.Reconstruction.Epsilon = reconstruction.DefaultEpsilon
	cfg.Reconstruction.NumCores = runtime.NumCPU()

	cfg.Refinement.Enabled = false
	cfg.Refinement.Kind = string(refine.KindConvolution)
	cfg.Refinement.KernelSize = 7
	cfg.Refinement.Slope = 0.25
	cfg.Refinement.Channels = 8
	cfg.Refinement.Layers = 5
	cfg.Refinement.Seed = 1
	cfg.Refinement.Epochs = 250
	cfg.Refinement.MaxEvaluations = 0

	cfg.Phantom.Kind = "shepp-logan"
	cfg.Phantom.Counts = 0
	cfg.Phantom.Seed = 1

	cfg.Output.Dir = "output"
	cfg.Output.SaveImages = true

	cfg.Logging.Level = "info"
	cfg.Logging.Console = true

	return cfg
}

// Validate checks field constraints and the cross-field rules the tags
// cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Refinement.KernelSize%2 == 0 {
		return fmt.Errorf("invalid configuration: refinement.kernelSize must be odd, got %d", c.Refinement.KernelSize)
	}
	if _, err := c.ScannerGeometry(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// ScannerGeometry resolves the geometry section, filling in defaults for zero
// radial bins and angles.
func (c *Config) ScannerGeometry() (geometry.Geometry, error) {
	return geometry.NewGeometry(c.Geometry.ImageSize, c.Geometry.RadialBins, c.Geometry.Angles)
}

// RefinerSpec describes the refiner selected by the refinement section.
func (c *Config) RefinerSpec() refine.Spec {
	return refine.Spec{
		Kind:       refine.Kind(c.Refinement.Kind),
		KernelSize: c.Refinement.KernelSize,
		Channels:   c.Refinement.Channels,
		Layers:     c.Refinement.Layers,
		Slope:      c.Refinement.Slope,
		Seed:       c.Refinement.Seed,
	}
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

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
		return nil, err
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
