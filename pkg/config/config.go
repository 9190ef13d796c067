// Package config provides configuration loading and management for tiltrecon.
// It handles loading configuration from YAML or TOML files and provides
// default values.
package config

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"tiltrecon/pkg/ctf"
	"tiltrecon/pkg/geometry"
	"tiltrecon/pkg/partition"
)

// Config represents the application configuration
type Config struct {
	// Processing parameters
	Processing struct {
		// Device is "cpu" or "gpu"
		Device string `yaml:"device" toml:"device"`

		// NumCores specifies how many CPU cores to use, 0 for all of them
		NumCores int `yaml:"numCores" toml:"num_cores"`

		// ChunkSize is the number of rows per chunk, 0 for balanced chunks
		ChunkSize int `yaml:"chunkSize" toml:"chunk_size"`

		// GPUs lists the device ids used when Device is "gpu"
		GPUs []int `yaml:"gpus,omitempty" toml:"gpus,omitempty"`

		// Centre is the rotation centre in detector columns. Unset uses the
		// middle of each row.
		Centre *float64 `yaml:"centre,omitempty" toml:"centre,omitempty"`

		// Transform maps voxel coordinates before they are projected. Unset
		// reconstructs without a transform.
		Transform *Transform `yaml:"transform,omitempty" toml:"transform,omitempty"`
	} `yaml:"processing" toml:"processing"`

	// CTF parameters
	CTF ctf.Params `yaml:"ctf" toml:"ctf"`

	// Output parameters
	Output struct {
		// CorrectedFile receives the CTF corrected projections
		CorrectedFile string `yaml:"correctedFile" toml:"corrected_file"`

		// PreviewDir receives JPEG previews of the volume when set
		PreviewDir string `yaml:"previewDir" toml:"preview_dir"`

		// SliceDir receives every slice of the volume along each axis as
		// JPEG images when set, one subdirectory per axis
		SliceDir string `yaml:"sliceDir" toml:"slice_dir"`

		// MetricsAddr serves Prometheus metrics when set, e.g. ":9090"
		MetricsAddr string `yaml:"metricsAddr" toml:"metrics_addr"`

		// LogLevel is one of error, warn, info, debug or trace
		LogLevel string `yaml:"logLevel" toml:"log_level"`

		// Verbose prints chunk progress
		Verbose bool `yaml:"verbose" toml:"verbose"`
	} `yaml:"output" toml:"output"`
}

// Transform is an affine map of the voxel coordinates (x, z), relative to
// the rotation centre: (x, z) becomes Matrix·(x, z) + Offset.
type Transform struct {
	Matrix [2][2]float64 `yaml:"matrix" toml:"matrix"`
	Offset [2]float64    `yaml:"offset" toml:"offset"`
}

// IdentityTransform returns a transform that leaves coordinates unchanged.
func IdentityTransform() *Transform {
	return &Transform{Matrix: [2][2]float64{{1, 0}, {0, 1}}}
}

// Validate rejects non-finite entries and singular matrices.
func (t *Transform) Validate() error {
	m := t.Matrix
	for _, v := range []float64{m[0][0], m[0][1], m[1][0], m[1][1], t.Offset[0], t.Offset[1]} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("transform must be finite, got matrix %v offset %v", m, t.Offset)
		}
	}
	if m[0][0]*m[1][1]-m[0][1]*m[1][0] == 0 {
		return fmt.Errorf("transform matrix %v is singular", m)
	}
	return nil
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default processing parameters
	cfg.Processing.Device = "cpu"
	cfg.Processing.NumCores = 0

	// Set default CTF parameters, correction disabled
	cfg.CTF = ctf.DefaultParams()

	// Set default output parameters
	cfg.Output.CorrectedFile = "corrected.dat"
	cfg.Output.LogLevel = "info"
	cfg.Output.Verbose = true

	return cfg
}

type format int

const (
	formatYAML format = iota
	formatTOML
)

func formatOf(path string) format {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return formatTOML
	}
	return formatYAML
}

// LoadConfig loads configuration from a YAML or TOML file, chosen by the
// ".toml" extension. If the file doesn't exist, it returns the default
// configuration.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	switch formatOf(configPath) {
	case formatTOML:
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
	}
	return cfg, nil
}

// SaveConfig saves the configuration in the format matching the file extension
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	var data []byte
	switch formatOf(configPath) {
	case formatTOML:
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return fmt.Errorf("error marshaling config: %w", err)
		}
		data = buf.Bytes()
	default:
		var err error
		if data, err = yaml.Marshal(cfg); err != nil {
			return fmt.Errorf("error marshaling config: %w", err)
		}
	}

	// Write to file
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

// Validate checks the processing and CTF sections.
func (c *Config) Validate() error {
	if c.Processing.NumCores < 0 {
		return fmt.Errorf("numCores must not be negative, got %d", c.Processing.NumCores)
	}
	if c.Processing.ChunkSize < 0 {
		return fmt.Errorf("chunkSize must not be negative, got %d", c.Processing.ChunkSize)
	}
	if _, err := c.Target(); err != nil {
		return err
	}
	if t := c.Processing.Transform; t != nil {
		if err := t.Validate(); err != nil {
			return err
		}
	}
	return c.CTF.Validate()
}

// Target builds the execution target of the processing section.
func (c *Config) Target() (partition.Target, error) {
	return partition.ParseTarget(c.Processing.Device, c.Processing.NumCores, c.Processing.GPUs)
}

// Centre returns the configured rotation centre.
func (c *Config) Centre() geometry.Centre {
	if c.Processing.Centre == nil {
		return geometry.DefaultCentre()
	}
	return geometry.ScalarCentre(float32(*c.Processing.Centre))
}

// Transform returns the configured voxel transform, nil when none is set.
func (c *Config) Transform() *geometry.Transform {
	t := c.Processing.Transform
	if t == nil {
		return nil
	}
	return &geometry.Transform{Matrix: t.Matrix, Offset: t.Offset}
}
