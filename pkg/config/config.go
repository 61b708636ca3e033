// Package config provides configuration loading and management for
// polarproj. It handles loading configuration from YAML files and
// provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// PanelConfig describes one detector panel.
type PanelConfig struct {
	// Name identifies the panel; it must be unique within the instrument
	Name string `yaml:"name"`

	// Kind is "planar" or "cylindrical"
	Kind string `yaml:"kind"`

	// Rows and Cols give the pixel grid dimensions
	Rows int `yaml:"rows"`
	Cols int `yaml:"cols"`

	// PixelSize is the (row, col) pixel pitch in mm
	PixelSize [2]float64 `yaml:"pixelSize"`

	// Tilt is the XYZ Euler tilt of the panel in radians
	Tilt [3]float64 `yaml:"tilt"`

	// Translation is the panel center position in the lab frame, mm
	Translation [3]float64 `yaml:"translation"`

	// Radius is the cylinder radius in mm; cylindrical panels only
	Radius float64 `yaml:"radius,omitempty"`

	// Distortion names the optional pixel distortion model
	Distortion       string    `yaml:"distortion,omitempty"`
	DistortionParams []float64 `yaml:"distortionParams,omitempty"`
}

// Config represents the application configuration loaded from YAML
type Config struct {
	// Instrument geometry
	Instrument struct {
		// BeamVec is the unit incident beam direction; a zero value
		// selects the conventional beam along -z
		BeamVec [3]float64 `yaml:"beamVec"`

		// SampleTvec is the sample translation vector in mm
		SampleTvec [3]float64 `yaml:"sampleTvec"`

		// Panels lists the detector panels
		Panels []PanelConfig `yaml:"panels"`
	} `yaml:"instrument"`

	// Polar grid bounds; angles in degrees
	Polar struct {
		TthMin       float64 `yaml:"tthMin"`
		TthMax       float64 `yaml:"tthMax"`
		EtaMin       float64 `yaml:"etaMin"`
		EtaMax       float64 `yaml:"etaMax"`
		TthPixelSize float64 `yaml:"tthPixelSize"`
		EtaPixelSize float64 `yaml:"etaPixelSize"`
	} `yaml:"polar"`

	// Snip background subtraction parameters
	Snip struct {
		Enabled bool `yaml:"enabled"`

		// Algorithm is one of fast_snip1d, snip1d, snip2d
		Algorithm string `yaml:"algorithm"`

		// WidthDeg is the peak width in degrees of two theta
		WidthDeg float64 `yaml:"widthDeg"`

		NumIter int `yaml:"numIter"`

		// Erode removes the border band next to invalid regions
		Erode bool `yaml:"erode"`
	} `yaml:"snip"`

	// Intensity correction parameters
	Corrections struct {
		SolidAngle           bool    `yaml:"solidAngle"`
		Polarization         bool    `yaml:"polarization"`
		PolarizationFraction float64 `yaml:"polarizationFraction"`
		SubtractMinimum      bool    `yaml:"subtractMinimum"`
	} `yaml:"corrections"`

	// Two theta distortion parameters
	Distortion struct {
		// Model is "", "scaled" or "sample_layer"
		Model string `yaml:"model"`

		// Scale stretches the two theta axis; scaled model only
		Scale float64 `yaml:"scale"`

		// Standoff is the layer offset in mm; sample_layer model only
		Standoff float64 `yaml:"standoff"`
	} `yaml:"distortion"`

	// Processing parameters
	Processing struct {
		// NumWorkers bounds the per-detector warp parallelism
		NumWorkers int `yaml:"numWorkers"`
	} `yaml:"processing"`

	// Output parameters
	Output struct {
		// MaskFile is an optional mask file to load before processing
		MaskFile string `yaml:"maskFile"`

		// Scale selects the output intensity scale: linear, sqrt, log
		Scale string `yaml:"scale"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Polar.TthMin = 0.5
	cfg.Polar.TthMax = 15.0
	cfg.Polar.EtaMin = -180.0
	cfg.Polar.EtaMax = 180.0
	cfg.Polar.TthPixelSize = 0.01
	cfg.Polar.EtaPixelSize = 1.0

	cfg.Snip.Enabled = true
	cfg.Snip.Algorithm = "fast_snip1d"
	cfg.Snip.WidthDeg = 1.0
	cfg.Snip.NumIter = 2

	cfg.Corrections.PolarizationFraction = 0.99

	cfg.Distortion.Scale = 1.0

	cfg.Processing.NumWorkers = runtime.NumCPU()

	cfg.Output.Scale = "linear"
	cfg.Output.Verbose = true

	return cfg
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

// CreateDefaultConfigFile creates a default configuration file at the
// specified path
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}
