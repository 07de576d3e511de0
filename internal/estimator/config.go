// Package estimator orchestrates sequential Monte Carlo estimation over
// zone model trees: initial-condition sampling, observation injection,
// filter-driven propagation and update, and per-epoch persistence.
package estimator

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"cropcore/pkg/montecarlo"
)

// Filter type tags accepted in Config.Filter.
const (
	FilterPropagation = "propagation"
	FilterBootstrap   = "bootstrap"
)

// NoiseOverride pins the process-noise standard deviation of one state.
// States without an override get |value| * DefaultNoiseFraction.
type NoiseOverride struct {
	ModelID string  `toml:"model"`
	State   string  `toml:"state"`
	Std     float64 `toml:"std"`
}

// ObservationBinding pairs an injected observation with its predicted
// counterpart for importance weighting. Std is the measurement-noise
// standard deviation of the Gaussian likelihood.
type ObservationBinding struct {
	Name             string  `toml:"name"`
	ModelID          string  `toml:"model"`
	PredictedName    string  `toml:"predicted_name"`
	PredictedModelID string  `toml:"predicted_model"`
	Std              float64 `toml:"std"`
}

// Config carries the engine settings. Zero values fall back to defaults in
// Validate, so a minimal configuration only names the particle count.
type Config struct {
	NParticles           int                  `toml:"n_particles"`
	Seed                 uint64               `toml:"seed"`
	Workers              int                  `toml:"workers"`
	Filter               string               `toml:"filter"`
	Resampler            string               `toml:"resampler"`
	ESSFraction          float64              `toml:"ess_fraction"`
	DefaultNoiseFraction float64              `toml:"default_noise_fraction"`
	Noise                []NoiseOverride      `toml:"noise"`
	Observations         []ObservationBinding `toml:"observation"`
}

// LoadConfig reads a TOML configuration file and validates it.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("estimator: decode config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate applies defaults and rejects inconsistent settings.
func (c *Config) Validate() error {
	if c.NParticles <= 0 {
		return fmt.Errorf("estimator: n_particles must be positive, got %d", c.NParticles)
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.Filter == "" {
		c.Filter = FilterPropagation
	}
	if c.Filter != FilterPropagation && c.Filter != FilterBootstrap {
		return fmt.Errorf("estimator: unknown filter %q", c.Filter)
	}
	if c.ESSFraction <= 0 {
		c.ESSFraction = 0.5
	}
	if c.ESSFraction > 1 {
		return fmt.Errorf("estimator: ess_fraction must be in (0, 1], got %g", c.ESSFraction)
	}
	if c.DefaultNoiseFraction <= 0 {
		c.DefaultNoiseFraction = 0.001
	}
	if _, err := montecarlo.MethodByName(c.Resampler); err != nil {
		return err
	}
	if c.Filter == FilterBootstrap && len(c.Observations) == 0 {
		return fmt.Errorf("estimator: bootstrap filter requires at least one observation binding")
	}
	for i, b := range c.Observations {
		if b.Std <= 0 {
			return fmt.Errorf("estimator: observation binding %d requires std > 0", i)
		}
		if b.Name == "" || b.ModelID == "" || b.PredictedName == "" || b.PredictedModelID == "" {
			return fmt.Errorf("estimator: observation binding %d is incomplete", i)
		}
	}
	return nil
}
