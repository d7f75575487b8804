package east

import (
	"os"

	"github.com/nvr-ai/go-east/models/model"
	"github.com/nvr-ai/go-east/models/nn"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// DefaultMeans are the per-channel RGB means subtracted from the input.
var DefaultMeans = []float32{123.68, 116.78, 103.94}

// Config holds the decoder hyper-parameters.
type Config struct {
	// Means subtracted per input channel.
	Means []float32 `json:"means" yaml:"means"`
	// TextScale is the upper bound of the predicted edge distances, in pixels.
	TextScale float32 `json:"text_scale" yaml:"text_scale"`
	// BackboneChannels expected at each pyramid level, deepest first.
	BackboneChannels [4]int `json:"backbone_channels" yaml:"backbone_channels"`
	// MergeChannels is the output width of merge stages 1 to 3.
	MergeChannels [3]int `json:"merge_channels" yaml:"merge_channels"`
	// BNEpsilon is the batch normalisation epsilon.
	BNEpsilon float32 `json:"bn_epsilon" yaml:"bn_epsilon"`
	// ProgramCacheSize is the number of compiled input shapes kept alive.
	ProgramCacheSize int `json:"program_cache_size" yaml:"program_cache_size"`
}

// DefaultConfig returns the configuration of the reference detector over a
// ResNet-50 backbone.
func DefaultConfig() Config {
	return Config{
		Means:            append([]float32(nil), DefaultMeans...),
		TextScale:        512,
		BackboneChannels: [4]int{2048, 1024, 512, 256},
		MergeChannels:    [3]int{128, 64, 32},
		BNEpsilon:        nn.DefaultBNEpsilon,
		ProgramCacheSize: 4,
	}
}

// StageInputs returns the input channel count of merge stages 1 to 3, which
// is the width of the concatenation of the upsampled previous stage and the
// backbone feature.
func (c Config) StageInputs() [3]int {
	return [3]int{
		c.BackboneChannels[0] + c.BackboneChannels[1],
		c.MergeChannels[0] + c.BackboneChannels[2],
		c.MergeChannels[1] + c.BackboneChannels[3],
	}
}

// Validate checks the configuration.
//
// Returns:
//   - ErrConfig describing the first invalid field.
func (c Config) Validate() error {
	if len(c.Means) == 0 {
		return errors.Wrap(model.ErrConfig, "means must not be empty")
	}
	if c.TextScale <= 0 {
		return errors.Wrapf(model.ErrConfig, "text scale must be positive, got %v", c.TextScale)
	}
	for i, ch := range c.BackboneChannels {
		if ch <= 0 {
			return errors.Wrapf(model.ErrConfig, "backbone channels[%d] must be positive, got %d", i, ch)
		}
	}
	for i, ch := range c.MergeChannels {
		if ch <= 0 {
			return errors.Wrapf(model.ErrConfig, "merge channels[%d] must be positive, got %d", i, ch)
		}
	}
	if c.BNEpsilon <= 0 {
		return errors.Wrapf(model.ErrConfig, "bn epsilon must be positive, got %v", c.BNEpsilon)
	}
	if c.ProgramCacheSize <= 0 {
		return errors.Wrapf(model.ErrConfig, "program cache size must be positive, got %d", c.ProgramCacheSize)
	}
	return nil
}

// LoadConfig reads a YAML configuration file. Fields absent from the file
// keep their DefaultConfig values.
//
// Arguments:
//   - path: Path to the YAML file.
//
// Returns:
//   - The validated configuration.
//
// @example
//
//	cfg, err := east.LoadConfig("configs/east.yaml")
//	if err != nil {
//		return err
//	}
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "read config %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(model.ErrConfig, "parse config %s: %v", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, errors.Wrapf(err, "config %s", path)
	}
	return cfg, nil
}
