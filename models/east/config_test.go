package east

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nvr-ai/go-east/models/model"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

// TestDefaultConfig validates the reference configuration.
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, []float32{123.68, 116.78, 103.94}, cfg.Means)
	assert.Equal(t, float32(512), cfg.TextScale)

	cfg.Means[0] = 0
	assert.Equal(t, float32(123.68), DefaultMeans[0], "defaults must not alias the package means")
}

// TestConfigValidate covers every rejected field.
func TestConfigValidate(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"no means":         func(c *Config) { c.Means = nil },
		"zero text scale":  func(c *Config) { c.TextScale = 0 },
		"backbone channel": func(c *Config) { c.BackboneChannels[2] = 0 },
		"merge channel":    func(c *Config) { c.MergeChannels[1] = -1 },
		"bn epsilon":       func(c *Config) { c.BNEpsilon = 0 },
		"cache size":       func(c *Config) { c.ProgramCacheSize = 0 },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(&cfg)
			assert.True(t, errors.Is(cfg.Validate(), model.ErrConfig))
		})
	}
}

// TestLoadConfig overlays a YAML file on the defaults.
func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "east.yaml")
	require.NoError(t, os.WriteFile(path, []byte("text_scale: 256\nmerge_channels: [16, 8, 4]\n"), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, float32(256), cfg.TextScale)
	assert.Equal(t, [3]int{16, 8, 4}, cfg.MergeChannels)
	assert.Equal(t, DefaultMeans, cfg.Means, "unset fields keep their defaults")
	assert.Equal(t, [4]int{2048, 1024, 512, 256}, cfg.BackboneChannels)
}

// TestLoadConfigErrors covers unreadable, malformed and invalid files.
func TestLoadConfigErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadConfig(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	malformed := filepath.Join(dir, "malformed.yaml")
	require.NoError(t, os.WriteFile(malformed, []byte("means: [1, 2\n"), 0o600))
	_, err = LoadConfig(malformed)
	assert.True(t, errors.Is(err, model.ErrConfig))

	invalid := filepath.Join(dir, "invalid.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte("text_scale: -1\n"), 0o600))
	_, err = LoadConfig(invalid)
	assert.True(t, errors.Is(err, model.ErrConfig))
}

// TestSubtractMean checks the mean-centred image of a constant input is zero.
func TestSubtractMean(t *testing.T) {
	const h, w = 4, 5
	data := make([]float32, 2*3*h*w)
	for i := range data {
		data[i] = DefaultMeans[(i/(h*w))%3]
	}
	x := tensor.New(tensor.WithShape(2, 3, h, w), tensor.WithBacking(data))

	y, err := SubtractMean(x, DefaultMeans)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{2, 3, h, w}, y.Shape())
	for i, v := range y.Data().([]float32) {
		require.Equal(t, float32(0), v, "element %d", i)
	}
	assert.Equal(t, DefaultMeans[1], data[h*w], "input must be left untouched")
}

// TestSubtractMeanPerChannel checks each channel uses its own mean.
func TestSubtractMeanPerChannel(t *testing.T) {
	x := tensor.New(tensor.WithShape(1, 2, 1, 2), tensor.WithBacking([]float32{1, 2, 3, 4}))
	y, err := SubtractMean(x, []float32{1, 10})
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1, -7, -6}, y.Data().([]float32))
}

// TestSubtractMeanErrors covers malformed inputs.
func TestSubtractMeanErrors(t *testing.T) {
	_, err := SubtractMean(nil, DefaultMeans)
	assert.True(t, errors.Is(err, model.ErrConfig))

	flat := tensor.New(tensor.WithShape(3, 4), tensor.WithBacking(make([]float32, 12)))
	_, err = SubtractMean(flat, DefaultMeans)
	assert.True(t, errors.Is(err, model.ErrConfig))

	gray := tensor.New(tensor.WithShape(1, 1, 2, 2), tensor.WithBacking(make([]float32, 4)))
	_, err = SubtractMean(gray, DefaultMeans)
	assert.True(t, errors.Is(err, model.ErrConfig))

	ints := tensor.New(tensor.WithShape(1, 3, 1, 1), tensor.WithBacking([]int{1, 2, 3}))
	_, err = SubtractMean(ints, DefaultMeans)
	assert.True(t, errors.Is(err, model.ErrConfig))
}
