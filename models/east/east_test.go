package east

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/nvr-ai/go-east/models/backbone"
	"github.com/nvr-ai/go-east/models/backbone/resnet"
	"github.com/nvr-ai/go-east/models/model"
	"github.com/nvr-ai/go-east/models/nn"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// tinyConfig is a decoder over a width-2 ResNet with one block per stage,
// whose pyramid has 64, 32, 16 and 8 channels.
func tinyConfig() Config {
	cfg := DefaultConfig()
	cfg.BackboneChannels = [4]int{64, 32, 16, 8}
	cfg.MergeChannels = [3]int{8, 8, 4}
	return cfg
}

func tinyAdapter(t *testing.T) *backbone.Adapter {
	t.Helper()
	net, err := resnet.New(nn.NewStore(), "backbone", resnet.Config{
		Blocks:     [4]int{1, 1, 1, 1},
		Width:      2,
		InChannels: 3,
		BNEpsilon:  nn.DefaultBNEpsilon,
	})
	require.NoError(t, err)
	a, err := backbone.NewAdapter(net)
	require.NoError(t, err)
	return a
}

func tinyModel(t *testing.T, cfg Config) *Model {
	t.Helper()
	m, err := New(tinyAdapter(t), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

// image returns a (b, 3, h, w) tensor of pseudo-random pixel values.
func image(b, h, w int) *tensor.Dense {
	data := make([]float32, b*3*h*w)
	for i := range data {
		data[i] = float32((i*7919 + 13) % 256)
	}
	return tensor.New(tensor.WithShape(b, 3, h, w), tensor.WithBacking(data))
}

func values(t *testing.T, d *tensor.Dense) []float32 {
	t.Helper()
	v, ok := d.Data().([]float32)
	require.True(t, ok)
	return v
}

// TestForwardOutputShapes validates the output stride of 4 for several
// batch sizes and aspect ratios.
func TestForwardOutputShapes(t *testing.T) {
	m := tinyModel(t, tinyConfig())
	assert.Equal(t, 32, m.Stride())
	assert.Equal(t, 4, m.OutputStride())

	for _, tc := range []struct{ b, h, w int }{
		{1, 64, 64},
		{2, 32, 96},
	} {
		out, err := m.Forward(image(tc.b, tc.h, tc.w))
		require.NoError(t, err)
		assert.Equal(t, tensor.Shape{tc.b, 1, tc.h / 4, tc.w / 4}, out.Score.Shape())
		assert.Equal(t, tensor.Shape{tc.b, GeometryChannels, tc.h / 4, tc.w / 4}, out.Geometry.Shape())
	}
}

// TestForwardValueRanges checks the score, distance and angle ranges.
func TestForwardValueRanges(t *testing.T) {
	cfg := tinyConfig()
	m := tinyModel(t, cfg)

	out, err := m.Forward(image(1, 64, 64))
	require.NoError(t, err)
	assertRanges(t, out, cfg.TextScale)
}

func assertRanges(t *testing.T, out *Output, textScale float32) {
	t.Helper()
	for _, v := range values(t, out.Score) {
		require.GreaterOrEqual(t, v, float32(0))
		require.LessOrEqual(t, v, float32(1))
	}

	geo := values(t, out.Geometry)
	s := out.Geometry.Shape()
	plane := s[2] * s[3]
	quarterPi := float32(math.Pi / 4)
	for b := 0; b < s[0]; b++ {
		base := b * GeometryChannels * plane
		for i, v := range geo[base : base+4*plane] {
			require.GreaterOrEqual(t, v, float32(0), "distance %d", i)
			require.LessOrEqual(t, v, textScale, "distance %d", i)
		}
		for i, v := range geo[base+4*plane : base+5*plane] {
			require.Greater(t, v, -quarterPi, "angle %d", i)
			require.Less(t, v, quarterPi, "angle %d", i)
		}
	}
}

// TestForwardAngleSaturation drives the angle sigmoid to exactly 0 and 1 and
// checks the angle still stays inside the open interval.
func TestForwardAngleSaturation(t *testing.T) {
	cfg := tinyConfig()
	m := tinyModel(t, cfg)

	for _, bias := range []float32{1e4, -1e4} {
		b, ok := m.Store().Get("angleMap.bias")
		require.True(t, ok)
		b.Data().([]float32)[0] = bias
		require.NoError(t, m.Reload())

		out, err := m.Forward(image(1, 32, 32))
		require.NoError(t, err)
		assertRanges(t, out, cfg.TextScale)

		angle := values(t, out.Geometry)[4*64:]
		assert.InDelta(t, math.Copysign(math.Pi/4, float64(bias)), float64(angle[0]), 1e-6)
	}
}

// TestForwardDeterministic verifies repeated calls give identical outputs.
func TestForwardDeterministic(t *testing.T) {
	m := tinyModel(t, tinyConfig())
	x := image(1, 64, 32)

	first, err := m.Forward(x)
	require.NoError(t, err)
	second, err := m.Forward(x)
	require.NoError(t, err)

	assert.Equal(t, values(t, first.Score), values(t, second.Score))
	assert.Equal(t, values(t, first.Geometry), values(t, second.Geometry))
}

// TestForwardDoesNotMutateInput ensures mean subtraction works on a copy.
func TestForwardDoesNotMutateInput(t *testing.T) {
	m := tinyModel(t, tinyConfig())
	x := image(1, 32, 32)
	before := append([]float32(nil), values(t, x)...)

	_, err := m.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, before, values(t, x))
}

// TestForwardOutputsAreDetached ensures returned tensors do not alias the
// compiled program's buffers.
func TestForwardOutputsAreDetached(t *testing.T) {
	m := tinyModel(t, tinyConfig())

	first, err := m.Forward(image(1, 32, 32))
	require.NoError(t, err)
	snapshot := append([]float32(nil), values(t, first.Score)...)

	zeros := tensor.New(tensor.WithShape(1, 3, 32, 32), tensor.WithBacking(make([]float32, 3*32*32)))
	_, err = m.Forward(zeros)
	require.NoError(t, err)
	assert.Equal(t, snapshot, values(t, first.Score))
}

// TestForwardConcurrent runs forwards on two shapes from several goroutines
// and compares them with sequential results.
func TestForwardConcurrent(t *testing.T) {
	m := tinyModel(t, tinyConfig())
	inputs := []*tensor.Dense{image(1, 32, 32), image(1, 64, 32)}

	want := make([][]float32, len(inputs))
	for i, x := range inputs {
		out, err := m.Forward(x)
		require.NoError(t, err)
		want[i] = values(t, out.Geometry)
	}

	got := make([][]float32, 8)
	var eg errgroup.Group
	for i := range got {
		i := i
		eg.Go(func() error {
			out, err := m.Forward(inputs[i%len(inputs)])
			if err != nil {
				return err
			}
			got[i] = out.Geometry.Data().([]float32)
			return nil
		})
	}
	require.NoError(t, eg.Wait())

	for i := range got {
		assert.Equal(t, want[i%len(inputs)], got[i], "call %d", i)
	}
}

// TestProgramCacheEviction checks compiled programs are bounded and rebuilt
// after eviction.
func TestProgramCacheEviction(t *testing.T) {
	cfg := tinyConfig()
	cfg.ProgramCacheSize = 1
	m := tinyModel(t, cfg)

	a, b := image(1, 32, 32), image(1, 64, 64)
	first, err := m.Forward(a)
	require.NoError(t, err)
	_, err = m.Forward(b)
	require.NoError(t, err)
	assert.Equal(t, 1, m.programs.Len())

	again, err := m.Forward(a)
	require.NoError(t, err)
	assert.Equal(t, values(t, first.Score), values(t, again.Score))
}

// TestProgramCacheKeys compiles one program per distinct input shape.
func TestProgramCacheKeys(t *testing.T) {
	assert.Equal(t, programKey(tensor.Shape{1, 3, 32, 64}), programKey(tensor.Shape{1, 3, 32, 64}))
	assert.NotEqual(t, programKey(tensor.Shape{1, 3, 32, 64}), programKey(tensor.Shape{1, 3, 64, 32}))
	assert.NotEqual(t, programKey(tensor.Shape{1, 3, 32, 32}), programKey(tensor.Shape{2, 3, 32, 32}))

	m := tinyModel(t, tinyConfig())
	shapes := []tensor.Shape{{1, 3, 32, 64}, {1, 3, 64, 32}, {1, 3, 32, 64}}
	for _, s := range shapes {
		_, err := m.Forward(image(s[0], s[2], s[3]))
		require.NoError(t, err)
	}
	assert.Equal(t, 2, m.programs.Len())
	assert.True(t, m.programs.Contains(programKey(shapes[0])))
	assert.True(t, m.programs.Contains(programKey(shapes[1])))
}

// TestReloadAppliesNewWeights verifies compiled programs pick up reloaded
// parameters.
func TestReloadAppliesNewWeights(t *testing.T) {
	m := tinyModel(t, tinyConfig())
	x := image(1, 32, 32)

	_, err := m.Forward(x)
	require.NoError(t, err)

	w, ok := m.Store().Get("scoreMap.weight")
	require.True(t, ok)
	for i := range w.Data().([]float32) {
		w.Data().([]float32)[i] = 0
	}
	require.NoError(t, m.Store().Set("scoreMap.bias", tensor.New(tensor.WithShape(1), tensor.WithBacking([]float32{0}))))
	require.NoError(t, m.Reload())

	out, err := m.Forward(x)
	require.NoError(t, err)
	for _, v := range values(t, out.Score) {
		require.Equal(t, float32(0.5), v, "a zero projection gives sigmoid(0)")
	}
}

// TestLoadWeights loads a decoder parameter from an npy directory.
func TestLoadWeights(t *testing.T) {
	m := tinyModel(t, tinyConfig())

	dir := t.TempDir()
	f, err := os.Create(filepath.Join(dir, "geoMap.bias.npy"))
	require.NoError(t, err)
	require.NoError(t, tensor.New(tensor.WithShape(4), tensor.WithBacking([]float32{1, 2, 3, 4})).WriteNpy(f))
	require.NoError(t, f.Close())

	n, err := m.LoadWeights(dir)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	b, _ := m.Store().Get("geoMap.bias")
	assert.Equal(t, []float32{1, 2, 3, 4}, b.Data().([]float32))
}

// TestForwardRejectsBadInputs covers the input validation paths.
func TestForwardRejectsBadInputs(t *testing.T) {
	m := tinyModel(t, tinyConfig())

	_, err := m.Forward(tensor.New(tensor.WithShape(1, 4, 32, 32), tensor.WithBacking(make([]float32, 4*32*32))))
	assert.True(t, errors.Is(err, model.ErrConfig), "four channels against three means, got %v", err)

	_, err = m.Forward(tensor.New(tensor.WithShape(3, 32, 32), tensor.WithBacking(make([]float32, 3*32*32))))
	assert.True(t, errors.Is(err, model.ErrConfig), "3-D input, got %v", err)

	_, err = m.Forward(image(1, 48, 32))
	assert.True(t, errors.Is(err, model.ErrShapeMismatch), "48 is not a multiple of 32, got %v", err)
}

// TestNewChannelMismatch ensures the configured backbone channels must match
// the source.
func TestNewChannelMismatch(t *testing.T) {
	_, err := New(tinyAdapter(t), DefaultConfig())
	assert.True(t, errors.Is(err, model.ErrConfig), "expected config error, got %v", err)
}

// missingTapNetwork declares every tap but conv3.
type missingTapNetwork struct{}

func (missingTapNetwork) Levels() []backbone.Level {
	return []backbone.Level{
		{Name: backbone.TapConv2, Channels: 8, Stride: 4},
		{Name: backbone.TapConv4, Channels: 32, Stride: 16},
		{Name: backbone.TapOutput, Channels: 64, Stride: 32},
	}
}

func (missingTapNetwork) Features(*G.ExprGraph, *G.Node) (backbone.Taps, error) {
	panic("features must not be built for an incomplete backbone")
}

// TestMissingTapFailsAtConstruction verifies the detector cannot be built
// over a backbone without all instrumentation points.
func TestMissingTapFailsAtConstruction(t *testing.T) {
	_, err := backbone.NewAdapter(missingTapNetwork{})
	assert.True(t, errors.Is(err, model.ErrMissingTap), "expected missing tap error, got %v", err)
}

// TestStageInputs checks the concatenation widths for the reference and a
// reduced backbone.
func TestStageInputs(t *testing.T) {
	assert.Equal(t, [3]int{3072, 640, 320}, DefaultConfig().StageInputs())
	assert.Equal(t, [3]int{96, 24, 16}, tinyConfig().StageInputs())
}

// TestMergeStageConcatenation runs a merge stage and checks the validation of
// its inputs.
func TestMergeStageConcatenation(t *testing.T) {
	s := nn.NewStore()
	stage := newMergeStage(s, 1, 6, 4, nn.DefaultBNEpsilon)
	for _, l := range stage.layers() {
		require.NoError(t, l.Fold())
	}

	g := G.NewGraph()
	up := G.NewTensor(g, tensor.Float32, 4, G.WithShape(1, 4, 8, 8), G.WithName("up"), G.WithInit(G.Ones()))
	f := G.NewTensor(g, tensor.Float32, 4, G.WithShape(1, 2, 8, 8), G.WithName("f"), G.WithInit(G.Ones()))
	h, err := stage.apply(g, up, f)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{1, 4, 8, 8}, h.Shape())

	small := G.NewTensor(g, tensor.Float32, 4, G.WithShape(1, 2, 4, 4), G.WithName("small"), G.WithInit(G.Ones()))
	_, err = stage.apply(g, up, small)
	assert.True(t, errors.Is(err, model.ErrShapeMismatch), "spatial mismatch, got %v", err)

	wide := G.NewTensor(g, tensor.Float32, 4, G.WithShape(1, 3, 8, 8), G.WithName("wide"), G.WithInit(G.Ones()))
	_, err = stage.apply(g, up, wide)
	assert.True(t, errors.Is(err, model.ErrShapeMismatch), "channel mismatch, got %v", err)
}

// TestParameterNames checks the decoder parameter layout.
func TestParameterNames(t *testing.T) {
	m := tinyModel(t, tinyConfig())

	for _, name := range []string{
		"mergeLayers1.conv2dOne.weight",
		"mergeLayers1.bnOne.running_mean",
		"mergeLayers2.conv2dTwo.bias",
		"mergeLayers3.bnTwo.running_var",
		"mergeLayers4.weight",
		"bn5.weight",
		"scoreMap.weight",
		"geoMap.bias",
		"angleMap.weight",
	} {
		_, ok := m.Store().Get(name)
		assert.True(t, ok, "parameter %s should be registered", name)
	}

	w, _ := m.Store().Get("mergeLayers1.conv2dOne.weight")
	assert.Equal(t, tensor.Shape{8, 96, 1, 1}, w.Shape())
}
