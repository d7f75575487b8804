// Package east - EAST scene text detector decoder.
//
// The decoder fuses a four-level feature pyramid from a backbone with three
// upsampling merge stages and predicts, at a quarter of the input
// resolution, a text score map and a rotated-box geometry map.
package east

import (
	"fmt"
	"log"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/nvr-ai/go-east/models/backbone"
	"github.com/nvr-ai/go-east/models/model"
	"github.com/nvr-ai/go-east/models/nn"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// FeatureSource produces the four-level feature pyramid the decoder consumes.
// *backbone.Adapter implements it.
type FeatureSource interface {
	// Channels of each level, deepest first.
	Channels() [4]int
	// Stride of the deepest level; input sides must be multiples of it.
	Stride() int
	// OutputStride is the stride of the finest level, which is the stride of
	// the predicted maps.
	OutputStride() int
	// Features builds the backbone into g and returns the pyramid.
	Features(g *G.ExprGraph, x *G.Node) (backbone.Pyramid, error)
}

// Output is the result of a forward pass.
type Output struct {
	// Score has shape (B, 1, H/4, W/4).
	Score *tensor.Dense
	// Geometry has shape (B, 5, H/4, W/4): top, right, bottom and left edge
	// distances followed by the rotation angle.
	Geometry *tensor.Dense
}

// Model is the EAST detector: mean subtraction, backbone, merge stages and
// output head.
//
// Forward is safe for concurrent use. The forward pass is compiled once per
// input shape and kept in an LRU cache.
type Model struct {
	cfg    Config
	source FeatureSource
	store  *nn.Store
	merges [3]*mergeStage
	head   *outputHead

	// mu guards the folded weights against concurrent reloads.
	mu       sync.RWMutex
	programs *lru.Cache[string, *program]
	compile  singleflight.Group
}

// New builds the decoder over a feature source.
//
// Arguments:
//   - source: The feature pyramid provider.
//   - cfg: Decoder configuration.
//
// Returns:
//   - The model in inference mode with freshly initialised decoder weights.
//   - ErrConfig if cfg is invalid or its backbone channels differ from the
//     channels the source declares.
//
// @example
//
//	net, _ := resnet.New(store, "backbone", resnet.ResNet50())
//	adapter, _ := backbone.NewAdapter(net)
//	m, err := east.New(adapter, east.DefaultConfig())
func New(source FeatureSource, cfg Config) (*Model, error) {
	if source == nil {
		return nil, errors.Wrap(model.ErrConfig, "feature source is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if got := source.Channels(); got != cfg.BackboneChannels {
		return nil, errors.Wrapf(model.ErrConfig, "backbone provides channels %v, decoder is configured for %v", got, cfg.BackboneChannels)
	}
	if source.Stride() <= 0 || source.OutputStride() <= 0 || source.Stride()%source.OutputStride() != 0 {
		return nil, errors.Wrapf(model.ErrConfig, "invalid backbone strides %d / %d", source.Stride(), source.OutputStride())
	}

	m := &Model{
		cfg:    cfg,
		source: source,
		store:  nn.NewStore(),
	}
	inputs := cfg.StageInputs()
	for i := range m.merges {
		m.merges[i] = newMergeStage(m.store, i+1, inputs[i], cfg.MergeChannels[i], cfg.BNEpsilon)
	}
	m.head = newOutputHead(m.store, cfg.MergeChannels[2], cfg.TextScale, cfg.BNEpsilon)

	if err := m.fold(); err != nil {
		return nil, err
	}

	programs, err := lru.NewWithEvict[string, *program](cfg.ProgramCacheSize, func(key string, p *program) {
		if err := p.close(); err != nil {
			log.Printf("⚠️  Failed to close EAST program %s: %v", key, err)
			return
		}
		log.Printf("🗑️  EAST program evicted: %s", key)
	})
	if err != nil {
		return nil, errors.Wrapf(model.ErrConfig, "program cache: %v", err)
	}
	m.programs = programs

	log.Printf("✅ EAST model initialized: %d decoder parameters", m.store.Count())
	log.Printf("📋 Backbone channels: %v, merge channels: %v", cfg.BackboneChannels, cfg.MergeChannels)
	return m, nil
}

// Config returns the model configuration.
func (m *Model) Config() Config { return m.cfg }

// Store returns the decoder parameters. Call Reload after changing them.
func (m *Model) Store() *nn.Store { return m.store }

// OutputStride returns the stride of the predicted maps.
func (m *Model) OutputStride() int { return m.source.OutputStride() }

// Stride returns the value input sides must be multiples of.
func (m *Model) Stride() int { return m.source.Stride() }

func (m *Model) layers() []*nn.ConvBN {
	var layers []*nn.ConvBN
	for _, s := range m.merges {
		layers = append(layers, s.layers()...)
	}
	return append(layers, m.head.layers()...)
}

func (m *Model) fold() error {
	for _, l := range m.layers() {
		if err := l.Fold(); err != nil {
			return err
		}
	}
	return nil
}

// Reload refolds the decoder weights from the store and drops every compiled
// program. Backbone weights must be refolded by their owner beforehand.
func (m *Model) Reload() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fold(); err != nil {
		return err
	}
	m.programs.Purge()
	return nil
}

// LoadWeights loads decoder parameters from a directory of .npy files named
// after the parameters ("mergeLayers1.conv2dOne.weight.npy") and reloads.
//
// Returns:
//   - The number of parameters loaded.
func (m *Model) LoadWeights(dir string) (int, error) {
	n, err := m.store.LoadNpyDir(dir)
	if err != nil {
		return n, err
	}
	return n, m.Reload()
}

// Forward runs the detector.
//
// Arguments:
//   - x: Float32 tensor of shape (B, 3, H, W) with raw pixel values; H and W
//     must be multiples of Stride. x is not modified.
//
// Returns:
//   - The score and geometry maps at 1/OutputStride of the input resolution.
//   - ErrConfig if x does not have one channel per configured mean.
//   - ErrShapeMismatch if H or W is not a multiple of Stride.
func (m *Model) Forward(x *tensor.Dense) (*Output, error) {
	in, err := SubtractMean(x, m.cfg.Means)
	if err != nil {
		return nil, err
	}
	shape := in.Shape()
	if shape[0] <= 0 {
		return nil, errors.Wrapf(model.ErrShapeMismatch, "empty batch %v", shape)
	}
	if stride := m.source.Stride(); shape[2] == 0 || shape[3] == 0 || shape[2]%stride != 0 || shape[3]%stride != 0 {
		return nil, errors.Wrapf(model.ErrShapeMismatch, "input %dx%d is not a multiple of %d", shape[2], shape[3], stride)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	// A program can be evicted between lookup and run; compile it again.
	for {
		p, err := m.program(shape)
		if err != nil {
			return nil, err
		}
		out, err := p.run(in)
		if errors.Is(err, errProgramClosed) {
			continue
		}
		return out, err
	}
}

// program returns the compiled forward pass for shape.
func (m *Model) program(shape tensor.Shape) (*program, error) {
	key := programKey(shape)
	if p, ok := m.programs.Get(key); ok {
		return p, nil
	}

	v, err, _ := m.compile.Do(key, func() (interface{}, error) {
		if p, ok := m.programs.Get(key); ok {
			return p, nil
		}
		p, err := m.build(shape)
		if err != nil {
			return nil, err
		}
		m.programs.Add(key, p)
		log.Printf("🔧 EAST program compiled for input %s", key)
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*program), nil
}

// programKey identifies the program compiled for an input shape.
func programKey(shape tensor.Shape) string {
	return fmt.Sprint(shape)
}

// build constructs the forward graph for one input shape:
//
//	h0 = f0
//	hi = merge_i(upsample(h(i-1)), fi)   for i = 1..3
//	score, geometry = head(h3)
func (m *Model) build(shape tensor.Shape) (*program, error) {
	g := G.NewGraph()
	x := G.NewTensor(g, tensor.Float32, 4, G.WithShape(shape.Clone()...), G.WithName("input"))

	f, err := m.source.Features(g, x)
	if err != nil {
		return nil, err
	}

	h := f[0]
	for i, stage := range m.merges {
		up, err := nn.Upsample2x(g, h, fmt.Sprintf("unpool%d", i+1))
		if err != nil {
			return nil, err
		}
		if h, err = stage.apply(g, up, f[i+1]); err != nil {
			return nil, err
		}
	}

	score, geometry, err := m.head.apply(g, h)
	if err != nil {
		return nil, err
	}

	return &program{
		shape:    shape.Clone(),
		graph:    g,
		input:    x,
		score:    score,
		geometry: geometry,
		vm:       G.NewTapeMachine(g),
	}, nil
}

// Close releases every compiled program.
func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.programs.Purge()
	log.Printf("🔒 EAST model closed")
	return nil
}
