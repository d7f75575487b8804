// Package inference - Text detection engine: image in, text regions out.
package inference

import (
	"context"
	"image"

	"github.com/nvr-ai/go-east/images"
	"github.com/nvr-ai/go-east/models"
	"github.com/nvr-ai/go-east/models/east"
	"github.com/nvr-ai/go-east/models/model"
	"github.com/nvr-ai/go-east/models/model/preprocess"
	"github.com/nvr-ai/go-east/models/postprocess"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Detector is a dense text detection network.
type Detector interface {
	// Forward runs the network on a (B, 3, H, W) tensor of raw pixels.
	Forward(x *tensor.Dense) (*east.Output, error)
	// Stride is the value input sides must be multiples of.
	Stride() int
	// OutputStride is the stride of the predicted maps.
	OutputStride() int
	// Close releases the network.
	Close() error
}

// Engine defines the interface for text detection engines.
type Engine interface {
	// Predict detects text in a decoded image.
	Predict(ctx context.Context, img image.Image) ([]postprocess.Result, error)
	// PredictEncoded detects text in an encoded image.
	PredictEncoded(ctx context.Context, img *images.Image) ([]postprocess.Result, error)
	// Close releases the detector.
	Close() error
}

// EngineConfig configures the stages around the network.
type EngineConfig struct {
	// MaxSide bounds the longer side of the network input.
	MaxSide int `json:"max_side" yaml:"max_side"`
	// Decode configures candidate extraction. Its stride is taken from the
	// detector.
	Decode postprocess.DecodeConfig `json:"decode" yaml:"decode"`
	// NMS configures locality merging and suppression.
	NMS postprocess.NMSConfig `json:"nms" yaml:"nms"`
	// Debug enables preprocessing debug output.
	Debug bool `json:"debug" yaml:"debug"`
}

// DefaultEngineConfig returns the EAST pipeline defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxSide: 1280,
		Decode:  *postprocess.GetEASTDecodeConfig(),
		NMS:     *postprocess.GetEASTNMSConfig(),
	}
}

// EngineBuilder helps build engines with a fluent API.
type EngineBuilder struct {
	detector Detector
	config   EngineConfig
	err      error
}

// NewEngineBuilder creates a new engine builder with the default
// configuration.
//
// Returns:
//   - *EngineBuilder: The engine builder.
func NewEngineBuilder() *EngineBuilder {
	return &EngineBuilder{config: DefaultEngineConfig()}
}

// WithModel creates the detector from the model registry.
//
// Arguments:
//   - args: The model arguments.
//
// Returns:
//   - *EngineBuilder: The engine builder.
func (b *EngineBuilder) WithModel(args model.NewModelArgs) *EngineBuilder {
	if b.HasError() {
		return b
	}
	m, err := models.NewModel(args)
	if err != nil {
		b.err = err
		return b
	}
	b.detector = m
	return b
}

// WithDetector uses an already constructed detector.
//
// Arguments:
//   - detector: The detector.
//
// Returns:
//   - *EngineBuilder: The engine builder.
func (b *EngineBuilder) WithDetector(detector Detector) *EngineBuilder {
	if b.HasError() {
		return b
	}
	b.detector = detector
	return b
}

// WithConfig replaces the engine configuration.
//
// Arguments:
//   - cfg: The engine configuration.
//
// Returns:
//   - *EngineBuilder: The engine builder.
func (b *EngineBuilder) WithConfig(cfg EngineConfig) *EngineBuilder {
	if b.HasError() {
		return b
	}
	b.config = cfg
	return b
}

// HasError checks if the engine builder has errors.
//
// Returns:
//   - bool: True if there are errors, false otherwise.
func (b *EngineBuilder) HasError() bool {
	return b.err != nil
}

// MustBuild builds the engine and panics if there is an error.
//
// Returns:
//   - Engine: The engine.
func (b *EngineBuilder) MustBuild() Engine {
	e, err := b.Build()
	if err != nil {
		panic(err)
	}
	return e
}

// Build builds the engine.
//
// Returns:
//   - Engine: The engine.
//   - error: The error if any.
func (b *EngineBuilder) Build() (Engine, error) {
	if b.HasError() {
		return nil, b.err
	}
	if b.detector == nil {
		return nil, errors.New("detector not configured")
	}

	cfg := b.config
	cfg.Decode.Stride = b.detector.OutputStride()

	pre := preprocess.GetEASTConfig(cfg.MaxSide)
	pre.Stride = b.detector.Stride()
	preprocessor, err := preprocess.NewPreprocessor(pre)
	if err != nil {
		return nil, errors.Wrap(err, "preprocessor")
	}
	preprocessor.SetDebugMode(cfg.Debug)

	return &engine{
		detector:     b.detector,
		preprocessor: preprocessor,
		config:       cfg,
	}, nil
}

// engine implements the Engine interface.
type engine struct {
	detector     Detector
	preprocessor *preprocess.Preprocessor
	config       EngineConfig
}

// Predict detects text in img.
//
// The context is checked before the forward pass; a running forward pass is
// not interrupted.
//
// Arguments:
//   - ctx: The context for the prediction.
//   - img: The image to predict.
//
// Returns:
//   - []postprocess.Result: Text regions in img coordinates, best first.
//   - error: The error if any.
func (e *engine) Predict(ctx context.Context, img image.Image) ([]postprocess.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pre, err := e.preprocessor.PreprocessImage(img)
	if err != nil {
		return nil, errors.Wrap(err, "preprocess")
	}
	return e.predict(ctx, pre)
}

// PredictEncoded decodes img and detects text in it.
func (e *engine) PredictEncoded(ctx context.Context, img *images.Image) ([]postprocess.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pre, err := e.preprocessor.Preprocess(img)
	if err != nil {
		return nil, errors.Wrap(err, "preprocess")
	}
	return e.predict(ctx, pre)
}

func (e *engine) predict(ctx context.Context, pre *preprocess.PreprocessingResult) ([]postprocess.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out, err := e.detector.Forward(pre.Tensor())
	if err != nil {
		return nil, errors.Wrap(err, "forward")
	}

	candidates, err := postprocess.Decode(out.Score, out.Geometry, &e.config.Decode)
	if err != nil {
		return nil, errors.Wrap(err, "decode")
	}
	merged := postprocess.MergeLocality(candidates, e.config.NMS.MergeThreshold)
	kept := postprocess.ApplyNMS(merged, &e.config.NMS)
	return postprocess.Rescale(kept, pre.ScaleX, pre.ScaleY), nil
}

// Close releases the detector.
func (e *engine) Close() error {
	return e.detector.Close()
}
