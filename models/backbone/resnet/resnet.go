// Package resnet - Bottleneck residual network exposing feature pyramid taps.
package resnet

import (
	"fmt"

	"github.com/nvr-ai/go-east/models/backbone"
	"github.com/nvr-ai/go-east/models/model"
	"github.com/nvr-ai/go-east/models/nn"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Expansion is the channel multiplier of the last convolution of a
// bottleneck block.
const Expansion = 4

// Config describes the depth and width of the network.
type Config struct {
	// Blocks is the number of bottleneck blocks per stage.
	Blocks [4]int `json:"blocks" yaml:"blocks"`
	// Width is the inner width of the first stage; it doubles per stage.
	Width int `json:"width" yaml:"width"`
	// InChannels of the input image.
	InChannels int `json:"in_channels" yaml:"in_channels"`
	// BNEpsilon is the batch normalisation epsilon.
	BNEpsilon float32 `json:"bn_epsilon" yaml:"bn_epsilon"`
}

// ResNet50 returns the ResNet-50 configuration.
func ResNet50() Config {
	return Config{
		Blocks:     [4]int{3, 4, 6, 3},
		Width:      64,
		InChannels: 3,
		BNEpsilon:  nn.DefaultBNEpsilon,
	}
}

// StageChannels returns the output channels of each stage, shallowest first.
func (c Config) StageChannels() [4]int {
	var out [4]int
	for i := range out {
		out[i] = (c.Width << i) * Expansion
	}
	return out
}

func (c Config) validate() error {
	if c.Width <= 0 || c.InChannels <= 0 {
		return errors.Wrapf(model.ErrConfig, "resnet: invalid width %d / input channels %d", c.Width, c.InChannels)
	}
	for i, n := range c.Blocks {
		if n <= 0 {
			return errors.Wrapf(model.ErrConfig, "resnet: stage %d has %d blocks", i+1, n)
		}
	}
	return nil
}

type bottleneck struct {
	name     string
	conv1    *nn.ConvBN
	conv2    *nn.ConvBN
	conv3    *nn.ConvBN
	shortcut *nn.ConvBN
}

func (b *bottleneck) apply(g *G.ExprGraph, x *G.Node) (*G.Node, error) {
	y, err := b.conv1.Apply(g, x)
	if err != nil {
		return nil, err
	}
	if y, err = b.conv2.Apply(g, y); err != nil {
		return nil, err
	}
	if y, err = b.conv3.Apply(g, y); err != nil {
		return nil, err
	}

	identity := x
	if b.shortcut != nil {
		if identity, err = b.shortcut.Apply(g, x); err != nil {
			return nil, err
		}
	}
	if y, err = G.Add(y, identity); err != nil {
		return nil, errors.Wrapf(err, "%s: residual", b.name)
	}
	if y, err = G.Rectify(y); err != nil {
		return nil, errors.Wrapf(err, "%s: relu", b.name)
	}
	return y, nil
}

// ResNet is a bottleneck residual network.
//
// Taps are the outputs of the last block of each stage: conv2, conv3 and
// conv4 for stages one to three and output for stage four. For ResNet-50 these
// are layer1[2], layer2[3] and layer3[5].
type ResNet struct {
	cfg    Config
	stem   *nn.ConvBN
	stages [4][]*bottleneck
	layers []*nn.ConvBN
	eval   bool
}

// New registers a ResNet under prefix in the store.
//
// Parameter names match the torchvision state dict with the given prefix, e.g.
// "backbone.layer1.0.conv1.weight".
//
// Arguments:
//   - s: Parameter store.
//   - prefix: Name prefix, may be empty.
//   - cfg: Network configuration.
//
// Returns:
//   - The network, in training mode until Eval is called.
//   - ErrConfig for an invalid configuration.
func New(s *nn.Store, prefix string, cfg Config) (*ResNet, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if prefix != "" {
		prefix += "."
	}

	r := &ResNet{cfg: cfg}
	r.stem = nn.NewConvBN(s, prefix+"conv1", prefix+"bn1", cfg.InChannels, cfg.Width, 7, 2, 3, false, true, cfg.BNEpsilon)
	r.layers = append(r.layers, r.stem)

	in := cfg.Width
	for stage := 0; stage < 4; stage++ {
		width := cfg.Width << stage
		out := width * Expansion
		for i := 0; i < cfg.Blocks[stage]; i++ {
			stride := 1
			if i == 0 && stage > 0 {
				stride = 2
			}
			name := fmt.Sprintf("%slayer%d.%d", prefix, stage+1, i)
			b := &bottleneck{
				name:  name,
				conv1: nn.NewConvBN(s, name+".conv1", name+".bn1", in, width, 1, 1, 0, false, true, cfg.BNEpsilon),
				conv2: nn.NewConvBN(s, name+".conv2", name+".bn2", width, width, 3, stride, 1, false, true, cfg.BNEpsilon),
				conv3: nn.NewConvBN(s, name+".conv3", name+".bn3", width, out, 1, 1, 0, false, false, cfg.BNEpsilon),
			}
			r.layers = append(r.layers, b.conv1, b.conv2, b.conv3)
			if i == 0 {
				b.shortcut = nn.NewConvBN(s, name+".downsample.0", name+".downsample.1", in, out, 1, stride, 0, false, false, cfg.BNEpsilon)
				r.layers = append(r.layers, b.shortcut)
			}
			r.stages[stage] = append(r.stages[stage], b)
			in = out
		}
	}
	return r, nil
}

// Levels implements backbone.Network.
func (r *ResNet) Levels() []backbone.Level {
	ch := r.cfg.StageChannels()
	return []backbone.Level{
		{Name: backbone.TapConv2, Channels: ch[0], Stride: 4},
		{Name: backbone.TapConv3, Channels: ch[1], Stride: 8},
		{Name: backbone.TapConv4, Channels: ch[2], Stride: 16},
		{Name: backbone.TapOutput, Channels: ch[3], Stride: 32},
	}
}

// Eval switches the network to inference mode by folding every batch
// normalisation into its convolution. Call it again after loading weights.
func (r *ResNet) Eval() error {
	for _, l := range r.layers {
		if err := l.Fold(); err != nil {
			return err
		}
	}
	r.eval = true
	return nil
}

// Features implements backbone.Network.
//
// Returns:
//   - Activations for conv2, conv3, conv4 and output.
//   - ErrNotInference if Eval has not been called.
func (r *ResNet) Features(g *G.ExprGraph, x *G.Node) (backbone.Taps, error) {
	if !r.eval {
		return nil, errors.Wrap(model.ErrNotInference, "resnet: call Eval before building the forward pass")
	}

	y, err := r.stem.Apply(g, x)
	if err != nil {
		return nil, err
	}
	if y, err = G.MaxPool2D(y, tensor.Shape{3, 3}, []int{1, 1}, []int{2, 2}); err != nil {
		return nil, errors.Wrap(err, "resnet: max pool")
	}

	names := [4]string{backbone.TapConv2, backbone.TapConv3, backbone.TapConv4, backbone.TapOutput}
	taps := make(backbone.Taps, len(names))
	for stage, blocks := range r.stages {
		for _, b := range blocks {
			if y, err = b.apply(g, y); err != nil {
				return nil, err
			}
		}
		taps[names[stage]] = y
	}
	return taps, nil
}
