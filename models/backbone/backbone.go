// Package backbone - Feature pyramid adapter over instrumented feature extractors.
//
// A backbone network declares named tap points (levels). The adapter checks
// at construction that the taps the text detector consumes exist and returns
// the activations of a forward pass as a call-local Pyramid instead of
// recording them on the network.
package backbone

import (
	"github.com/nvr-ai/go-east/models/model"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
)

// Tap names, shallowest first.
const (
	// TapConv2 is the output of the first residual stage (stride 4).
	TapConv2 = "conv2"
	// TapConv3 is the output of the second residual stage (stride 8).
	TapConv3 = "conv3"
	// TapConv4 is the output of the third residual stage (stride 16).
	TapConv4 = "conv4"
	// TapOutput is the final feature map (stride 32).
	TapOutput = "output"
)

// PyramidTaps lists the taps that make up a Pyramid, deepest first.
var PyramidTaps = [4]string{TapOutput, TapConv4, TapConv3, TapConv2}

// Level describes one tap point of a network.
type Level struct {
	// Name of the tap.
	Name string `json:"name" yaml:"name"`
	// Channels of the activation at the tap.
	Channels int `json:"channels" yaml:"channels"`
	// Stride of the activation relative to the network input.
	Stride int `json:"stride" yaml:"stride"`
}

// Taps maps tap names to activation nodes of one forward pass.
type Taps map[string]*G.Node

// Network is a feature extraction network with declared tap points.
type Network interface {
	// Levels lists the taps the network exposes.
	Levels() []Level
	// Features adds the features-only forward pass of x to g and returns the
	// activation at every declared tap.
	Features(g *G.ExprGraph, x *G.Node) (Taps, error)
}

// Evaluator is implemented by networks with distinct training and inference
// behaviour. Eval switches the network to inference mode.
type Evaluator interface {
	Eval() error
}

// Pyramid holds four feature maps, index 0 deepest/coarsest to index 3
// shallowest/finest. Each is half the resolution of the next.
type Pyramid [4]*G.Node

// Adapter exposes a Network as a four-level feature pyramid.
type Adapter struct {
	net      Network
	levels   [4]Level
	channels [4]int
}

// NewAdapter wraps net, validating its taps and switching it to inference
// mode.
//
// Arguments:
//   - net: The feature extraction network.
//
// Returns:
//   - The adapter.
//   - ErrMissingTap if net does not declare conv2, conv3, conv4 and output.
//   - ErrConfig if the declared strides do not halve from level to level.
func NewAdapter(net Network) (*Adapter, error) {
	if net == nil {
		return nil, errors.Wrap(model.ErrConfig, "backbone network is nil")
	}

	declared := make(map[string]Level)
	for _, l := range net.Levels() {
		declared[l.Name] = l
	}

	a := &Adapter{net: net}
	for i, name := range PyramidTaps {
		l, ok := declared[name]
		if !ok {
			return nil, errors.Wrapf(model.ErrMissingTap, "backbone does not expose %q", name)
		}
		if l.Channels <= 0 || l.Stride <= 0 {
			return nil, errors.Wrapf(model.ErrConfig, "tap %q: invalid level %+v", name, l)
		}
		a.levels[i] = l
		a.channels[i] = l.Channels
	}
	for i := 1; i < len(a.levels); i++ {
		if a.levels[i-1].Stride != 2*a.levels[i].Stride {
			return nil, errors.Wrapf(model.ErrConfig, "tap %q stride %d is not twice tap %q stride %d",
				a.levels[i-1].Name, a.levels[i-1].Stride, a.levels[i].Name, a.levels[i].Stride)
		}
	}

	if ev, ok := net.(Evaluator); ok {
		if err := ev.Eval(); err != nil {
			return nil, errors.Wrap(err, "switch backbone to inference mode")
		}
	}
	return a, nil
}

// Channels returns the channel count of each pyramid level, deepest first.
func (a *Adapter) Channels() [4]int {
	return a.channels
}

// Stride returns the stride of the deepest level; input sides must be
// multiples of it.
func (a *Adapter) Stride() int {
	return a.levels[0].Stride
}

// OutputStride returns the stride of the finest pyramid level.
func (a *Adapter) OutputStride() int {
	return a.levels[3].Stride
}

// Features builds the backbone into g and collects the pyramid.
//
// Arguments:
//   - g: Graph to build into.
//   - x: Preprocessed input of shape (B, C, H, W).
//
// Returns:
//   - The pyramid, deepest first.
//   - ErrMissingTap if the network did not produce one of the taps.
//   - ErrShapeMismatch if a tap's channels or resolution differ from the
//     declaration.
func (a *Adapter) Features(g *G.ExprGraph, x *G.Node) (Pyramid, error) {
	var p Pyramid

	taps, err := a.net.Features(g, x)
	if err != nil {
		return p, errors.Wrap(err, "backbone forward")
	}

	in := x.Shape()
	for i, l := range a.levels {
		n := taps[l.Name]
		if n == nil {
			return Pyramid{}, errors.Wrapf(model.ErrMissingTap, "backbone produced no activation for %q", l.Name)
		}
		s := n.Shape()
		if len(s) != 4 || s[1] != l.Channels {
			return Pyramid{}, errors.Wrapf(model.ErrShapeMismatch, "tap %q: shape %v, want %d channels", l.Name, s, l.Channels)
		}
		if s[2] != in[2]/l.Stride || s[3] != in[3]/l.Stride {
			return Pyramid{}, errors.Wrapf(model.ErrShapeMismatch, "tap %q: spatial %dx%d, want %dx%d",
				l.Name, s[2], s[3], in[2]/l.Stride, in[3]/l.Stride)
		}
		p[i] = n
	}
	return p, nil
}
