package nn

import (
	"github.com/chewxy/math32"
	"github.com/nvr-ai/go-east/models/model"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// DefaultBNEpsilon is the variance epsilon used by batch normalisation.
const DefaultBNEpsilon = 1e-5

// Conv2D holds the parameters of a square 2-D convolution.
type Conv2D struct {
	// Weight has shape (out, in, k, k).
	Weight *tensor.Dense
	// Bias has shape (out), nil when the convolution has no bias.
	Bias   *tensor.Dense
	Stride int
	Pad    int
}

// NewConv2D registers a convolution under prefix in the store.
//
// Arguments:
//   - s: Parameter store.
//   - prefix: Name prefix; parameters are "<prefix>.weight" and "<prefix>.bias".
//   - in, out: Input and output channels.
//   - kernel: Kernel side length.
//   - stride, pad: Spatial stride and zero padding.
//   - bias: Whether the convolution has a bias term.
//
// Returns:
//   - The convolution.
func NewConv2D(s *Store, prefix string, in, out, kernel, stride, pad int, bias bool) *Conv2D {
	c := &Conv2D{
		Weight: s.Kaiming(prefix+".weight", out, in, kernel),
		Stride: stride,
		Pad:    pad,
	}
	if bias {
		c.Bias = s.Fill(prefix+".bias", 0, out)
	}
	return c
}

// In returns the number of input channels.
func (c *Conv2D) In() int { return c.Weight.Shape()[1] }

// Out returns the number of output channels.
func (c *Conv2D) Out() int { return c.Weight.Shape()[0] }

// Kernel returns the kernel side length.
func (c *Conv2D) Kernel() int { return c.Weight.Shape()[2] }

// BatchNorm holds the affine parameters and running statistics of a batch
// normalisation layer.
type BatchNorm struct {
	Gamma *tensor.Dense
	Beta  *tensor.Dense
	Mean  *tensor.Dense
	Var   *tensor.Dense
	Eps   float32
}

// NewBatchNorm registers an identity-initialised batch normalisation layer.
//
// Parameter names follow the PyTorch state dict: weight, bias, running_mean
// and running_var.
func NewBatchNorm(s *Store, prefix string, channels int, eps float32) *BatchNorm {
	return &BatchNorm{
		Gamma: s.Fill(prefix+".weight", 1, channels),
		Beta:  s.Fill(prefix+".bias", 0, channels),
		Mean:  s.Fill(prefix+".running_mean", 0, channels),
		Var:   s.Fill(prefix+".running_var", 1, channels),
		Eps:   eps,
	}
}

// ConvBN is a convolution optionally followed by inference-mode batch
// normalisation and a ReLU.
//
// In inference mode the normalisation is an affine map per output channel, so
// Fold merges it into the convolution weight and bias. Apply uses the folded
// parameters only.
type ConvBN struct {
	Name string
	Conv *Conv2D
	BN   *BatchNorm
	ReLU bool

	weight *tensor.Dense
	bias   *tensor.Dense
}

// NewConvBN registers a convolution followed by batch normalisation.
//
// The two prefixes follow the module names of the exported state dict
// ("layer1.0.conv1" / "layer1.0.bn1"). The convolution carries a bias when
// withBias is set; ResNet convolutions do not, the decoder convolutions do.
func NewConvBN(s *Store, convName, bnName string, in, out, kernel, stride, pad int, withBias, relu bool, eps float32) *ConvBN {
	return &ConvBN{
		Name: convName,
		Conv: NewConv2D(s, convName, in, out, kernel, stride, pad, withBias),
		BN:   NewBatchNorm(s, bnName, out, eps),
		ReLU: relu,
	}
}

// NewProjection registers a plain convolution with bias and no normalisation.
func NewProjection(s *Store, prefix string, in, out, kernel, pad int) *ConvBN {
	return &ConvBN{
		Name: prefix,
		Conv: NewConv2D(s, prefix, in, out, kernel, 1, pad, true),
	}
}

// In returns the number of input channels.
func (l *ConvBN) In() int { return l.Conv.In() }

// Out returns the number of output channels.
func (l *ConvBN) Out() int { return l.Conv.Out() }

// Folded reports whether Fold has been called.
func (l *ConvBN) Folded() bool { return l.weight != nil }

// Fold computes the inference-mode weight and bias:
//
//	scale = gamma / sqrt(var + eps)
//	W'[o] = W[o] * scale[o]
//	b'[o] = (b[o] - mean[o]) * scale[o] + beta[o]
//
// Fold reads the current parameter values, so it must be called again after
// new weights are loaded into the store.
func (l *ConvBN) Fold() error {
	out := l.Out()
	per := l.Conv.Weight.Shape().TotalSize() / out

	src := l.Conv.Weight.Data().([]float32)
	weight := make([]float32, len(src))
	copy(weight, src)

	bias := make([]float32, out)
	if l.Conv.Bias != nil {
		copy(bias, l.Conv.Bias.Data().([]float32))
	}

	if l.BN != nil {
		gamma := l.BN.Gamma.Data().([]float32)
		beta := l.BN.Beta.Data().([]float32)
		mean := l.BN.Mean.Data().([]float32)
		variance := l.BN.Var.Data().([]float32)
		if len(gamma) != out || len(beta) != out || len(mean) != out || len(variance) != out {
			return errors.Wrapf(model.ErrShapeMismatch, "%s: batch norm has %d channels, convolution has %d", l.Name, len(gamma), out)
		}

		for o := 0; o < out; o++ {
			scale := gamma[o] / math32.Sqrt(variance[o]+l.BN.Eps)
			row := weight[o*per : (o+1)*per]
			for i := range row {
				row[i] *= scale
			}
			bias[o] = (bias[o]-mean[o])*scale + beta[o]
		}
	}

	l.weight = tensor.New(tensor.WithShape(l.Conv.Weight.Shape().Clone()...), tensor.WithBacking(weight))
	l.bias = tensor.New(tensor.WithShape(1, out, 1, 1), tensor.WithBacking(bias))
	return nil
}

// Apply adds the layer to g and returns its output node.
//
// Each call binds private copies of the folded parameters, so graphs built
// from the same layer never share mutable state.
//
// Arguments:
//   - g: Graph to build into.
//   - x: Input node of shape (B, In, H, W).
//
// Returns:
//   - The output node of shape (B, Out, H', W').
//   - ErrNotInference if Fold has not been called.
//   - ErrShapeMismatch if x does not have In channels.
func (l *ConvBN) Apply(g *G.ExprGraph, x *G.Node) (*G.Node, error) {
	if !l.Folded() {
		return nil, errors.Wrapf(model.ErrNotInference, "%s: parameters not folded", l.Name)
	}
	shape := x.Shape()
	if len(shape) != 4 || shape[1] != l.In() {
		return nil, errors.Wrapf(model.ErrShapeMismatch, "%s: input shape %v, want (B, %d, H, W)", l.Name, shape, l.In())
	}

	k := l.Conv.Kernel()
	w := G.NewTensor(g, tensor.Float32, 4,
		G.WithShape(l.weight.Shape().Clone()...),
		G.WithName(l.Name+".w"),
		G.WithValue(l.weight.Clone()))
	b := G.NewTensor(g, tensor.Float32, 4,
		G.WithShape(1, l.Out(), 1, 1),
		G.WithName(l.Name+".b"),
		G.WithValue(l.bias.Clone()))

	y, err := G.Conv2d(x, w, tensor.Shape{k, k},
		[]int{l.Conv.Pad, l.Conv.Pad},
		[]int{l.Conv.Stride, l.Conv.Stride},
		[]int{1, 1})
	if err != nil {
		return nil, errors.Wrapf(err, "%s: conv2d", l.Name)
	}
	if y, err = G.BroadcastAdd(y, b, nil, []byte{0, 2, 3}); err != nil {
		return nil, errors.Wrapf(err, "%s: bias", l.Name)
	}
	if l.ReLU {
		if y, err = G.Rectify(y); err != nil {
			return nil, errors.Wrapf(err, "%s: relu", l.Name)
		}
	}
	return y, nil
}
