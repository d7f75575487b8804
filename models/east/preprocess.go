package east

import (
	"github.com/nvr-ai/go-east/models/model"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// SubtractMean returns a copy of x with means[c] subtracted from every value
// of channel c. x is left untouched.
//
// Arguments:
//   - x: Float32 tensor of shape (B, C, H, W).
//   - means: One mean per channel.
//
// Returns:
//   - A new tensor of the same shape.
//   - ErrConfig if x is not 4-D float32 or C != len(means).
func SubtractMean(x *tensor.Dense, means []float32) (*tensor.Dense, error) {
	if x == nil {
		return nil, errors.Wrap(model.ErrConfig, "input tensor is nil")
	}
	shape := x.Shape()
	if len(shape) != 4 {
		return nil, errors.Wrapf(model.ErrConfig, "input must be (B, C, H, W), got %v", shape)
	}
	if shape[1] != len(means) {
		return nil, errors.Wrapf(model.ErrConfig, "input has %d channels but %d means are configured", shape[1], len(means))
	}
	src, ok := x.Data().([]float32)
	if !ok || x.Dtype() != tensor.Float32 {
		return nil, errors.Wrapf(model.ErrConfig, "input must be float32, got %v", x.Dtype())
	}

	// Views share the backing array of their parent; copy them out first.
	if x.IsMaterializable() {
		m, ok := x.Materialize().(*tensor.Dense)
		if !ok {
			return nil, errors.Wrap(model.ErrConfig, "input view cannot be materialised")
		}
		src = m.Data().([]float32)
	}

	plane := shape[2] * shape[3]
	out := make([]float32, len(src))
	for i, v := range src {
		out[i] = v - means[(i/plane)%shape[1]]
	}
	return tensor.New(tensor.WithShape(shape.Clone()...), tensor.WithBacking(out)), nil
}
