package east

import (
	"fmt"

	"github.com/nvr-ai/go-east/models/model"
	"github.com/nvr-ai/go-east/models/nn"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
)

// mergeStage fuses the upsampled output of the previous stage with the
// backbone feature of the same resolution:
//
//	concat(up, f) -> 1x1 conv -> BN -> ReLU -> 3x3 conv -> BN -> ReLU
//
// Stage 0 is the identity on the deepest feature and has no mergeStage.
type mergeStage struct {
	index  int
	in     int
	reduce *nn.ConvBN
	smooth *nn.ConvBN
}

func newMergeStage(s *nn.Store, index, in, out int, eps float32) *mergeStage {
	name := fmt.Sprintf("mergeLayers%d", index)
	return &mergeStage{
		index:  index,
		in:     in,
		reduce: nn.NewConvBN(s, name+".conv2dOne", name+".bnOne", in, out, 1, 1, 0, true, true, eps),
		smooth: nn.NewConvBN(s, name+".conv2dTwo", name+".bnTwo", out, out, 3, 1, 1, true, true, eps),
	}
}

func (m *mergeStage) layers() []*nn.ConvBN {
	return []*nn.ConvBN{m.reduce, m.smooth}
}

// apply adds the stage to g.
//
// Arguments:
//   - up: Upsampled output of the previous stage, (B, Cu, H, W).
//   - f: Backbone feature, (B, Cf, H, W).
//
// Returns:
//   - The fused node, (B, out, H, W).
//   - ErrShapeMismatch if the batch or spatial sizes differ or Cu+Cf is not
//     the configured input width.
func (m *mergeStage) apply(g *G.ExprGraph, up, f *G.Node) (*G.Node, error) {
	us, fs := up.Shape(), f.Shape()
	if len(us) != 4 || len(fs) != 4 {
		return nil, errors.Wrapf(model.ErrShapeMismatch, "merge stage %d: inputs must be 4-D, got %v and %v", m.index, us, fs)
	}
	if us[0] != fs[0] || us[2] != fs[2] || us[3] != fs[3] {
		return nil, errors.Wrapf(model.ErrShapeMismatch, "merge stage %d: upsampled map %v does not match feature %v", m.index, us, fs)
	}
	if us[1]+fs[1] != m.in {
		return nil, errors.Wrapf(model.ErrShapeMismatch, "merge stage %d: concatenation has %d channels, want %d", m.index, us[1]+fs[1], m.in)
	}

	y, err := G.Concat(1, up, f)
	if err != nil {
		return nil, errors.Wrapf(err, "merge stage %d: concat", m.index)
	}
	if y, err = m.reduce.Apply(g, y); err != nil {
		return nil, err
	}
	return m.smooth.Apply(g, y)
}
