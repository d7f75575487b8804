package east

import (
	"math"

	"github.com/nvr-ai/go-east/models/nn"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
)

// AngleScale is the largest float32 below π/2. Scaling a sigmoid shifted by
// -0.5 with it keeps the angle inside (-π/4, π/4) even when the float32
// sigmoid rounds to exactly 0 or 1.
var AngleScale = math.Nextafter32(float32(math.Pi/2), 0)

// GeometryChannels is the number of geometry channels: top, right, bottom and
// left distances followed by the angle.
const GeometryChannels = 5

// outputHead turns the last merge output into the score and geometry maps.
type outputHead struct {
	final     *nn.ConvBN
	score     *nn.ConvBN
	distances *nn.ConvBN
	angle     *nn.ConvBN
	textScale float32
}

func newOutputHead(s *nn.Store, channels int, textScale, eps float32) *outputHead {
	return &outputHead{
		final:     nn.NewConvBN(s, "mergeLayers4", "bn5", channels, channels, 3, 1, 1, true, true, eps),
		score:     nn.NewProjection(s, "scoreMap", channels, 1, 1, 0),
		distances: nn.NewProjection(s, "geoMap", channels, 4, 1, 0),
		angle:     nn.NewProjection(s, "angleMap", channels, 1, 1, 0),
		textScale: textScale,
	}
}

func (h *outputHead) layers() []*nn.ConvBN {
	return []*nn.ConvBN{h.final, h.score, h.distances, h.angle}
}

// apply adds the head to g.
//
// Returns:
//   - score: (B, 1, H, W) in [0, 1].
//   - geometry: (B, 5, H, W); distances in [0, textScale], angle in (-π/4, π/4).
func (h *outputHead) apply(g *G.ExprGraph, x *G.Node) (score, geometry *G.Node, err error) {
	final, err := h.final.Apply(g, x)
	if err != nil {
		return nil, nil, err
	}

	if score, err = h.score.Apply(g, final); err != nil {
		return nil, nil, err
	}
	if score, err = G.Sigmoid(score); err != nil {
		return nil, nil, errors.Wrap(err, "score: sigmoid")
	}

	dist, err := h.distances.Apply(g, final)
	if err != nil {
		return nil, nil, err
	}
	if dist, err = G.Sigmoid(dist); err != nil {
		return nil, nil, errors.Wrap(err, "distances: sigmoid")
	}
	if dist, err = G.Mul(dist, G.NewConstant(h.textScale, G.WithName("text_scale"))); err != nil {
		return nil, nil, errors.Wrap(err, "distances: scale")
	}

	angle, err := h.angle.Apply(g, final)
	if err != nil {
		return nil, nil, err
	}
	if angle, err = G.Sigmoid(angle); err != nil {
		return nil, nil, errors.Wrap(err, "angle: sigmoid")
	}
	if angle, err = G.Sub(angle, G.NewConstant(float32(0.5), G.WithName("angle_offset"))); err != nil {
		return nil, nil, errors.Wrap(err, "angle: shift")
	}
	if angle, err = G.Mul(angle, G.NewConstant(AngleScale, G.WithName("angle_scale"))); err != nil {
		return nil, nil, errors.Wrap(err, "angle: scale")
	}

	if geometry, err = G.Concat(1, dist, angle); err != nil {
		return nil, nil, errors.Wrap(err, "geometry: concat")
	}
	return score, geometry, nil
}
