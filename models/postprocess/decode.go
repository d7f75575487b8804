package postprocess

import (
	"github.com/chewxy/math32"
	"github.com/nvr-ai/go-east/images"
	"github.com/nvr-ai/go-east/models/model"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// DecodeConfig defines how score and geometry maps are turned into
// candidate quadrilaterals.
type DecodeConfig struct {
	// ScoreThreshold is the minimum score of a candidate pixel.
	ScoreThreshold float32 `json:"score_threshold" yaml:"score_threshold"`
	// Stride is the input pixel distance between two map cells.
	Stride int `json:"stride" yaml:"stride"`
}

// GetEASTDecodeConfig returns the decoding configuration of the EAST
// detector.
func GetEASTDecodeConfig() *DecodeConfig {
	return &DecodeConfig{
		ScoreThreshold: 0.8,
		Stride:         4,
	}
}

// Decode restores a rotated rectangle for every map cell whose score
// reaches the threshold.
//
// A cell at (row, col) is located at p = (col·Stride, row·Stride) in the
// input. Its geometry holds the distances d = (top, right, bottom, left) from
// p to the box edges and the rotation θ. The corners are
//
//	corner = p + R(θ)·local,  R(θ) = [[cos θ, sin θ], [-sin θ, cos θ]]
//
// with local corners (-left, -top), (right, -top), (right, bottom) and
// (-left, bottom).
//
// Arguments:
//   - score: Score map of shape (B, 1, H, W).
//   - geometry: Geometry map of shape (B, 5, H, W).
//   - config: Decoding configuration; nil means GetEASTDecodeConfig().
//
// Returns:
//   - Candidates in row-major order per batch item.
//   - ErrShapeMismatch if the maps do not fit together.
func Decode(score, geometry *tensor.Dense, config *DecodeConfig) ([]Result, error) {
	if score == nil || geometry == nil {
		return nil, errors.Wrap(model.ErrShapeMismatch, "score and geometry maps are required")
	}
	ss, gs := score.Shape(), geometry.Shape()
	if len(ss) != 4 || len(gs) != 4 || ss[1] != 1 || gs[1] != 5 ||
		ss[0] != gs[0] || ss[2] != gs[2] || ss[3] != gs[3] {
		return nil, errors.Wrapf(model.ErrShapeMismatch, "score %v and geometry %v do not match", ss, gs)
	}
	scores, ok := score.Data().([]float32)
	if !ok {
		return nil, errors.Wrapf(model.ErrShapeMismatch, "score map must be float32, got %v", score.Dtype())
	}
	geo, ok := geometry.Data().([]float32)
	if !ok {
		return nil, errors.Wrapf(model.ErrShapeMismatch, "geometry map must be float32, got %v", geometry.Dtype())
	}

	if config == nil {
		config = GetEASTDecodeConfig()
	}

	batch, height, width := ss[0], ss[2], ss[3]
	plane := height * width
	stride := float32(config.Stride)

	var results []Result
	for b := 0; b < batch; b++ {
		s := scores[b*plane : (b+1)*plane]
		g := geo[b*5*plane : (b+1)*5*plane]
		for row := 0; row < height; row++ {
			for col := 0; col < width; col++ {
				i := row*width + col
				if s[i] < config.ScoreThreshold {
					continue
				}
				top, right, bottom, left := g[i], g[plane+i], g[2*plane+i], g[3*plane+i]
				theta := g[4*plane+i]

				q := RestoreRBox(images.Point{X: float32(col) * stride, Y: float32(row) * stride},
					top, right, bottom, left, theta)
				results = append(results, Result{Quad: q, Box: q.Bounds(), Score: s[i], Batch: b})
			}
		}
	}
	return results, nil
}

// RestoreRBox returns the rotated rectangle around origin with the given
// edge distances and angle.
func RestoreRBox(origin images.Point, top, right, bottom, left, theta float32) images.Quad {
	sin, cos := math32.Sincos(theta)
	local := [4]images.Point{
		{X: -left, Y: -top},
		{X: right, Y: -top},
		{X: right, Y: bottom},
		{X: -left, Y: bottom},
	}

	var q images.Quad
	for i, l := range local {
		q[i] = images.Point{
			X: origin.X + cos*l.X + sin*l.Y,
			Y: origin.Y - sin*l.X + cos*l.Y,
		}
	}
	return q
}
