package nn

import (
	"github.com/nvr-ai/go-east/models/model"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// InterpolationMatrix returns the (in, out) matrix M such that a row vector
// r of length in resampled to length out is r·M, using linear interpolation
// with aligned corners: output index o samples input position
// o·(in-1)/(out-1), so the first and last samples of both grids coincide.
func InterpolationMatrix(in, out int) *tensor.Dense {
	m := make([]float32, in*out)
	for o := 0; o < out; o++ {
		var src float64
		if out > 1 {
			src = float64(o) * float64(in-1) / float64(out-1)
		}
		i0 := int(src)
		if i0 > in-1 {
			i0 = in - 1
		}
		i1 := i0 + 1
		if i1 > in-1 {
			i1 = in - 1
		}
		frac := float32(src - float64(i0))

		m[i0*out+o] += 1 - frac
		m[i1*out+o] += frac
	}
	return tensor.New(tensor.WithShape(in, out), tensor.WithBacking(m))
}

// Upsample2x adds a 2× bilinear, corner-aligned resize of x to g.
//
// Bilinear interpolation is separable: the width axis is resampled by a
// right-multiplication with an interpolation matrix, the tensor is transposed
// so height becomes the last axis, resampled the same way and transposed
// back.
//
// Arguments:
//   - g: Graph to build into.
//   - x: Node of shape (B, C, H, W).
//   - name: Unique prefix for the interpolation constants.
//
// Returns:
//   - Node of shape (B, C, 2H, 2W).
func Upsample2x(g *G.ExprGraph, x *G.Node, name string) (*G.Node, error) {
	shape := x.Shape()
	if len(shape) != 4 {
		return nil, errors.Wrapf(model.ErrShapeMismatch, "%s: upsample input must be 4-D, got %v", name, shape)
	}
	b, c, h, w := shape[0], shape[1], shape[2], shape[3]
	oh, ow := 2*h, 2*w

	mw := G.NewMatrix(g, tensor.Float32, G.WithShape(w, ow), G.WithName(name+".interp_w"), G.WithValue(InterpolationMatrix(w, ow)))
	mh := G.NewMatrix(g, tensor.Float32, G.WithShape(h, oh), G.WithName(name+".interp_h"), G.WithValue(InterpolationMatrix(h, oh)))

	y, err := G.Reshape(x, tensor.Shape{b * c * h, w})
	if err != nil {
		return nil, errors.Wrapf(err, "%s: flatten rows", name)
	}
	if y, err = G.Mul(y, mw); err != nil {
		return nil, errors.Wrapf(err, "%s: resample width", name)
	}
	if y, err = G.Reshape(y, tensor.Shape{b, c, h, ow}); err != nil {
		return nil, errors.Wrapf(err, "%s: unflatten rows", name)
	}
	if y, err = G.Transpose(y, 0, 1, 3, 2); err != nil {
		return nil, errors.Wrapf(err, "%s: transpose", name)
	}
	if y, err = G.Reshape(y, tensor.Shape{b * c * ow, h}); err != nil {
		return nil, errors.Wrapf(err, "%s: flatten columns", name)
	}
	if y, err = G.Mul(y, mh); err != nil {
		return nil, errors.Wrapf(err, "%s: resample height", name)
	}
	if y, err = G.Reshape(y, tensor.Shape{b, c, ow, oh}); err != nil {
		return nil, errors.Wrapf(err, "%s: unflatten columns", name)
	}
	if y, err = G.Transpose(y, 0, 1, 3, 2); err != nil {
		return nil, errors.Wrapf(err, "%s: transpose back", name)
	}
	return y, nil
}
