// Package postprocess - Postprocessing utilities for models.
package postprocess

import "github.com/nvr-ai/go-east/images"

// Result represents a single detected text region.
type Result struct {
	// The rotated quadrilateral of the text, vertices ordered top-left,
	// top-right, bottom-right, bottom-left of the unrotated box.
	Quad images.Quad
	// The axis-aligned bounding box of Quad.
	Box images.Rect
	// The confidence score of the result. Locality merging accumulates the
	// scores of the merged candidates.
	Score float32
	// The index of the image in the batch the result belongs to.
	Batch int
}

// Rescale maps results from network input coordinates back to the original
// image by dividing by the preprocessing scale factors.
//
// Arguments:
//   - results: Results in network input coordinates.
//   - scaleX, scaleY: Network input size divided by original size.
//
// Returns:
//   - New results in original image coordinates.
func Rescale(results []Result, scaleX, scaleY float64) []Result {
	if len(results) == 0 {
		return nil
	}
	sx, sy := float32(1/scaleX), float32(1/scaleY)
	out := make([]Result, len(results))
	for i, r := range results {
		r.Quad = r.Quad.Scale(sx, sy)
		r.Box = r.Quad.Bounds()
		out[i] = r
	}
	return out
}
