// Package images - Image decoding and detection geometry.
package images

// Rect is a lightweight axis-aligned bounding box.
type Rect struct {
	// X2,Y2 are exclusive (like image.Rectangle).
	X1, Y1, X2, Y2 int
}

// Area returns the area of the rectangle, 0 when it is empty.
func (r Rect) Area() int {
	if r.X2 <= r.X1 || r.Y2 <= r.Y1 {
		return 0
	}
	return (r.X2 - r.X1) * (r.Y2 - r.Y1)
}

// CalculateIoU returns the Intersection over Union of two rectangles, a value
// between 0.0 (disjoint) and 1.0 (identical).
//
// Arguments:
//   - r: The first rectangle.
//   - o: The other rectangle to compare against.
//
// Returns:
//   - float32: The IoU score. Touching or empty rectangles score 0.
//
// Example Usage:
// ```go
//
//	word := Rect{X1: 0, Y1: 0, X2: 40, Y2: 10}
//	line := Rect{X1: 0, Y1: 0, X2: 80, Y2: 10}
//
//	iouScore := CalculateIoU(word, line) // 400 / 800 = 0.5
//
// ```
func CalculateIoU(r, o Rect) float32 {
	// Intersection: the larger of the starts, the smaller of the ends.
	interW := min(r.X2, o.X2) - max(r.X1, o.X1)
	interH := min(r.Y2, o.Y2) - max(r.Y1, o.Y1)
	if interW <= 0 || interH <= 0 {
		return 0.0
	}
	interArea := interW * interH

	// Inclusion-exclusion: |A ∪ B| = |A| + |B| - |A ∩ B|.
	return float32(interArea) / float32(r.Area()+o.Area()-interArea)
}
