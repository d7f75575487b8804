package images

import (
	"math"

	"github.com/chewxy/math32"
	clipper "github.com/ctessum/go.clipper"
)

// Point is a point in image coordinates.
type Point struct {
	X, Y float32
}

// Quad is a quadrilateral given by its four vertices in order: top-left,
// top-right, bottom-right, bottom-left of the unrotated box.
type Quad [4]Point

// PolygonArea returns the signed shoelace area of a polygon. The sign depends
// on the winding order.
func PolygonArea(poly []Point) float32 {
	n := len(poly)
	if n < 3 {
		return 0
	}
	var sum float32
	for i := 0; i < n; i++ {
		a, b := poly[i], poly[(i+1)%n]
		sum += a.X*b.Y - b.X*a.Y
	}
	return sum / 2
}

// Area returns the unsigned area of the quadrilateral.
func (q Quad) Area() float32 {
	return math32.Abs(PolygonArea(q[:]))
}

// Bounds returns the smallest integer rectangle containing the quad.
func (q Quad) Bounds() Rect {
	minX, minY := q[0].X, q[0].Y
	maxX, maxY := minX, minY
	for _, p := range q[1:] {
		minX = math32.Min(minX, p.X)
		minY = math32.Min(minY, p.Y)
		maxX = math32.Max(maxX, p.X)
		maxY = math32.Max(maxY, p.Y)
	}
	return Rect{
		X1: int(math32.Floor(minX)),
		Y1: int(math32.Floor(minY)),
		X2: int(math32.Ceil(maxX)),
		Y2: int(math32.Ceil(maxY)),
	}
}

// Scale multiplies every x coordinate by sx and every y coordinate by sy.
func (q Quad) Scale(sx, sy float32) Quad {
	for i := range q {
		q[i].X *= sx
		q[i].Y *= sy
	}
	return q
}

// clipScale is the fixed-point scale of clipper coordinates: 1/1024 px.
const clipScale = 1 << 10

func toPath(poly []Point) clipper.Path {
	path := make(clipper.Path, len(poly))
	for i, p := range poly {
		path[i] = &clipper.IntPoint{
			X: clipper.CInt(math.Round(float64(p.X) * clipScale)),
			Y: clipper.CInt(math.Round(float64(p.Y) * clipScale)),
		}
	}
	return path
}

func fromPath(path clipper.Path) []Point {
	poly := make([]Point, len(path))
	for i, p := range path {
		poly[i] = Point{X: float32(float64(p.X) / clipScale), Y: float32(float64(p.Y) / clipScale)}
	}
	return poly
}

// intersectPaths clips subject by clip with non-zero filling, so either
// winding order is accepted.
func intersectPaths(subject, clip []Point) clipper.Paths {
	if len(subject) < 3 || len(clip) < 3 {
		return nil
	}
	c := clipper.NewClipper(0)
	c.AddPath(toPath(subject), clipper.PtSubject, true)
	c.AddPath(toPath(clip), clipper.PtClip, true)
	solution, ok := c.Execute1(clipper.CtIntersection, clipper.PftNonZero, clipper.PftNonZero)
	if !ok {
		return nil
	}
	return solution
}

// ClipPolygons returns the intersection of two polygons.
//
// Coordinates are snapped to a 1/1024 pixel grid for clipping.
//
// Arguments:
//   - subject: The polygon to clip.
//   - clip: The clipping polygon.
//
// Returns:
//   - The polygons of the intersection, empty when the inputs are disjoint.
func ClipPolygons(subject, clip []Point) [][]Point {
	paths := intersectPaths(subject, clip)
	if len(paths) == 0 {
		return nil
	}
	out := make([][]Point, len(paths))
	for i, path := range paths {
		out[i] = fromPath(path)
	}
	return out
}

// IntersectionArea returns the area shared by two polygons.
func IntersectionArea(subject, clip []Point) float32 {
	var area float64
	for _, path := range intersectPaths(subject, clip) {
		area += math.Abs(clipper.Area(path))
	}
	return float32(area / (clipScale * clipScale))
}

// QuadIoU returns the Intersection over Union of two quadrilaterals.
//
// Returns:
//   - float32: A value between 0.0 and 1.0; degenerate quads score 0.
func QuadIoU(a, b Quad) float32 {
	areaA, areaB := a.Area(), b.Area()
	if areaA <= 0 || areaB <= 0 {
		return 0
	}
	if CalculateIoU(a.Bounds(), b.Bounds()) == 0 {
		return 0
	}

	inter := IntersectionArea(a[:], b[:])
	union := areaA + areaB - inter
	if union <= 0 {
		return 0
	}
	return math32.Min(inter/union, 1)
}
