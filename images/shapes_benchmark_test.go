package images

import (
	"math"
	"math/rand"
	"testing"
)

// Benchmark cases covering the overlap patterns seen when suppressing text
// detections: disjoint boxes take the early exit, overlapping ones clip.

// BenchmarkIoU_NonOverlapping tests rectangles that don't overlap.
func BenchmarkIoU_NonOverlapping(b *testing.B) {
	rect1 := Rect{X1: 0, Y1: 0, X2: 100, Y2: 100}
	rect2 := Rect{X1: 200, Y1: 200, X2: 300, Y2: 300}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		_ = CalculateIoU(rect1, rect2)
	}
}

// BenchmarkIoU_PartialOverlap tests the common partially overlapping case.
func BenchmarkIoU_PartialOverlap(b *testing.B) {
	rect1 := Rect{X1: 0, Y1: 0, X2: 100, Y2: 100}
	rect2 := Rect{X1: 50, Y1: 50, X2: 150, Y2: 150}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		_ = CalculateIoU(rect1, rect2)
	}
}

// BenchmarkQuadIoU_NonOverlapping exits on the bounding boxes.
func BenchmarkQuadIoU_NonOverlapping(b *testing.B) {
	q1 := Quad{{0, 0}, {100, 0}, {100, 30}, {0, 30}}
	q2 := Quad{{200, 200}, {300, 200}, {300, 230}, {200, 230}}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		_ = QuadIoU(q1, q2)
	}
}

// BenchmarkQuadIoU_Rotated clips two overlapping rotated text boxes.
func BenchmarkQuadIoU_Rotated(b *testing.B) {
	q1 := rotated(50, 50, 80, 20, 0.3)
	q2 := rotated(55, 52, 80, 20, 0.2)

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		_ = QuadIoU(q1, q2)
	}
}

// BenchmarkQuadIoU_Random mixes overlapping and disjoint boxes.
func BenchmarkQuadIoU_Random(b *testing.B) {
	rng := rand.New(rand.NewSource(1))
	quads := make([]Quad, 256)
	for i := range quads {
		quads[i] = rotated(rng.Float64()*200, rng.Float64()*200, 20+rng.Float64()*80, 10+rng.Float64()*20, rng.Float64()-0.5)
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		_ = QuadIoU(quads[i%len(quads)], quads[(i*7+1)%len(quads)])
	}
}

// rotated returns a w by h box centred at (cx, cy) rotated by theta.
func rotated(cx, cy, w, h, theta float64) Quad {
	sin, cos := math.Sincos(theta)
	local := [4][2]float64{{-w / 2, -h / 2}, {w / 2, -h / 2}, {w / 2, h / 2}, {-w / 2, h / 2}}
	var q Quad
	for i, p := range local {
		q[i] = Point{
			X: float32(cx + p[0]*cos - p[1]*sin),
			Y: float32(cy + p[0]*sin + p[1]*cos),
		}
	}
	return q
}
