package coord

import (
	"math"
)

const (
	// Epsilon is the max error when checking containment.
	Epsilon   = 0.001
	epsilonSq = Epsilon * Epsilon
)

// Triangle is a facet of a height mesh. Only its XY projection is used for
// containment; Z is interpolated on the plane through its corners.
type Triangle struct{ A, B, C Point }

// ContainsXY returns true if the 2D projection of the triangle
// has the point x,y, allowing Epsilon of slack on every edge.
//
// Based on https://totologic.blogspot.com/2014/01/accurate-point-in-triangle-test.html
func (t Triangle) ContainsXY(x, y float64) bool {
	p := Point{X: x, Y: y}
	if !t.boundsContain(p) {
		return false
	}

	edges := [3][2]Point{{t.A, t.B}, {t.B, t.C}, {t.C, t.A}}
	inside := true
	for _, e := range edges {
		if side(e[0], e[1], p) < 0 {
			inside = false
			break
		}
	}
	if inside {
		return true
	}

	for _, e := range edges {
		if segmentDistanceSq(e[0], e[1], p) <= epsilonSq {
			return true
		}
	}
	return false
}

// Z will give the Z-coordinate on the plane defined by the triangle
// where it intersects x,y.
func (t Triangle) Z(x, y float64) float64 {
	n := t.C.Sub(t.A).Cross(t.B.Sub(t.A))
	d := n.Dot(t.C)

	return (d - n.X*x - n.Y*y) / n.Z
}

func (t Triangle) boundsContain(p Point) bool {
	xMin := math.Min(t.A.X, math.Min(t.B.X, t.C.X)) - Epsilon
	xMax := math.Max(t.A.X, math.Max(t.B.X, t.C.X)) + Epsilon
	yMin := math.Min(t.A.Y, math.Min(t.B.Y, t.C.Y)) - Epsilon
	yMax := math.Max(t.A.Y, math.Max(t.B.Y, t.C.Y)) + Epsilon

	return p.X >= xMin && p.X <= xMax && p.Y >= yMin && p.Y <= yMax
}

func side(a, b, p Point) float64 {
	return (b.Y-a.Y)*(p.X-a.X) + (a.X-b.X)*(p.Y-a.Y)
}

func segmentDistanceSq(a, b, p Point) float64 {
	lenSq := (b.X-a.X)*(b.X-a.X) + (b.Y-a.Y)*(b.Y-a.Y)
	dot := ((p.X-a.X)*(b.X-a.X) + (p.Y-a.Y)*(b.Y-a.Y)) / lenSq
	switch {
	case dot < 0:
		return (p.X-a.X)*(p.X-a.X) + (p.Y-a.Y)*(p.Y-a.Y)
	case dot <= 1:
		apSq := (a.X-p.X)*(a.X-p.X) + (a.Y-p.Y)*(a.Y-p.Y)
		return apSq - dot*dot*lenSq
	}
	return (p.X-b.X)*(p.X-b.X) + (p.Y-b.Y)*(p.Y-b.Y)
}
