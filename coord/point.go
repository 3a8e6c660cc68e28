package coord

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Point is a location in the robot base frame, in millimetres.
//
// The origin is the centre of the base plate with Z pointing up, so
// every reachable effector position has a negative Z.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

func (p Point) Vec() r3.Vec { return r3.Vec{X: p.X, Y: p.Y, Z: p.Z} }

func FromVec(v r3.Vec) Point { return Point{X: v.X, Y: v.Y, Z: v.Z} }

func (p Point) Equal(b Point) bool { return p == b }

func (p Point) Cross(b Point) Point { return FromVec(r3.Cross(p.Vec(), b.Vec())) }

func (p Point) Dot(b Point) float64 { return r3.Dot(p.Vec(), b.Vec()) }

// Mul scales every component by f.
func (p Point) Mul(f float64) Point { return FromVec(r3.Scale(f, p.Vec())) }

func (p Point) Div(f float64) Point { return Point{X: p.X / f, Y: p.Y / f, Z: p.Z / f} }

func (p Point) Add(b Point) Point { return FromVec(r3.Add(p.Vec(), b.Vec())) }

func (p Point) Sub(b Point) Point { return FromVec(r3.Sub(p.Vec(), b.Vec())) }

// Lerp returns the point a fraction t of the way from p to target.
func (p Point) Lerp(target Point, t float64) Point {
	return p.Add(target.Sub(p).Mul(t))
}

// Split divides the segment from p to target into n equal steps and
// returns their end points. The last one is exactly target.
func (p Point) Split(target Point, n int) []Point {
	res := make([]Point, n)
	for i := range res {
		res[i] = p.Lerp(target, float64(i+1)/float64(n))
	}
	res[n-1] = target
	return res
}

func (p Point) Distance(b Point) float64 { return r3.Norm(p.Sub(b).Vec()) }

// DistanceXY ignores Z.
func (p Point) DistanceXY(x, y float64) float64 { return math.Hypot(x-p.X, y-p.Y) }

// IsFinite reports whether no component is NaN or infinite.
func (p Point) IsFinite() bool {
	for _, v := range [...]float64{p.X, p.Y, p.Z} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func (p Point) String() string {
	return fmt.Sprintf("(%.3f, %.3f, %.3f)", p.X, p.Y, p.Z)
}
