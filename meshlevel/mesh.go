// Package meshlevel compensates motion programs for an uneven work surface.
//
// The surface is described by measured points; heights between them are
// interpolated on a delaunay triangulation.
package meshlevel

import (
	"errors"
	"math"

	"github.com/fogleman/delaunay"
	"github.com/mastercactapus/deltaplacer/coord"
)

// Mesh is a triangulated height map.
type Mesh struct {
	min, max  coord.Point
	triangles []coord.Triangle
}

// NewMesh triangulates the measured surface points.
func NewMesh(points []coord.Point) (*Mesh, error) {
	if len(points) < 3 {
		return nil, errors.New("need at least 3 points to create a mesh")
	}

	points2d := make([]delaunay.Point, len(points))
	byXY := make(map[delaunay.Point]coord.Point, len(points))

	mesh := &Mesh{min: points[0], max: points[0]}
	for i, p := range points {
		if !p.IsFinite() {
			return nil, errors.New("mesh point is not finite")
		}
		mesh.min.X = math.Min(mesh.min.X, p.X)
		mesh.min.Y = math.Min(mesh.min.Y, p.Y)
		mesh.max.X = math.Max(mesh.max.X, p.X)
		mesh.max.Y = math.Max(mesh.max.Y, p.Y)

		d := delaunay.Point{X: p.X, Y: p.Y}
		if _, dup := byXY[d]; dup {
			return nil, errors.New("duplicate mesh point")
		}
		byXY[d] = p
		points2d[i] = d
	}
	mesh.min.X -= coord.Epsilon
	mesh.min.Y -= coord.Epsilon
	mesh.max.X += coord.Epsilon
	mesh.max.Y += coord.Epsilon

	tri, err := delaunay.Triangulate(points2d)
	if err != nil {
		return nil, err
	}
	if len(tri.Triangles) == 0 {
		return nil, errors.New("mesh points are collinear")
	}

	mesh.triangles = make([]coord.Triangle, 0, len(tri.Triangles)/3)
	for i := 0; i < len(tri.Triangles); i += 3 {
		mesh.triangles = append(mesh.triangles, coord.Triangle{
			A: byXY[tri.Points[tri.Triangles[i]]],
			B: byXY[tri.Points[tri.Triangles[i+1]]],
			C: byXY[tri.Points[tri.Triangles[i+2]]],
		})
	}

	return mesh, nil
}

// Triangles returns the facets of the mesh.
func (m *Mesh) Triangles() []coord.Triangle { return m.triangles }

// OffsetZ returns the surface height at x,y. It reports false outside the
// measured area.
func (m *Mesh) OffsetZ(x, y float64) (bool, float64) {
	if x < m.min.X || m.max.X < x || y < m.min.Y || m.max.Y < y {
		return false, 0
	}
	for _, t := range m.triangles {
		if t.ContainsXY(x, y) {
			return true, t.Z(x, y)
		}
	}

	return false, 0
}
