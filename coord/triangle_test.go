package coord

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTriangle_Z(t *testing.T) {
	tri := Triangle{
		A: Point{0, 0, 0},
		B: Point{10, 0, 0},
		C: Point{5, 5, 5},
	}

	assert.Equal(t, 0.0, tri.Z(0, 0))
	assert.Equal(t, 0.0, tri.Z(5, 0))
	assert.Equal(t, 5.0, tri.Z(5, 5))
	assert.Equal(t, 2.5, tri.Z(2.5, 2.5))
}

func TestTriangle_ContainsXY(t *testing.T) {
	// counter-clockwise winding, the way delaunay emits facets
	tri := Triangle{
		A: Point{0, 0, 0},
		B: Point{0, 10, 0},
		C: Point{10, 0, 0},
	}

	data := []struct {
		x, y float64
		in   bool
	}{
		{1, 1, true},
		{0, 0, true},
		{5, 5, true},
		{5.0005, 5, true},
		{6, 6, false},
		{-1, 1, false},
		{20, 20, false},
	}
	for _, d := range data {
		assert.Equal(t, d.in, tri.ContainsXY(d.x, d.y), "(%g, %g)", d.x, d.y)
	}
}
