package coord

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoint_Arithmetic(t *testing.T) {
	a := Point{X: 1, Y: 2, Z: -3}
	b := Point{X: 4, Y: 5, Z: 6}

	assert.Equal(t, Point{X: 5, Y: 7, Z: 3}, a.Add(b))
	assert.Equal(t, Point{X: -3, Y: -3, Z: -9}, a.Sub(b))
	assert.Equal(t, Point{X: 2, Y: 4, Z: -6}, a.Mul(2))
	assert.Equal(t, Point{X: 2, Y: 2.5, Z: 3}, b.Div(2))
	assert.Equal(t, Point{X: 2.5, Y: 3.5, Z: 1.5}, a.Lerp(b, 0.5))
	assert.True(t, a.Equal(Point{X: 1, Y: 2, Z: -3}))
}

func TestPoint_JSON(t *testing.T) {
	data, err := json.Marshal(Point{X: 1, Y: -2.5, Z: -120})
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":1,"y":-2.5,"z":-120}`, string(data))
}

func TestPoint_Cross(t *testing.T) {
	x := Point{X: 1}
	y := Point{Y: 1}
	assert.Equal(t, Point{Z: 1}, x.Cross(y))
	assert.Equal(t, 0.0, x.Dot(y))
}

func TestPoint_Distance(t *testing.T) {
	p := Point{X: 1, Y: 2, Z: 3}
	assert.InDelta(t, 5, p.Distance(Point{X: 4, Y: 6, Z: 3}), 1e-9)
	assert.InDelta(t, 13, p.Distance(Point{X: 4, Y: 6, Z: -9}), 1e-9)
	assert.InDelta(t, 5, p.DistanceXY(4, 6), 1e-9, "Z is ignored")
}

func TestPoint_Split(t *testing.T) {
	var a Point
	b := Point{X: 10, Y: -10, Z: 10}
	assert.Equal(t, []Point{{X: 5, Y: -5, Z: 5}, b}, a.Split(b, 2))
	assert.Equal(t, []Point{b}, a.Split(b, 1))

	a = Point{X: 10, Y: 10, Z: 10}
	b = Point{X: 20, Y: 20, Z: 20}
	res := a.Split(b, 4)
	assert.Equal(t,
		[]Point{{X: 12.5, Y: 12.5, Z: 12.5}, {X: 15, Y: 15, Z: 15}, {X: 17.5, Y: 17.5, Z: 17.5}, {X: 20, Y: 20, Z: 20}},
		res,
	)
}

func TestPoint_IsFinite(t *testing.T) {
	assert.True(t, Point{X: 1, Y: -2, Z: -120}.IsFinite())
	assert.False(t, Point{X: math.NaN()}.IsFinite())
	assert.False(t, Point{Z: math.Inf(-1)}.IsFinite())
}
