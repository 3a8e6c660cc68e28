package crd514

import (
	"math"
	"testing"

	"github.com/mastercactapus/deltaplacer/kinematics"
	"github.com/stretchr/testify/assert"
)

func TestAngleToSteps(t *testing.T) {
	assert.Equal(t, int32(1), AngleToSteps(StepAngle, 0))
	assert.Equal(t, int32(-1), AngleToSteps(-StepAngle, 0))
	assert.Equal(t, int32(0), AngleToSteps(0, 0))
	assert.Equal(t, int32(5000), AngleToSteps(2*math.Pi, 0))
	assert.Equal(t, int32(1250), AngleToSteps(kinematics.Radians(90), 0))

	// deviation is added before rounding
	assert.Equal(t, int32(2), AngleToSteps(StepAngle, StepAngle))
	assert.Equal(t, int32(0), AngleToSteps(StepAngle, -StepAngle))
}

func TestAngleToSteps_Monotonic(t *testing.T) {
	prev := AngleToSteps(-math.Pi, 0)
	for a := -math.Pi; a <= math.Pi; a += StepAngle / 7 {
		s := AngleToSteps(a, 0)
		assert.GreaterOrEqual(t, s, prev, "angle %v", a)
		prev = s
	}
}

func TestStepsToAngle(t *testing.T) {
	dev := kinematics.Radians(1.5)
	for _, steps := range []int32{-1042, -1, 0, 1, 313, 1042} {
		assert.Equal(t, steps, AngleToSteps(StepsToAngle(steps, dev), dev))
	}
}

func TestRateToSteps(t *testing.T) {
	assert.Equal(t, uint32(5000), RateToSteps(2*math.Pi))
	assert.Equal(t, uint32(1), RateToSteps(0))
	assert.Equal(t, uint32(1), RateToSteps(math.NaN()))
	assert.Equal(t, uint32(math.MaxInt32), RateToSteps(math.Inf(1)))
}

func TestSplit32(t *testing.T) {
	v := uint32(0x12345678)
	parts := split32(v)
	assert.Equal(t, []uint16{0x1234, 0x5678}, parts)
	assert.Equal(t, v, join32(parts[0], parts[1]))

	neg := int32(-2)
	assert.Equal(t, neg, int32(join32(0xFFFF, 0xFFFE)))
}
