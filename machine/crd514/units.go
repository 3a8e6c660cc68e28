package crd514

import "math"

// AngleToSteps converts a joint angle to the absolute motor position that
// produces it, applying the axis calibration deviation.
func AngleToSteps(angle, deviation float64) int32 {
	return int32(math.Round((angle + deviation) / StepAngle))
}

// StepsToAngle is the inverse of AngleToSteps.
func StepsToAngle(steps int32, deviation float64) float64 {
	return float64(steps)*StepAngle - deviation
}

// RateToSteps converts an angular rate (rad/s or rad/s^2) to steps,
// never returning less than one step.
func RateToSteps(rate float64) uint32 {
	s := math.Round(math.Abs(rate) / StepAngle)
	switch {
	case math.IsNaN(s) || s < 1:
		return 1
	case s > math.MaxInt32:
		return math.MaxInt32
	}
	return uint32(s)
}

func split32(v uint32) []uint16 { return []uint16{uint16(v >> 16), uint16(v)} }

func join32(hi, lo uint16) uint32 { return uint32(hi)<<16 | uint32(lo) }
