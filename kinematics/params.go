package kinematics

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// ErrInvalidGeometry is returned when robot dimensions or joint ranges
// cannot describe a physical delta robot.
var ErrInvalidGeometry = errors.New("invalid geometry")

// Range is an inclusive angular interval in radians.
type Range struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Contains reports whether a is within r.
func (r Range) Contains(a float64) bool { return a >= r.Min && a <= r.Max }

// Params describes the physical dimensions of a rotary delta robot.
//
// Lengths are in millimetres, angles in radians. Motor index i (0..2)
// drives the arm mounted at i*120 degrees about the base Z axis.
type Params struct {
	// Base is the distance from the base centre to a hip pivot.
	Base float64 `json:"base"`
	// Hip is the length of the motor-driven upper arm.
	Hip float64 `json:"hip"`
	// Effector is the distance from the effector centre to an ankle joint.
	Effector float64 `json:"effector"`
	// Ankle is the length of the parallelogram lower arm.
	Ankle float64 `json:"ankle"`

	// HipAnkleMax is the largest angle the lower arm may swing out of the
	// plane of its hip before the ball joints bind.
	HipAnkleMax float64 `json:"hip_ankle_max"`

	MotorRange [3]Range   `json:"motor_range"`
	Deviation  [3]float64 `json:"deviation"`
}

// Nominal returns the calibrated geometry of the reference robot.
func Nominal() Params {
	motor := Range{Min: Radians(-45), Max: Radians(75)}
	return Params{
		Base:        101.3,
		Hip:         61.1,
		Effector:    42.15,
		Ankle:       150.8,
		HipAnkleMax: Radians(26.5),
		MotorRange:  [3]Range{motor, motor, motor},
	}
}

// Radians converts degrees to radians.
func Radians(deg float64) float64 { return deg / 180 * math.Pi }

// Degrees converts radians to degrees.
func Degrees(rad float64) float64 { return rad / math.Pi * 180 }

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

// Validate checks that p describes a buildable robot.
func (p Params) Validate() error {
	lengths := []struct {
		name string
		v    float64
	}{
		{"base", p.Base},
		{"hip", p.Hip},
		{"effector", p.Effector},
		{"ankle", p.Ankle},
	}
	for _, l := range lengths {
		if !finite(l.v) || l.v <= 0 {
			return fmt.Errorf("%w: %s length must be positive, got %v", ErrInvalidGeometry, l.name, l.v)
		}
	}

	if !finite(p.HipAnkleMax) || p.HipAnkleMax <= 0 || p.HipAnkleMax > math.Pi/2 {
		return fmt.Errorf("%w: hip-ankle limit must be within (0, pi/2], got %v", ErrInvalidGeometry, p.HipAnkleMax)
	}

	for i, r := range p.MotorRange {
		if !finite(r.Min) || !finite(r.Max) {
			return fmt.Errorf("%w: motor %d range is not finite", ErrInvalidGeometry, i+1)
		}
		if r.Min >= r.Max {
			return fmt.Errorf("%w: motor %d range [%v, %v] is empty", ErrInvalidGeometry, i+1, r.Min, r.Max)
		}
		if r.Min < -math.Pi || r.Max > math.Pi {
			return fmt.Errorf("%w: motor %d range [%v, %v] exceeds +-pi", ErrInvalidGeometry, i+1, r.Min, r.Max)
		}
		if !finite(p.Deviation[i]) {
			return fmt.Errorf("%w: motor %d deviation is not finite", ErrInvalidGeometry, i+1)
		}
	}

	return nil
}

// Fingerprint returns a stable digest of p, suitable as a cache key for
// data derived from the geometry.
func (p Params) Fingerprint() string {
	data, err := json.Marshal(p)
	if err != nil {
		// only reachable with NaN/Inf values, which Validate rejects
		data = []byte(fmt.Sprintf("%#v", p))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
