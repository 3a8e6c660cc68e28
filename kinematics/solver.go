package kinematics

import (
	"math"

	"github.com/mastercactapus/deltaplacer/coord"
	"gonum.org/v1/gonum/spatial/r3"
)

// Angles holds one motor angle per arm in radians. Positive angles point
// the hip below horizontal.
type Angles [3]float64

// Solver computes inverse kinematics for a fixed geometry.
//
// A Solver is immutable and safe for concurrent use.
type Solver struct {
	p Params

	// rotations into each arm's local frame
	toArm [3]r3.Rotation
}

// NewSolver validates p and returns a Solver for it.
func NewSolver(p Params) (*Solver, error) {
	err := p.Validate()
	if err != nil {
		return nil, err
	}
	s := &Solver{p: p}
	for i := range s.toArm {
		s.toArm[i] = r3.NewRotation(-float64(i)*2*math.Pi/3, r3.Vec{Z: 1})
	}
	return s, nil
}

// Params returns the geometry the solver was built with.
func (s *Solver) Params() Params { return s.p }

// Solve returns the motor angles that place the effector centre at p.
//
// The result never contains a partial solution: on failure the returned
// error is an *Error describing the first arm that could not be solved.
func (s *Solver) Solve(p coord.Point) (Angles, error) {
	var res Angles
	if !p.IsFinite() {
		return res, &Error{Reason: Unreachable, Point: p}
	}
	for i := range res {
		a, err := s.solveArm(i, p)
		if err != nil {
			return Angles{}, err
		}
		res[i] = a
	}
	return res, nil
}

// solveArm works in the arm's frame: the hip pivots at (Base, 0, 0) and
// swings in the XZ plane, while the ankle joint on the effector sits at
// (x+Effector, y, z).
func (s *Solver) solveArm(i int, p coord.Point) (float64, error) {
	local := s.toArm[i].Rotate(p.Vec())
	fail := func(r Reason, angle float64) error {
		return &Error{Reason: r, Point: p, Motor: i + 1, Angle: angle}
	}

	y := math.Abs(local.Y)
	if y > s.p.Ankle {
		return 0, fail(Unreachable, 0)
	}
	hipAnkle := math.Asin(y / s.p.Ankle)
	if hipAnkle > s.p.HipAnkleMax {
		return 0, fail(JointLimitExceeded, hipAnkle)
	}

	// the lower arm as seen projected into the hip plane
	ankle := math.Sqrt(s.p.Ankle*s.p.Ankle - local.Y*local.Y)

	dx := local.X + s.p.Effector - s.p.Base
	c := math.Hypot(dx, local.Z)
	if c == 0 {
		return 0, fail(Unreachable, 0)
	}
	cosAlpha := (s.p.Hip*s.p.Hip + c*c - ankle*ankle) / (2 * s.p.Hip * c)
	if cosAlpha < -1 || cosAlpha > 1 {
		return 0, fail(Unreachable, 0)
	}

	angle := math.Atan2(-local.Z, dx) - math.Acos(cosAlpha)
	if !s.p.MotorRange[i].Contains(angle) {
		return 0, fail(JointLimitExceeded, angle)
	}
	return angle, nil
}

// Reachable reports whether Solve would succeed for p.
func (s *Solver) Reachable(p coord.Point) bool {
	_, err := s.Solve(p)
	return err == nil
}
