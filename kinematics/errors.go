package kinematics

import (
	"errors"
	"fmt"

	"github.com/mastercactapus/deltaplacer/coord"
)

var (
	// ErrUnreachable means no arm configuration places the effector at the point.
	ErrUnreachable = errors.New("point unreachable")
	// ErrJointLimitExceeded means the point is geometrically reachable but
	// requires a motor or ball joint outside its allowed range.
	ErrJointLimitExceeded = errors.New("joint limit exceeded")
)

// Reason classifies a kinematic failure.
type Reason int

const (
	Unreachable Reason = iota
	JointLimitExceeded
)

func (r Reason) String() string {
	switch r {
	case Unreachable:
		return "unreachable"
	case JointLimitExceeded:
		return "joint limit exceeded"
	}
	return fmt.Sprintf("Reason(%d)", int(r))
}

// Error is returned by Solve when a target has no valid joint solution.
type Error struct {
	Reason Reason
	Point  coord.Point

	// Motor is the 1-based motor whose arm failed, or 0 when the failure
	// is not specific to one arm.
	Motor int
	// Angle is the offending joint angle in radians, when one was computed.
	Angle float64
}

func (e *Error) Error() string {
	if e.Motor == 0 {
		return fmt.Sprintf("kinematics: %s: %s", e.Point, e.Reason)
	}
	return fmt.Sprintf("kinematics: %s: motor %d: %s", e.Point, e.Motor, e.Reason)
}

// Is lets errors.Is match the sentinel for e's Reason.
func (e *Error) Is(target error) bool {
	switch e.Reason {
	case Unreachable:
		return target == ErrUnreachable
	case JointLimitExceeded:
		return target == ErrJointLimitExceeded
	}
	return false
}
