package machine

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition is returned when an operation is not allowed in
	// the current state.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrStopped is returned by MoveTo when a stop interrupted the motion.
	ErrStopped = errors.New("move stopped")

	// ErrHardwareAlarm matches errors caused by a motor driver alarm.
	ErrHardwareAlarm = errors.New("hardware alarm")

	// ErrBuildInProgress is returned when boundaries are already being generated.
	ErrBuildInProgress = errors.New("boundary generation already in progress")

	// ErrInvalidSpeed is returned by MoveTo for a non-positive speed.
	ErrInvalidSpeed = errors.New("invalid speed")
)

// TransitionError reports an operation attempted in the wrong state.
type TransitionError struct {
	Op   string
	From State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("machine: cannot %s while %s", e.Op, e.From)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }
