// Package machine implements the delta robot controller: a state machine
// over a motor Adapter that turns Cartesian targets into synchronized moves.
package machine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mastercactapus/deltaplacer/boundary"
	"github.com/mastercactapus/deltaplacer/coord"
	"github.com/mastercactapus/deltaplacer/kinematics"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// stopTimeout bounds the stop issued after a MoveTo context is cancelled.
const stopTimeout = time.Second

// Machine is a delta robot. All methods are safe for concurrent use.
type Machine struct {
	adapter Adapter
	solver  *kinematics.Solver
	log     *zap.Logger
	journal Journal

	accel, decel float64
	speed        float64

	// serializes PowerOn, PowerOff and Reset
	powerMx sync.Mutex

	mx       sync.Mutex
	state    State
	closing  bool
	angles   kinematics.Angles
	pos      coord.Point
	posKnown bool
	moveDone chan struct{}
	faultFns []func(Fault)

	boundaries atomic.Pointer[boundary.Volume]
	building   atomic.Bool

	events chan Event
}

// Event is published on every state change, fault, and boundary update.
type Event struct {
	Type  string    `json:"type"`
	State State     `json:"state"`
	Fault *Fault    `json:"fault,omitempty"`
	Error string    `json:"error,omitempty"`
	Time  time.Time `json:"time"`
}

// Option configures a Machine.
type Option func(*Machine)

// WithLogger sets the logger; the default discards everything.
func WithLogger(l *zap.Logger) Option { return func(m *Machine) { m.log = l } }

// WithJournal records moves, faults and boundaries to j.
func WithJournal(j Journal) Option { return func(m *Machine) { m.journal = j } }

// WithAcceleration sets the acceleration and deceleration, in rad/s^2, of
// the axis with the longest travel.
func WithAcceleration(accel, decel float64) Option {
	return func(m *Machine) { m.accel, m.decel = accel, decel }
}

// WithDefaultSpeed sets the speed, in rad/s, programs use until they set
// their own.
func WithDefaultSpeed(speed float64) Option { return func(m *Machine) { m.speed = speed } }

// New returns a powered-off Machine driving a.
func New(a Adapter, s *kinematics.Solver, opts ...Option) *Machine {
	m := &Machine{
		adapter: a,
		solver:  s,
		log:     zap.NewNop(),
		accel:   kinematics.Radians(2000),
		decel:   kinematics.Radians(2000),
		speed:   kinematics.Radians(360),
		events:  make(chan Event, 64),
	}
	for _, opt := range opts {
		opt(m)
	}
	a.SetFaultSink(m.handleFault)
	return m
}

// Events returns the channel events are published on. Events are dropped
// when nobody is receiving.
func (m *Machine) Events() <-chan Event { return m.events }

func (m *Machine) emit(e Event) {
	e.Time = time.Now()
	select {
	case m.events <- e:
	default:
	}
}

func (m *Machine) emitState(s State) { m.emit(Event{Type: "state", State: s}) }

// OnFault registers fn to be called for every alarm or communication fault.
// fn is called from the driver's goroutine and must not block.
func (m *Machine) OnFault(fn func(Fault)) {
	m.mx.Lock()
	m.faultFns = append(m.faultFns, fn)
	m.mx.Unlock()
}

// State returns the current state.
func (m *Machine) State() State {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.state
}

// Position returns the effector position after the last completed move.
// It is unknown after power on and after an interrupted move.
func (m *Machine) Position() (coord.Point, bool) {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.pos, m.posKnown
}

// Angles returns the last commanded motor angles.
func (m *Machine) Angles() kinematics.Angles {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.angles
}

// Solver returns the kinematic model of the robot.
func (m *Machine) Solver() *kinematics.Solver { return m.solver }

// Status polls the motor drivers.
func (m *Machine) Status(ctx context.Context) ([NumAxes]AxisStatus, error) {
	return m.adapter.Status(ctx)
}

func (m *Machine) setState(s State) {
	m.mx.Lock()
	m.state = s
	m.mx.Unlock()
	m.emitState(s)
}

// PowerOn energizes the motors.
func (m *Machine) PowerOn(ctx context.Context) error {
	m.powerMx.Lock()
	defer m.powerMx.Unlock()

	if st := m.State(); st != PoweredOff {
		return &TransitionError{Op: "power on", From: st}
	}

	err := m.adapter.Enable(ctx)
	if err != nil {
		return fmt.Errorf("machine: power on: %w", err)
	}
	status, err := m.adapter.Status(ctx)
	if err != nil {
		return multierr.Append(
			fmt.Errorf("machine: power on: %w", err),
			m.adapter.Disable(ctx),
		)
	}

	m.mx.Lock()
	for i, s := range status {
		m.angles[i] = s.Angle
	}
	m.posKnown = false
	m.state = PoweredOn
	m.mx.Unlock()

	m.log.Info("powered on")
	m.emitState(PoweredOn)
	return nil
}

// PowerOff stops any motion in progress and de-energizes the motors.
func (m *Machine) PowerOff(ctx context.Context) error {
	m.powerMx.Lock()
	defer m.powerMx.Unlock()

	m.mx.Lock()
	st, done := m.state, m.moveDone
	if st != PoweredOn && st != Moving {
		m.mx.Unlock()
		return &TransitionError{Op: "power off", From: st}
	}
	m.closing = true
	m.mx.Unlock()
	defer func() {
		m.mx.Lock()
		m.closing = false
		m.mx.Unlock()
	}()

	err := m.adapter.Stop(ctx)
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return multierr.Append(err, ctx.Err())
		}
	}
	err = multierr.Append(err, m.adapter.Disable(ctx))
	if err != nil {
		return fmt.Errorf("machine: power off: %w", err)
	}

	m.mx.Lock()
	if m.state != Faulted {
		m.state = PoweredOff
	}
	st = m.state
	m.posKnown = false
	m.mx.Unlock()

	m.log.Info("powered off", zap.Stringer("state", st))
	m.emitState(st)
	return nil
}

// Stop halts the motors immediately. It is safe to call in any state and
// any number of times; it does nothing while powered off.
func (m *Machine) Stop(ctx context.Context) error {
	if m.State() == PoweredOff {
		return nil
	}
	m.log.Info("stop requested")
	return m.adapter.Stop(ctx)
}

// Reset clears driver alarms and returns a Faulted machine to PoweredOff.
func (m *Machine) Reset(ctx context.Context) error {
	m.powerMx.Lock()
	defer m.powerMx.Unlock()

	m.mx.Lock()
	st, done := m.state, m.moveDone
	m.mx.Unlock()
	if st != Faulted {
		return &TransitionError{Op: "reset", From: st}
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	err := multierr.Combine(
		m.adapter.Stop(ctx),
		m.adapter.ResetAlarm(ctx),
		m.adapter.Disable(ctx),
	)
	if err != nil {
		return fmt.Errorf("machine: reset: %w", err)
	}

	m.log.Info("alarms reset")
	m.setState(PoweredOff)
	return nil
}

// MoveTo moves the effector to p and blocks until the move has completed.
//
// speed is the angular speed, in rad/s, of the motor with the longest
// travel; the other motors are slowed so that all arrive together.
//
// MoveTo is only allowed while PoweredOn; a second MoveTo while one is in
// progress fails immediately with ErrInvalidTransition.
func (m *Machine) MoveTo(ctx context.Context, p coord.Point, speed float64) error {
	m.mx.Lock()
	if m.state != PoweredOn || m.closing {
		st := m.state
		m.mx.Unlock()
		return &TransitionError{Op: "move", From: st}
	}
	from := m.angles
	done := make(chan struct{})
	m.state = Moving
	m.moveDone = done
	m.mx.Unlock()
	m.emitState(Moving)

	rec := MoveRecord{Target: p, Speed: speed, Started: time.Now()}
	angles, started, err := m.move(ctx, p, from, speed)
	rec.Angles, rec.Finished, rec.Err = angles, time.Now(), err

	m.mx.Lock()
	switch {
	case err == nil:
		m.angles = angles
		m.pos = p
		m.posKnown = true
	case started:
		// where the motors ended up is unknown
		m.posKnown = false
		if !errors.Is(err, ErrStopped) && !errors.Is(err, ctx.Err()) {
			m.state = Faulted
		}
	}
	if m.state == Moving {
		m.state = PoweredOn
	}
	st := m.state
	m.moveDone = nil
	close(done)
	m.mx.Unlock()
	m.emitState(st)

	if err != nil {
		m.log.Warn("move failed", zap.Stringer("target", p), zap.Error(err))
	} else {
		m.log.Debug("move complete", zap.Stringer("target", p), zap.Duration("elapsed", rec.Finished.Sub(rec.Started)))
	}
	if m.journal != nil {
		if jerr := m.journal.RecordMove(context.Background(), rec); jerr != nil {
			m.log.Error("record move", zap.Error(jerr))
		}
	}
	return err
}

// move validates p and runs the motion. started reports whether the motors
// were commanded to move.
func (m *Machine) move(ctx context.Context, p coord.Point, from kinematics.Angles, speed float64) (angles kinematics.Angles, started bool, err error) {
	if math.IsNaN(speed) || math.IsInf(speed, 0) || speed <= 0 {
		return angles, false, fmt.Errorf("machine: %w: %v", ErrInvalidSpeed, speed)
	}
	if v := m.boundaries.Load(); v != nil && !v.Reachable(p) {
		return angles, false, fmt.Errorf("machine: outside effector boundaries: %w",
			&kinematics.Error{Reason: kinematics.Unreachable, Point: p})
	}
	angles, err = m.solver.Solve(p)
	if err != nil {
		return angles, false, err
	}

	motion, ok := m.plan(from, angles, speed)
	if !ok {
		return angles, false, nil
	}
	ack, err := m.adapter.MoveTo(ctx, motion)
	if err != nil {
		return angles, false, err
	}

	select {
	case <-ack.Done():
		return angles, true, ack.Err()
	case <-ctx.Done():
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if serr := m.adapter.Stop(stopCtx); serr != nil {
		return angles, true, fmt.Errorf("machine: stop after %v: %w", ctx.Err(), serr)
	}
	select {
	case <-ack.Done():
	case <-stopCtx.Done():
	}
	return angles, true, ctx.Err()
}

// plan builds a motion from one set of angles to another in which every
// axis arrives at the same time. It reports false if nothing moves.
func (m *Machine) plan(from, to kinematics.Angles, speed float64) (Motion, bool) {
	var travel [NumAxes]float64
	var longest float64
	for i := range travel {
		travel[i] = math.Abs(to[i] - from[i])
		longest = math.Max(longest, travel[i])
	}
	if longest == 0 {
		return Motion{}, false
	}

	motion := Motion{Angles: to}
	for i, d := range travel {
		scale := d / longest
		motion.Speed[i] = speed * scale
		motion.Acceleration[i] = m.accel * scale
		motion.Deceleration[i] = m.decel * scale
	}
	return motion, true
}

func (m *Machine) handleFault(f Fault) {
	if f.Time.IsZero() {
		f.Time = time.Now()
	}
	fields := []zap.Field{
		zap.Int("motor", f.Motor),
		zap.Stringer("severity", f.Severity),
		zap.Uint16("status", f.Status),
		zap.String("description", f.Description),
	}

	var fns []func(Fault)
	changed := false
	if f.Severity == SeverityWarning {
		m.log.Warn("motor warning", fields...)
	} else {
		m.log.Error("motor fault", fields...)
		m.mx.Lock()
		if m.state == PoweredOn || m.state == Moving {
			m.state = Faulted
			changed = true
		}
		fns = append(fns, m.faultFns...)
		m.mx.Unlock()
	}

	if m.journal != nil {
		if err := m.journal.RecordFault(context.Background(), f); err != nil {
			m.log.Error("record fault", zap.Error(err))
		}
	}

	m.emit(Event{Type: "fault", State: m.State(), Fault: &f})
	if changed {
		m.emitState(Faulted)
	}
	for _, fn := range fns {
		fn(f)
	}
}
