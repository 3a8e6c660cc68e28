package crd514

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mastercactapus/deltaplacer/kinematics"
	"github.com/mastercactapus/deltaplacer/machine"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ErrNotExcited is returned by MoveTo while the motors are de-energized.
var ErrNotExcited = errors.New("crd514: motors not excited")

// ErrBusy is returned by MoveTo while another move is in progress.
var ErrBusy = errors.New("crd514: move already in progress")

// AlarmError reports a latched alarm on one axis.
type AlarmError struct {
	Motor  int
	Status uint16
}

func (e *AlarmError) Error() string {
	return fmt.Sprintf("crd514: motor %d alarm (status 0x%04x)", e.Motor, e.Status)
}

// Is matches machine.ErrHardwareAlarm.
func (e *AlarmError) Is(target error) bool { return target == machine.ErrHardwareAlarm }

// Config tunes a Driver. The zero value is usable.
type Config struct {
	// Deviation is the calibration offset of each axis, in radians.
	Deviation [machine.NumAxes]float64
	// Limits are written to the drivers as software position limits when
	// non-empty.
	Limits [machine.NumAxes]kinematics.Range
	// StartSpeed is the speed motion starts at, in rad/s.
	StartSpeed float64

	PollInterval time.Duration
	// Retries is the number of times a timed out or garbled transaction is
	// repeated before failing.
	Retries int

	Logger *zap.Logger
}

func (c *Config) normalize() {
	if c.PollInterval <= 0 {
		c.PollInterval = 50 * time.Millisecond
	}
	if c.Retries < 0 {
		c.Retries = 0
	} else if c.Retries == 0 {
		c.Retries = 3
	}
	if c.StartSpeed <= 0 {
		c.StartSpeed = kinematics.Radians(10)
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

type axisState struct {
	steps   int32
	excited bool
	status  uint16
	polled  bool
	offline bool
}

type move struct {
	ack     *machine.Ack
	targets [machine.NumAxes]int32

	// guarded by moveMx
	start   uint64 // bus sequence of the start command, 0 until sent
	moving  bool
	settled int
}

// Driver controls the three axis drivers of a delta robot on one bus.
type Driver struct {
	bus Bus
	cfg Config
	log *zap.Logger

	// mx is the bus lock; axes and seq are only touched while holding it
	mx   sync.Mutex
	axes [machine.NumAxes]axisState
	seq  uint64

	sinkMx sync.Mutex
	sink   machine.FaultSink

	moveMx sync.Mutex
	move   *move

	closeCh   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

var _ machine.Adapter = &Driver{}

// New returns a Driver for the drives on bus and starts its status poller.
func New(bus Bus, cfg Config) *Driver {
	cfg.normalize()
	d := &Driver{
		bus:     bus,
		cfg:     cfg,
		log:     cfg.Logger,
		closeCh: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go d.loop()
	return d
}

// Close stops the poller. It does not touch the bus.
func (d *Driver) Close() error {
	d.closeOnce.Do(func() { close(d.closeCh) })
	<-d.done
	d.endMove(nil, errors.New("crd514: driver closed"))
	return nil
}

func (d *Driver) SetFaultSink(fn machine.FaultSink) {
	d.sinkMx.Lock()
	d.sink = fn
	d.sinkMx.Unlock()
}

func (d *Driver) report(faults []machine.Fault) {
	if len(faults) == 0 {
		return
	}
	d.sinkMx.Lock()
	sink := d.sink
	d.sinkMx.Unlock()
	for _, f := range faults {
		if sink != nil {
			sink(f)
		} else {
			d.log.Warn("unhandled fault", zap.Stringer("fault", f))
		}
	}
}

// transact runs fn while holding the bus lock, repeating it after timeouts
// and malformed replies. The lock is released between attempts.
func (d *Driver) transact(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; attempt <= d.cfg.Retries; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		d.mx.Lock()
		d.seq++
		err = fn()
		d.mx.Unlock()
		if err == nil || !retriable(err) {
			break
		}
		d.log.Debug("bus transaction failed", zap.String("op", op), zap.Int("attempt", attempt+1), zap.Error(err))
	}
	if err != nil {
		return errors.Wrap(err, op)
	}
	return nil
}

func (d *Driver) cmd(excited bool, bits uint16) uint16 {
	if excited {
		bits |= CmdExcitementOn
	}
	return bits
}

func (d *Driver) configure(ctx context.Context, axis int) error {
	slave := Slave(axis)
	err := multierr.Combine(
		write16(ctx, d.bus, slave, RegOpPosMode, PosModeAbsolute),
		write16(ctx, d.bus, slave, RegOpOpMode, OpModeSingle),
		write16(ctx, d.bus, slave, RegCfgStopAction, StopActionImmediate),
		write32(ctx, d.bus, slave, RegCfgStartSpeed, RateToSteps(d.cfg.StartSpeed)),
	)
	if err != nil {
		return err
	}
	lim := d.cfg.Limits[axis]
	if lim.Min >= lim.Max {
		return nil
	}
	dev := d.cfg.Deviation[axis]
	return multierr.Combine(
		write32(ctx, d.bus, slave, RegCfgPosLimitPositive, uint32(AngleToSteps(lim.Max, dev))),
		write32(ctx, d.bus, slave, RegCfgPosLimitNegative, uint32(AngleToSteps(lim.Min, dev))),
	)
}

// Enable configures every axis and energizes its motor.
func (d *Driver) Enable(ctx context.Context) error {
	for axis := 0; axis < machine.NumAxes; axis++ {
		axis := axis
		err := d.transact(ctx, fmt.Sprintf("configure motor %d", axis+1), func() error {
			return d.configure(ctx, axis)
		})
		if err != nil {
			return err
		}
		err = d.transact(ctx, fmt.Sprintf("excite motor %d", axis+1), func() error {
			err := write16(ctx, d.bus, Slave(axis), RegCmd1, CmdExcitementOn)
			if err == nil {
				d.axes[axis].excited = true
			}
			return err
		})
		if err != nil {
			return err
		}
	}
	d.log.Info("motors enabled")
	return nil
}

// Disable de-energizes every axis, attempting all of them even if one fails.
func (d *Driver) Disable(ctx context.Context) error {
	var err error
	for axis := 0; axis < machine.NumAxes; axis++ {
		axis := axis
		err = multierr.Append(err, d.transact(ctx, fmt.Sprintf("release motor %d", axis+1), func() error {
			err := write16(ctx, d.bus, Slave(axis), RegCmd1, 0)
			if err == nil {
				d.axes[axis].excited = false
			}
			return err
		}))
	}
	if err == nil {
		d.log.Info("motors disabled")
	}
	return err
}

// MoveTo loads the target of every axis and starts them together with a
// single broadcast. A Stop issued before the broadcast cancels the move and
// MoveTo returns machine.ErrStopped without starting it.
func (d *Driver) MoveTo(ctx context.Context, m machine.Motion) (*machine.Ack, error) {
	mv := &move{ack: machine.NewAck()}
	for axis := range mv.targets {
		mv.targets[axis] = AngleToSteps(m.Angles[axis], d.cfg.Deviation[axis])
	}

	d.moveMx.Lock()
	if d.move != nil {
		d.moveMx.Unlock()
		return nil, ErrBusy
	}
	d.move = mv
	d.moveMx.Unlock()

	for axis := 0; axis < machine.NumAxes; axis++ {
		axis := axis
		err := d.transact(ctx, fmt.Sprintf("load motor %d", axis+1), func() error {
			if !d.current(mv) {
				return machine.ErrStopped
			}
			if !d.axes[axis].excited {
				return ErrNotExcited
			}
			slave := Slave(axis)
			return multierr.Combine(
				write32(ctx, d.bus, slave, RegOpPos, uint32(mv.targets[axis])),
				write32(ctx, d.bus, slave, RegOpSpeed, RateToSteps(m.Speed[axis])),
				write32(ctx, d.bus, slave, RegOpAcc, RateToSteps(m.Acceleration[axis])),
				write32(ctx, d.bus, slave, RegOpDec, RateToSteps(m.Deceleration[axis])),
			)
		})
		if err != nil {
			d.endMove(mv, err)
			return nil, err
		}
	}

	err := d.transact(ctx, "start", func() error {
		// Stop detaches the move under the bus lock
		if !d.current(mv) {
			return machine.ErrStopped
		}
		err := write16(ctx, d.bus, SlaveBroadcast, RegCmd1, CmdExcitementOn|CmdStart)
		if err == nil {
			d.moveMx.Lock()
			mv.start = d.seq
			d.moveMx.Unlock()
		}
		return err
	})
	if err != nil {
		d.endMove(mv, err)
		return nil, err
	}
	d.log.Debug("move started", zap.Int32s("targets", mv.targets[:]))
	return mv.ack, nil
}

func (d *Driver) current(mv *move) bool {
	d.moveMx.Lock()
	defer d.moveMx.Unlock()
	return d.move == mv
}

// detach removes mv, or whatever move is in progress when mv is nil, and
// returns it. It returns nil if mv is no longer in progress.
func (d *Driver) detach(mv *move) *move {
	d.moveMx.Lock()
	defer d.moveMx.Unlock()
	if d.move == nil || (mv != nil && d.move != mv) {
		return nil
	}
	mv = d.move
	d.move = nil
	return mv
}

func (d *Driver) endMove(mv *move, err error) {
	if mv = d.detach(mv); mv != nil {
		mv.ack.Finish(err)
	}
}

// Stop halts every axis with one broadcast and ends the move in progress,
// including one that is still being loaded.
func (d *Driver) Stop(ctx context.Context) error {
	var stopped *move
	err := d.transact(ctx, "stop", func() error {
		excited := false
		for _, a := range d.axes {
			excited = excited || a.excited
		}
		err := write16(ctx, d.bus, SlaveBroadcast, RegCmd1, d.cmd(excited, CmdStop))
		if err == nil {
			stopped = d.detach(nil)
		}
		return err
	})
	if err != nil {
		return err
	}
	if stopped != nil {
		stopped.ack.Finish(machine.ErrStopped)
	}
	d.log.Info("motors stopped")
	return nil
}

// ResetAlarm clears latched alarms on every axis.
func (d *Driver) ResetAlarm(ctx context.Context) error {
	var err error
	for axis := 0; axis < machine.NumAxes; axis++ {
		axis := axis
		err = multierr.Append(err, d.transact(ctx, fmt.Sprintf("reset motor %d", axis+1), func() error {
			slave := Slave(axis)
			err := multierr.Combine(
				write16(ctx, d.bus, slave, RegResetAlarm, 1),
				write16(ctx, d.bus, slave, RegResetAlarm, 0),
			)
			if err == nil {
				d.axes[axis].status &^= StatusAlarm
			}
			return err
		}))
	}
	return err
}

// Status polls every axis.
func (d *Driver) Status(ctx context.Context) ([machine.NumAxes]machine.AxisStatus, error) {
	res, err := d.poll(ctx)
	return res, err
}

func (d *Driver) loop() {
	defer close(d.done)
	t := time.NewTicker(d.cfg.PollInterval)
	defer t.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-d.closeCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-d.closeCh:
			return
		case <-t.C:
		}
		_, err := d.poll(ctx)
		if err != nil && ctx.Err() == nil {
			d.log.Warn("status poll failed", zap.Error(err))
		}
	}
}

// poll reads the status of every axis, reports new faults and settles the
// move in progress.
func (d *Driver) poll(ctx context.Context) ([machine.NumAxes]machine.AxisStatus, error) {
	var res [machine.NumAxes]machine.AxisStatus
	var faults []machine.Fault
	var errs error
	var began uint64

	for axis := 0; axis < machine.NumAxes; axis++ {
		axis := axis
		err := d.transact(ctx, fmt.Sprintf("poll motor %d", axis+1), func() error {
			if began == 0 {
				began = d.seq
			}
			regs, err := d.bus.ReadRegisters(ctx, Slave(axis), RegStatus1, 1)
			if err != nil {
				return err
			}
			faults = append(faults, d.observe(axis, regs[0])...)
			res[axis] = d.axisStatus(axis)
			return nil
		})
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return res, err
		}
		errs = multierr.Append(errs, err)

		d.mx.Lock()
		first := !d.axes[axis].offline
		d.axes[axis].offline = true
		res[axis] = d.axisStatus(axis)
		d.mx.Unlock()
		if first {
			faults = append(faults, machine.Fault{
				Motor:       axis + 1,
				Severity:    machine.SeverityCommunication,
				Description: err.Error(),
				Time:        time.Now(),
			})
		}
	}

	d.report(faults)
	d.settle(began, res, errs)
	return res, errs
}

// observe records a status word and returns the faults that appeared since
// the last one. Called with the bus lock held.
func (d *Driver) observe(axis int, status uint16) []machine.Fault {
	a := &d.axes[axis]
	prev := a.status
	if !a.polled {
		prev = 0
	}
	a.status, a.polled, a.offline = status, true, false

	var res []machine.Fault
	rose := func(bit uint16) bool { return status&bit != 0 && prev&bit == 0 }
	if rose(StatusAlarm) {
		res = append(res, machine.Fault{
			Motor:       axis + 1,
			Severity:    machine.SeverityAlarm,
			Status:      status,
			Description: "driver alarm",
			Time:        time.Now(),
		})
	}
	if rose(StatusWarning) {
		res = append(res, machine.Fault{
			Motor:       axis + 1,
			Severity:    machine.SeverityWarning,
			Status:      status,
			Description: "driver warning",
			Time:        time.Now(),
		})
	}
	return res
}

// axisStatus is called with the bus lock held.
func (d *Driver) axisStatus(axis int) machine.AxisStatus {
	a := d.axes[axis]
	return machine.AxisStatus{
		Motor:   axis + 1,
		Steps:   a.steps,
		Angle:   StepsToAngle(a.steps, d.cfg.Deviation[axis]),
		Excited: a.excited,
		Ready:   a.status&StatusReady != 0,
		Moving:  a.status&StatusMove != 0,
		Warning: a.status&StatusWarning != 0,
		Alarm:   a.status&StatusAlarm != 0,
		Status:  a.status,
	}
}

// settle ends the move in progress once every axis has arrived, or as soon
// as one of them alarms or stops answering. began is the bus sequence of the
// poll's first read; polls that began before the start command say nothing
// about the move and are ignored.
func (d *Driver) settle(began uint64, status [machine.NumAxes]machine.AxisStatus, pollErr error) {
	d.moveMx.Lock()
	mv := d.move
	if mv == nil || mv.start == 0 || began <= mv.start {
		d.moveMx.Unlock()
		return
	}

	err := pollErr
	for _, s := range status {
		if err == nil && s.Alarm {
			err = &AlarmError{Motor: s.Motor, Status: s.Status}
		}
	}
	if err == nil {
		arrived := true
		for _, s := range status {
			mv.moving = mv.moving || s.Moving
			arrived = arrived && s.Ready && !s.Moving
		}
		if !arrived {
			mv.settled = 0
			d.moveMx.Unlock()
			return
		}
		// a drive may not have raised its move output yet on the first
		// poll after the start command
		mv.settled++
		if !mv.moving && mv.settled < 2 {
			d.moveMx.Unlock()
			return
		}
	}
	d.move = nil
	d.moveMx.Unlock()

	if err != nil {
		mv.ack.Finish(err)
		return
	}

	d.mx.Lock()
	for axis := range d.axes {
		d.axes[axis].steps = mv.targets[axis]
	}
	d.mx.Unlock()
	if mv.ack.Finish(nil) {
		d.log.Debug("move complete", zap.Int32s("targets", mv.targets[:]))
	}
}
