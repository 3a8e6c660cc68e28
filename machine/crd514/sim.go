package crd514

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"
)

// Sim is an in-memory bus of three simulated CRD514-KD drivers. Motion is
// simulated at constant speed from the moment a start command is written.
type Sim struct {
	mx      sync.Mutex
	axes    [3]simAxis
	latency time.Duration
	now     func() time.Time

	starts, stops int
}

type simAxis struct {
	regs map[uint16]uint16

	excited bool
	alarm   bool
	warning bool

	// constant speed motion from from to to, starting at t0
	moving   bool
	from, to float64
	speed    float64
	t0       time.Time
}

var _ Bus = &Sim{}

// NewSim returns a simulated bus with every axis idle at position zero.
func NewSim() *Sim {
	s := &Sim{now: time.Now}
	for i := range s.axes {
		s.axes[i].regs = make(map[uint16]uint16)
	}
	return s
}

// SetLatency delays every transaction by d.
func (s *Sim) SetLatency(d time.Duration) {
	s.mx.Lock()
	s.latency = d
	s.mx.Unlock()
}

// InjectAlarm latches an alarm on 1-based motor, stopping it.
func (s *Sim) InjectAlarm(motor int) {
	s.mx.Lock()
	defer s.mx.Unlock()
	a := &s.axes[motor-1]
	a.halt(s.now())
	a.alarm = true
}

// SetWarning raises or clears the warning output of 1-based motor.
func (s *Sim) SetWarning(motor int, on bool) {
	s.mx.Lock()
	s.axes[motor-1].warning = on
	s.mx.Unlock()
}

// StopCount returns the number of stop commands received, counting a
// broadcast once.
func (s *Sim) StopCount() int {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.stops
}

// StartCount returns the number of start commands received, counting a
// broadcast once.
func (s *Sim) StartCount() int {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.starts
}

// Position returns the current step position of 1-based motor.
func (s *Sim) Position(motor int) int32 {
	s.mx.Lock()
	defer s.mx.Unlock()
	return int32(math.Round(s.axes[motor-1].position(s.now())))
}

// Register returns the raw value of a register of 1-based motor.
func (s *Sim) Register(motor int, addr uint16) uint16 {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.axes[motor-1].regs[addr]
}

func (a *simAxis) position(now time.Time) float64 {
	if !a.moving {
		return a.from
	}
	travel := a.speed * now.Sub(a.t0).Seconds()
	dist := a.to - a.from
	if travel >= math.Abs(dist) {
		return a.to
	}
	return a.from + math.Copysign(travel, dist)
}

// update finishes a move whose target has been reached.
func (a *simAxis) update(now time.Time) {
	if a.moving && a.position(now) == a.to {
		a.from = a.to
		a.moving = false
	}
}

func (a *simAxis) halt(now time.Time) {
	a.from = a.position(now)
	a.moving = false
}

func (a *simAxis) status() uint16 {
	var st uint16
	if a.moving {
		st |= StatusMove
	}
	if a.alarm {
		st |= StatusAlarm
	}
	if a.warning {
		st |= StatusWarning
	}
	if a.excited && !a.moving && !a.alarm {
		st |= StatusReady
	}
	return st
}

func (a *simAxis) write(now time.Time, addr, v uint16) (start, stop bool) {
	a.regs[addr] = v
	switch addr {
	case RegCmd1:
		a.excited = v&CmdExcitementOn != 0
		switch {
		case v&CmdStop != 0:
			a.halt(now)
			return false, true
		case !a.excited:
			a.halt(now)
		case v&CmdStart != 0:
			if a.alarm {
				return true, false
			}
			a.from = a.position(now)
			a.to = float64(int32(join32(a.regs[RegOpPos], a.regs[RegOpPos+1])))
			a.speed = math.Max(1, float64(join32(a.regs[RegOpSpeed], a.regs[RegOpSpeed+1])))
			a.t0 = now
			a.moving = a.from != a.to
			return true, false
		}
	case RegResetAlarm:
		if v != 0 {
			a.alarm = false
		}
	case RegClearCounter:
		if v != 0 && !a.moving {
			a.from = 0
		}
	}
	return false, false
}

func (s *Sim) wait(ctx context.Context) error {
	s.mx.Lock()
	latency := s.latency
	s.mx.Unlock()
	if latency <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(latency)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sim) axis(slave byte) (*simAxis, error) {
	if slave < SlaveMotor1 || slave > SlaveMotor3 {
		return nil, ErrTimeout
	}
	return &s.axes[slave-1], nil
}

func (s *Sim) ReadRegisters(ctx context.Context, slave byte, addr, count uint16) ([]uint16, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}

	s.mx.Lock()
	defer s.mx.Unlock()
	a, err := s.axis(slave)
	if err != nil {
		return nil, err
	}
	now := s.now()
	a.update(now)

	res := make([]uint16, count)
	for i := range res {
		r := addr + uint16(i)
		if r == RegStatus1 {
			res[i] = a.status()
		} else {
			res[i] = a.regs[r]
		}
	}
	return res, nil
}

func (s *Sim) WriteRegisters(ctx context.Context, slave byte, addr uint16, values []uint16) error {
	if err := s.wait(ctx); err != nil {
		return err
	}

	s.mx.Lock()
	defer s.mx.Unlock()
	targets := s.axes[:]
	if slave != SlaveBroadcast {
		if _, err := s.axis(slave); err != nil {
			return err
		}
		targets = s.axes[slave-1 : slave]
	}

	now := s.now()
	var started, stopped bool
	for i := range targets {
		a := &targets[i]
		a.update(now)
		for j, v := range values {
			start, stop := a.write(now, addr+uint16(j), v)
			started = started || start
			stopped = stopped || stop
		}
	}
	if started {
		s.starts++
	}
	if stopped {
		s.stops++
	}
	return nil
}

// Handle serves one Modbus RTU request frame and returns the reply frame,
// or nil when the request is a broadcast or is not addressed to this bus.
func (s *Sim) Handle(req []byte) []byte {
	if len(req) < 4 || !validCRC(req) {
		return nil
	}
	slave, fn := req[0], req[1]
	pdu := req[:len(req)-2]
	ctx := context.Background()

	exception := func(code byte) []byte {
		if slave == SlaveBroadcast {
			return nil
		}
		return frame([]byte{slave, fn | 0x80, code})
	}
	reply := func(resp []byte, err error) []byte {
		switch {
		case err == ErrTimeout:
			return nil
		case err != nil:
			return exception(0x04)
		case slave == SlaveBroadcast:
			return nil
		}
		return frame(resp)
	}

	switch fn {
	case fnReadHolding:
		if len(pdu) != 6 || slave == SlaveBroadcast {
			return exception(0x03)
		}
		addr := binary.BigEndian.Uint16(pdu[2:])
		count := binary.BigEndian.Uint16(pdu[4:])
		if count == 0 || count > maxReadCount {
			return exception(0x03)
		}
		vals, err := s.ReadRegisters(ctx, slave, addr, count)
		resp := []byte{slave, fn, byte(2 * count)}
		for _, v := range vals {
			resp = append(resp, byte(v>>8), byte(v))
		}
		return reply(resp, err)

	case fnWriteSingle:
		if len(pdu) != 6 {
			return exception(0x03)
		}
		addr := binary.BigEndian.Uint16(pdu[2:])
		v := binary.BigEndian.Uint16(pdu[4:])
		err := s.WriteRegisters(ctx, slave, addr, []uint16{v})
		return reply(append([]byte(nil), pdu...), err)

	case fnWriteMultiple:
		if len(pdu) < 7 {
			return exception(0x03)
		}
		addr := binary.BigEndian.Uint16(pdu[2:])
		count := int(binary.BigEndian.Uint16(pdu[4:]))
		if count == 0 || int(pdu[6]) != 2*count || len(pdu) != 7+2*count {
			return exception(0x03)
		}
		vals := make([]uint16, count)
		for i := range vals {
			vals[i] = binary.BigEndian.Uint16(pdu[7+2*i:])
		}
		err := s.WriteRegisters(ctx, slave, addr, vals)
		return reply(append([]byte(nil), pdu[:6]...), err)
	}

	return exception(0x01)
}

func (s *Sim) String() string {
	s.mx.Lock()
	defer s.mx.Unlock()
	now := s.now()
	return fmt.Sprintf("sim[%.0f %.0f %.0f]",
		s.axes[0].position(now), s.axes[1].position(now), s.axes[2].position(now))
}
