package crd514

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mastercactapus/deltaplacer/kinematics"
	"github.com/mastercactapus/deltaplacer/machine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type faultLog struct {
	mx     sync.Mutex
	faults []machine.Fault
}

func (l *faultLog) add(f machine.Fault) {
	l.mx.Lock()
	l.faults = append(l.faults, f)
	l.mx.Unlock()
}

func (l *faultLog) count(sev machine.Severity) int {
	l.mx.Lock()
	defer l.mx.Unlock()
	var n int
	for _, f := range l.faults {
		if f.Severity == sev {
			n++
		}
	}
	return n
}

func newTestDriver(t *testing.T, bus Bus, cfg Config) (*Driver, *faultLog) {
	t.Helper()
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 2 * time.Millisecond
	}
	cfg.Logger = zaptest.NewLogger(t)
	d := New(bus, cfg)
	t.Cleanup(func() { d.Close() })

	var l faultLog
	d.SetFaultSink(l.add)
	return d, &l
}

func waitAck(t *testing.T, ack *machine.Ack) error {
	t.Helper()
	select {
	case <-ack.Done():
		return ack.Err()
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for move to finish")
		return nil
	}
}

func motion(speed float64, angles ...float64) machine.Motion {
	var m machine.Motion
	copy(m.Angles[:], angles)
	for i := range m.Speed {
		m.Speed[i] = speed
		m.Acceleration[i] = 100
		m.Deceleration[i] = 100
	}
	return m
}

func TestDriver_Enable(t *testing.T) {
	sim := NewSim()
	d, _ := newTestDriver(t, sim, Config{
		Limits: [3]kinematics.Range{{Min: -1, Max: 1}},
	})
	ctx := context.Background()

	require.NoError(t, d.Enable(ctx))
	for m := 1; m <= 3; m++ {
		assert.Equal(t, PosModeAbsolute, sim.Register(m, RegOpPosMode), "motor %d", m)
		assert.Equal(t, StopActionImmediate, sim.Register(m, RegCfgStopAction), "motor %d", m)
		assert.Equal(t, CmdExcitementOn, sim.Register(m, RegCmd1), "motor %d", m)
	}
	hi, lo := sim.Register(1, RegCfgPosLimitPositive), sim.Register(1, RegCfgPosLimitPositive+1)
	assert.Equal(t, AngleToSteps(1, 0), int32(join32(hi, lo)))
	assert.Zero(t, sim.Register(2, RegCfgPosLimitPositive+1), "no limits configured")

	st, err := d.Status(ctx)
	require.NoError(t, err)
	for _, s := range st {
		assert.True(t, s.Excited)
		assert.True(t, s.Ready)
		assert.False(t, s.Alarm)
	}

	require.NoError(t, d.Disable(ctx))
	assert.Zero(t, sim.Register(2, RegCmd1))
}

func TestDriver_Move(t *testing.T) {
	sim := NewSim()
	dev := [3]float64{0.01, 0, -0.01}
	d, _ := newTestDriver(t, sim, Config{Deviation: dev})
	ctx := context.Background()

	_, err := d.MoveTo(ctx, motion(10, 0.1, 0.2, -0.1))
	assert.ErrorIs(t, err, ErrNotExcited)
	assert.Zero(t, sim.StartCount())

	require.NoError(t, d.Enable(ctx))
	ack, err := d.MoveTo(ctx, motion(10, 0.1, 0.2, -0.1))
	require.NoError(t, err)
	require.NoError(t, waitAck(t, ack))

	assert.Equal(t, 1, sim.StartCount())
	assert.Equal(t, AngleToSteps(0.1, dev[0]), sim.Position(1))
	assert.Equal(t, AngleToSteps(0.2, dev[1]), sim.Position(2))
	assert.Equal(t, AngleToSteps(-0.1, dev[2]), sim.Position(3))

	st, err := d.Status(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.1, st[0].Angle, StepAngle)
	assert.InDelta(t, -0.1, st[2].Angle, StepAngle)

	// moving to where the axes already are still completes
	ack, err = d.MoveTo(ctx, motion(10, 0.1, 0.2, -0.1))
	require.NoError(t, err)
	assert.NoError(t, waitAck(t, ack))
}

func TestDriver_Stop(t *testing.T) {
	sim := NewSim()
	d, _ := newTestDriver(t, sim, Config{})
	ctx := context.Background()
	require.NoError(t, d.Enable(ctx))

	ack, err := d.MoveTo(ctx, motion(0.01, 1, 1, 1))
	require.NoError(t, err)

	_, err = d.MoveTo(ctx, motion(0.01, 0, 0, 0))
	assert.ErrorIs(t, err, ErrBusy)

	require.NoError(t, d.Stop(ctx))
	assert.ErrorIs(t, waitAck(t, ack), machine.ErrStopped)
	assert.Equal(t, 1, sim.StopCount())
	assert.Equal(t, 1, sim.StartCount())
	assert.Less(t, sim.Position(1), AngleToSteps(1, 0))

	// still energized after a stop
	assert.Equal(t, CmdExcitementOn|CmdStop, sim.Register(1, RegCmd1))
}

func TestDriver_StopWhileLoading(t *testing.T) {
	sim := NewSim()
	d, _ := newTestDriver(t, sim, Config{})
	ctx := context.Background()
	require.NoError(t, d.Enable(ctx))
	sim.SetLatency(5 * time.Millisecond)

	errCh := make(chan error, 1)
	go func() {
		_, err := d.MoveTo(ctx, motion(0.01, 1, 1, 1))
		errCh <- err
	}()
	// loading takes twelve writes, the stop lands in the middle of them
	time.Sleep(15 * time.Millisecond)
	require.NoError(t, d.Stop(ctx))

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, machine.ErrStopped)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for MoveTo")
	}
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, sim.StartCount(), "a stopped move is never started")
	assert.Equal(t, 1, sim.StopCount())
	assert.Zero(t, sim.Position(1))

	sim.SetLatency(0)
	ack, err := d.MoveTo(ctx, motion(10, 0.1, 0.1, 0.1))
	require.NoError(t, err, "the next move is accepted")
	assert.NoError(t, waitAck(t, ack))
}

func TestDriver_MoveIgnoresStalePolls(t *testing.T) {
	sim := NewSim()
	d, _ := newTestDriver(t, sim, Config{PollInterval: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, d.Enable(ctx))
	sim.SetLatency(2 * time.Millisecond)

	// callers polling alongside the poller keep the bus contended
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				d.Status(ctx)
			}
		}()
	}
	defer wg.Wait()
	defer cancel()

	for i := 0; i < 5; i++ {
		ack, err := d.MoveTo(ctx, motion(0.01, float64(i+1), float64(i+1), float64(i+1)))
		require.NoError(t, err)
		select {
		case <-ack.Done():
			t.Fatalf("move %d finished early: %v", i, ack.Err())
		case <-time.After(50 * time.Millisecond):
		}
		require.NoError(t, d.Stop(ctx))
		assert.ErrorIs(t, waitAck(t, ack), machine.ErrStopped)
	}
}

func TestDriver_Alarm(t *testing.T) {
	sim := NewSim()
	d, faults := newTestDriver(t, sim, Config{})
	ctx := context.Background()
	require.NoError(t, d.Enable(ctx))

	ack, err := d.MoveTo(ctx, motion(0.01, 1, 1, 1))
	require.NoError(t, err)
	sim.InjectAlarm(2)

	err = waitAck(t, ack)
	assert.ErrorIs(t, err, machine.ErrHardwareAlarm)
	var alarm *AlarmError
	require.True(t, errors.As(err, &alarm))
	assert.Equal(t, 2, alarm.Motor)
	assert.NotZero(t, alarm.Status&StatusAlarm)

	// the alarm stays latched across many polls but is reported once
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, faults.count(machine.SeverityAlarm))

	require.NoError(t, d.ResetAlarm(ctx))
	st, err := d.Status(ctx)
	require.NoError(t, err)
	assert.False(t, st[1].Alarm)

	sim.InjectAlarm(2)
	assert.Eventually(t, func() bool { return faults.count(machine.SeverityAlarm) == 2 }, time.Second, time.Millisecond)
}

func TestDriver_Warning(t *testing.T) {
	sim := NewSim()
	d, faults := newTestDriver(t, sim, Config{})
	require.NoError(t, d.Enable(context.Background()))

	sim.SetWarning(3, true)
	assert.Eventually(t, func() bool { return faults.count(machine.SeverityWarning) == 1 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, faults.count(machine.SeverityWarning))
	assert.Zero(t, faults.count(machine.SeverityAlarm))
}

// flakyBus fails every transaction while down is set.
type flakyBus struct {
	Bus
	down atomic.Bool
}

func (b *flakyBus) ReadRegisters(ctx context.Context, slave byte, addr, count uint16) ([]uint16, error) {
	if b.down.Load() {
		return nil, ErrTimeout
	}
	return b.Bus.ReadRegisters(ctx, slave, addr, count)
}

func (b *flakyBus) WriteRegisters(ctx context.Context, slave byte, addr uint16, values []uint16) error {
	if b.down.Load() {
		return ErrTimeout
	}
	return b.Bus.WriteRegisters(ctx, slave, addr, values)
}

func TestDriver_CommunicationFault(t *testing.T) {
	bus := &flakyBus{Bus: NewSim()}
	d, faults := newTestDriver(t, bus, Config{Retries: 1})
	ctx := context.Background()
	require.NoError(t, d.Enable(ctx))

	ack, err := d.MoveTo(ctx, motion(0.01, 1, 1, 1))
	require.NoError(t, err)

	bus.down.Store(true)
	err = waitAck(t, ack)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.NotErrorIs(t, err, machine.ErrStopped)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 3, faults.count(machine.SeverityCommunication), "one per axis per outage")

	bus.down.Store(false)
	_, err = d.Status(ctx)
	require.NoError(t, err)
	bus.down.Store(true)
	assert.Eventually(t, func() bool { return faults.count(machine.SeverityCommunication) == 6 }, time.Second, time.Millisecond)
}
