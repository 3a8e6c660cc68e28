package machine_test

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mastercactapus/deltaplacer/boundary"
	"github.com/mastercactapus/deltaplacer/coord"
	"github.com/mastercactapus/deltaplacer/gcode"
	"github.com/mastercactapus/deltaplacer/kinematics"
	"github.com/mastercactapus/deltaplacer/machine"
	"github.com/mastercactapus/deltaplacer/machine/crd514"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

var (
	home = coord.Point{Z: -120}
	fast = kinematics.Radians(720)
	slow = kinematics.Radians(2)
)

func newSolver(t *testing.T) *kinematics.Solver {
	t.Helper()
	s, err := kinematics.NewSolver(kinematics.Nominal())
	require.NoError(t, err)
	return s
}

func newMachine(t *testing.T, opts ...machine.Option) (*machine.Machine, *crd514.Sim) {
	t.Helper()
	sim := crd514.NewSim()
	d := crd514.New(sim, crd514.Config{
		PollInterval: 2 * time.Millisecond,
		Logger:       zaptest.NewLogger(t),
	})
	t.Cleanup(func() { d.Close() })

	opts = append([]machine.Option{machine.WithLogger(zaptest.NewLogger(t))}, opts...)
	return machine.New(d, newSolver(t), opts...), sim
}

func waitState(t *testing.T, m *machine.Machine, s machine.State) {
	t.Helper()
	require.Eventually(t, func() bool { return m.State() == s }, 5*time.Second, time.Millisecond, "want %s, have %s", s, m.State())
}

// moveAsync starts a MoveTo and returns the channel its result is sent on.
func moveAsync(ctx context.Context, m *machine.Machine, p coord.Point, speed float64) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- m.MoveTo(ctx, p, speed) }()
	return ch
}

// waitStarted waits for the motors to have been sent n start commands.
func waitStarted(t *testing.T, sim *crd514.Sim, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return sim.StartCount() >= n }, 5*time.Second, time.Millisecond)
}

func result(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for MoveTo")
		return nil
	}
}

func TestMachine_PowerCycle(t *testing.T) {
	m, sim := newMachine(t)
	ctx := context.Background()

	assert.Equal(t, machine.PoweredOff, m.State())
	err := m.MoveTo(ctx, home, fast)
	assert.ErrorIs(t, err, machine.ErrInvalidTransition)
	assert.Zero(t, sim.StartCount())

	require.NoError(t, m.Stop(ctx), "stop is always allowed")
	assert.ErrorIs(t, m.PowerOff(ctx), machine.ErrInvalidTransition)
	assert.ErrorIs(t, m.Reset(ctx), machine.ErrInvalidTransition)

	require.NoError(t, m.PowerOn(ctx))
	assert.Equal(t, machine.PoweredOn, m.State())
	assert.ErrorIs(t, m.PowerOn(ctx), machine.ErrInvalidTransition)
	_, known := m.Position()
	assert.False(t, known)

	require.NoError(t, m.MoveTo(ctx, home, fast))
	pos, known := m.Position()
	assert.True(t, known)
	assert.Equal(t, home, pos)
	assert.Equal(t, machine.PoweredOn, m.State())

	want, err := m.Solver().Solve(home)
	require.NoError(t, err)
	assert.Equal(t, want, m.Angles())
	assert.Equal(t, crd514.AngleToSteps(want[0], 0), sim.Position(1))

	require.NoError(t, m.PowerOff(ctx))
	assert.Equal(t, machine.PoweredOff, m.State())
	assert.Zero(t, sim.Register(1, crd514.RegCmd1)&crd514.CmdExcitementOn)
}

func TestMachine_MoveRejected(t *testing.T) {
	m, sim := newMachine(t)
	ctx := context.Background()
	require.NoError(t, m.PowerOn(ctx))

	err := m.MoveTo(ctx, coord.Point{Z: 1000}, fast)
	assert.ErrorIs(t, err, kinematics.ErrUnreachable)

	err = m.MoveTo(ctx, coord.Point{Y: 70, Z: -120}, fast)
	assert.ErrorIs(t, err, kinematics.ErrJointLimitExceeded)

	err = m.MoveTo(ctx, home, 0)
	assert.ErrorIs(t, err, machine.ErrInvalidSpeed)

	assert.Equal(t, machine.PoweredOn, m.State())
	assert.Zero(t, sim.StartCount(), "nothing is commanded for a rejected target")
}

func TestMachine_Boundaries(t *testing.T) {
	m, sim := newMachine(t)
	ctx := context.Background()
	require.NoError(t, m.PowerOn(ctx))
	assert.False(t, m.HasBoundaries())

	require.NoError(t, m.GenerateBoundaries(ctx, 10))
	require.True(t, m.HasBoundaries())
	v := m.Boundaries()
	assert.True(t, v.Reachable(home))

	// inside the envelope but never solvable
	p := coord.Point{X: 140, Y: 140, Z: -10}
	require.False(t, v.Reachable(p))
	err := m.MoveTo(ctx, p, fast)
	assert.ErrorIs(t, err, kinematics.ErrUnreachable)
	assert.Zero(t, sim.StartCount())

	require.NoError(t, m.MoveTo(ctx, home, fast))
}

func TestMachine_Stop(t *testing.T) {
	m, sim := newMachine(t)
	ctx := context.Background()
	require.NoError(t, m.PowerOn(ctx))

	ch := moveAsync(ctx, m, home, slow)
	waitState(t, m, machine.Moving)
	waitStarted(t, sim, 1)

	err := m.MoveTo(ctx, coord.Point{Z: -100}, fast)
	assert.ErrorIs(t, err, machine.ErrInvalidTransition, "one move at a time")

	require.NoError(t, m.Stop(ctx))
	assert.ErrorIs(t, result(t, ch), machine.ErrStopped)
	assert.Equal(t, machine.PoweredOn, m.State())
	assert.Equal(t, 1, sim.StopCount())
	assert.Equal(t, 1, sim.StartCount())

	_, known := m.Position()
	assert.False(t, known)

	require.NoError(t, m.MoveTo(ctx, home, fast), "usable again after a stop")
}

func TestMachine_StopWhileLoading(t *testing.T) {
	m, sim := newMachine(t)
	ctx := context.Background()
	require.NoError(t, m.PowerOn(ctx))
	require.NoError(t, m.MoveTo(ctx, home, fast))
	steps := sim.Position(1)

	sim.SetLatency(10 * time.Millisecond)
	ch := moveAsync(ctx, m, coord.Point{X: 30, Z: -120}, slow)
	waitState(t, m, machine.Moving)
	time.Sleep(25 * time.Millisecond)
	require.NoError(t, m.Stop(ctx))

	assert.ErrorIs(t, result(t, ch), machine.ErrStopped)
	assert.Equal(t, machine.PoweredOn, m.State())
	assert.Equal(t, 1, sim.StopCount())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, sim.StartCount(), "only the first move was started")
	assert.Equal(t, steps, sim.Position(1))
	assert.Zero(t, sim.Register(1, crd514.RegCmd1)&crd514.CmdStart)

	pos, known := m.Position()
	assert.True(t, known, "the motors never left home")
	assert.Equal(t, home, pos)
}

func TestMachine_StopDuringRebuild(t *testing.T) {
	m, sim := newMachine(t)
	ctx := context.Background()
	require.NoError(t, m.PowerOn(ctx))

	buildCtx, cancel := context.WithCancel(ctx)
	built := make(chan error, 1)
	go func() { built <- m.GenerateBoundaries(buildCtx, 0.5) }()
	defer func() {
		cancel()
		<-built
	}()
	require.Eventually(t, m.Building, 5*time.Second, time.Millisecond)

	ch := moveAsync(ctx, m, home, slow)
	waitState(t, m, machine.Moving)
	waitStarted(t, sim, 1)
	require.NoError(t, m.Stop(ctx))
	assert.ErrorIs(t, result(t, ch), machine.ErrStopped)
	assert.Equal(t, machine.PoweredOn, m.State())
	assert.Equal(t, 1, sim.StopCount())

	ch = moveAsync(ctx, m, coord.Point{Z: -110}, slow)
	waitStarted(t, sim, 2)
	sim.InjectAlarm(1)
	assert.ErrorIs(t, result(t, ch), machine.ErrHardwareAlarm)
	assert.Equal(t, machine.Faulted, m.State())

	assert.True(t, m.Building(), "the rebuild is still running")
}

func TestMachine_Cancel(t *testing.T) {
	m, sim := newMachine(t)
	require.NoError(t, m.PowerOn(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := m.MoveTo(ctx, home, slow)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, machine.PoweredOn, m.State())
	assert.Equal(t, 1, sim.StopCount())
}

func TestMachine_PowerOffWhileMoving(t *testing.T) {
	m, sim := newMachine(t)
	ctx := context.Background()
	require.NoError(t, m.PowerOn(ctx))

	ch := moveAsync(ctx, m, home, slow)
	waitState(t, m, machine.Moving)

	require.NoError(t, m.PowerOff(ctx))
	assert.ErrorIs(t, result(t, ch), machine.ErrStopped)
	assert.Equal(t, machine.PoweredOff, m.State())
	assert.Equal(t, 1, sim.StopCount())
}

func TestMachine_Alarm(t *testing.T) {
	m, sim := newMachine(t)
	ctx := context.Background()

	var calls atomic.Int32
	var faultMx sync.Mutex
	var fault machine.Fault
	m.OnFault(func(f machine.Fault) {
		calls.Add(1)
		faultMx.Lock()
		fault = f
		faultMx.Unlock()
	})

	require.NoError(t, m.PowerOn(ctx))
	ch := moveAsync(ctx, m, home, slow)
	waitState(t, m, machine.Moving)
	waitStarted(t, sim, 1)

	sim.InjectAlarm(2)
	err := result(t, ch)
	assert.ErrorIs(t, err, machine.ErrHardwareAlarm)
	assert.Equal(t, machine.Faulted, m.State())

	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 1, calls.Load())
	faultMx.Lock()
	assert.Equal(t, 2, fault.Motor)
	assert.Equal(t, machine.SeverityAlarm, fault.Severity)
	faultMx.Unlock()

	assert.ErrorIs(t, m.MoveTo(ctx, home, fast), machine.ErrInvalidTransition)
	assert.ErrorIs(t, m.PowerOn(ctx), machine.ErrInvalidTransition)

	require.NoError(t, m.Reset(ctx))
	assert.Equal(t, machine.PoweredOff, m.State())
	require.NoError(t, m.PowerOn(ctx))
	require.NoError(t, m.MoveTo(ctx, home, fast))
}

func TestMachine_AlarmWhileIdle(t *testing.T) {
	m, sim := newMachine(t)
	ctx := context.Background()
	require.NoError(t, m.PowerOn(ctx))

	sim.InjectAlarm(3)
	waitState(t, m, machine.Faulted)
}

func TestMachine_WarningIgnored(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	m, sim := newMachine(t, machine.WithLogger(zap.New(core)))
	ctx := context.Background()
	var calls atomic.Int32
	m.OnFault(func(machine.Fault) { calls.Add(1) })
	require.NoError(t, m.PowerOn(ctx))

	sim.SetWarning(1, true)
	require.Eventually(t, func() bool {
		for e := range drain(m.Events()) {
			if e.Type == "fault" && e.Fault.Severity == machine.SeverityWarning {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)

	assert.Zero(t, calls.Load())
	assert.Equal(t, machine.PoweredOn, m.State())

	entries := logs.FilterMessage("motor warning").All()
	require.Len(t, entries, 1)
	assert.EqualValues(t, 1, entries[0].ContextMap()["motor"])
}

func drain(ch <-chan machine.Event) <-chan machine.Event {
	res := make(chan machine.Event, cap(ch))
	defer close(res)
	for {
		select {
		case e := <-ch:
			res <- e
		default:
			return res
		}
	}
}

func TestMachine_RunProgram(t *testing.T) {
	var j memJournal
	m, _ := newMachine(t, machine.WithJournal(&j))
	ctx := context.Background()
	require.NoError(t, m.PowerOn(ctx))

	prog := strings.Join([]string{
		"G21 G90",
		"G0 X0 Y0 Z-120",
		"G1 X10 F720",
		"G4 P0.01",
		"G91 G1 Y-5",
		"M2",
		"G0 Z-100",
	}, "\n")
	n, err := m.RunProgram(ctx, gcode.NewParser(strings.NewReader(prog)))
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	pos, known := m.Position()
	require.True(t, known)
	assert.True(t, pos.Equal(coord.Point{X: 10, Y: -5, Z: -120}), "at %s", pos)

	moves := j.moveList()
	require.Len(t, moves, 3)
	assert.InDelta(t, kinematics.Radians(720), moves[1].Speed, 1e-9)
	for _, rec := range moves {
		assert.NoError(t, rec.Err)
	}
}

func TestMachine_RunProgramError(t *testing.T) {
	m, _ := newMachine(t)
	ctx := context.Background()
	require.NoError(t, m.PowerOn(ctx))

	prog := "G0 Z-120\nG0 Z500\nG0 Z-100\n"
	n, err := m.RunProgram(ctx, gcode.NewParser(strings.NewReader(prog)))
	assert.Equal(t, 1, n)
	var perr *machine.ProgramError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 2, perr.Block)
	assert.ErrorIs(t, err, kinematics.ErrUnreachable)
}

type memJournal struct {
	mx     sync.Mutex
	moves  []machine.MoveRecord
	faults []machine.Fault
	vols   map[string]*boundary.Volume
}

func (j *memJournal) RecordMove(_ context.Context, rec machine.MoveRecord) error {
	j.mx.Lock()
	defer j.mx.Unlock()
	j.moves = append(j.moves, rec)
	return nil
}

func (j *memJournal) RecordFault(_ context.Context, f machine.Fault) error {
	j.mx.Lock()
	defer j.mx.Unlock()
	j.faults = append(j.faults, f)
	return nil
}

func (j *memJournal) SaveBoundaries(_ context.Context, key string, v *boundary.Volume) error {
	j.mx.Lock()
	defer j.mx.Unlock()
	if j.vols == nil {
		j.vols = make(map[string]*boundary.Volume)
	}
	j.vols[key] = v
	return nil
}

func (j *memJournal) LoadBoundaries(_ context.Context, key string, voxelSize float64) (*boundary.Volume, error) {
	j.mx.Lock()
	defer j.mx.Unlock()
	v := j.vols[key]
	if v == nil || v.VoxelSize() != voxelSize {
		return nil, nil
	}
	return v, nil
}

func (j *memJournal) moveList() []machine.MoveRecord {
	j.mx.Lock()
	defer j.mx.Unlock()
	return append([]machine.MoveRecord(nil), j.moves...)
}

func TestMachine_RestoreBoundaries(t *testing.T) {
	var j memJournal
	ctx := context.Background()

	m, _ := newMachine(t, machine.WithJournal(&j))
	ok, err := m.RestoreBoundaries(ctx, 10)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, m.GenerateBoundaries(ctx, 10))

	m2, _ := newMachine(t, machine.WithJournal(&j))
	ok, err = m2.RestoreBoundaries(ctx, 20)
	require.NoError(t, err)
	assert.False(t, ok, "different voxel size")

	ok, err = m2.RestoreBoundaries(ctx, 10)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, m.Boundaries().Count(), m2.Boundaries().Count())
}
