package machine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/mastercactapus/deltaplacer/coord"
	"github.com/mastercactapus/deltaplacer/gcode"
	"github.com/mastercactapus/deltaplacer/kinematics"
	"github.com/mastercactapus/deltaplacer/meshlevel"
	"go.uber.org/zap"
)

// ProgramError reports the block a program failed on.
type ProgramError struct {
	Block int
	Code  string
	Err   error
}

func (e *ProgramError) Error() string {
	return fmt.Sprintf("machine: program block %d (%s): %v", e.Block, e.Code, e.Err)
}

func (e *ProgramError) Unwrap() error { return e.Err }

// RunProgram executes a motion program, one MoveTo per block that changes
// the position. F words set the speed in degrees per second.
//
// The program starts from the current position, or from the base origin if
// it is unknown. It returns the number of blocks executed.
func (m *Machine) RunProgram(ctx context.Context, r gcode.Reader) (int, error) {
	vm := gcode.NewVM()
	if pos, ok := m.Position(); ok {
		vm.SetMPos(pos)
	}
	vm.SetFeed(kinematics.Degrees(m.speed))

	var n int
	for {
		b, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return n, err
		}
		n++

		old := vm.MPos()
		if err = vm.Run(b); err != nil {
			return n - 1, &ProgramError{Block: n, Code: b.String(), Err: err}
		}

		if d := vm.Dwell(); d > 0 {
			t := time.NewTimer(d)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return n - 1, ctx.Err()
			}
		}

		if !old.Equal(vm.MPos()) {
			err = m.MoveTo(ctx, vm.MPos(), kinematics.Radians(vm.Feed()))
			if err != nil {
				return n - 1, &ProgramError{Block: n, Code: b.String(), Err: err}
			}
		}

		if vm.Stopped() {
			break
		}
	}

	m.log.Info("program complete", zap.Int("blocks", n))
	return n, nil
}

// RunLeveled runs the program in r with its Z coordinates following the
// work surface measured at probes, splitting moves longer than granularity.
func (m *Machine) RunLeveled(ctx context.Context, r io.Reader, granularity float64, probes []coord.Point) (int, error) {
	mesh, err := meshlevel.NewMesh(probes)
	if err != nil {
		return 0, err
	}
	start, _ := m.Position()

	return m.RunProgram(ctx, meshlevel.New(meshlevel.Config{
		ZOffsetter:  mesh,
		Granularity: granularity,
		Start:       start,
		Reader:      gcode.NewParser(r),
	}))
}
