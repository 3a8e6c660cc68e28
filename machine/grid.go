package machine

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/mastercactapus/deltaplacer/coord"
	"github.com/mastercactapus/deltaplacer/gcode"
)

// GridOptions describe a rectangular tray of cells visited in a serpentine
// pattern, dipping into each one.
type GridOptions struct {
	// Origin is the first cell at travel height, in machine coordinates.
	Origin coord.Point `json:"origin"`

	DistanceX float64 `json:"distance_x"`
	DistanceY float64 `json:"distance_y"`
	// Pitch is the largest spacing between neighbouring cells.
	Pitch float64 `json:"pitch"`

	// Depth is how far below Origin.Z each cell is entered; zero skips
	// the dip.
	Depth float64 `json:"depth"`
	// Dwell is the time spent at the bottom of a dip, in seconds.
	Dwell float64 `json:"dwell"`
	// Speed in degrees per second; zero keeps the current speed.
	Speed float64 `json:"speed"`
}

// ErrInvalidGrid is returned for grid options that describe no grid.
var ErrInvalidGrid = errors.New("invalid grid")

func (opt GridOptions) validate() error {
	switch {
	case !(opt.Pitch > 0):
		return fmt.Errorf("%w: pitch must be positive", ErrInvalidGrid)
	case opt.DistanceX < 0 || opt.DistanceY < 0:
		return fmt.Errorf("%w: distances must not be negative", ErrInvalidGrid)
	case opt.Depth < 0 || opt.Dwell < 0 || opt.Speed < 0:
		return fmt.Errorf("%w: negative depth, dwell or speed", ErrInvalidGrid)
	}
	return nil
}

func gridSteps(dist, pitch float64) (int, float64) {
	n := int(math.Ceil(dist / pitch))
	if n == 0 {
		return 0, 0
	}
	return n, dist / float64(n)
}

func machineMove(motion gcode.Word, axes ...gcode.Word) gcode.Block {
	return append(gcode.Block{gcode.MachineCoords, motion}, axes...)
}

// Blocks generates the program for the grid. It ends back over Origin.
func (opt GridOptions) Blocks() ([]gcode.Block, error) {
	if err := opt.validate(); err != nil {
		return nil, err
	}
	xCount, xStep := gridSteps(opt.DistanceX, opt.Pitch)
	yCount, yStep := gridSteps(opt.DistanceY, opt.Pitch)
	o := opt.Origin

	var b []gcode.Block
	if opt.Speed > 0 {
		b = append(b, gcode.Block{{W: 'F', Arg: opt.Speed}})
	}
	b = append(b, machineMove(gcode.Rapid, gcode.Word{W: 'Z', Arg: o.Z}))

	visit := func(x, y float64) {
		b = append(b, machineMove(gcode.Rapid, gcode.Word{W: 'X', Arg: x}, gcode.Word{W: 'Y', Arg: y}))
		if opt.Depth == 0 {
			return
		}
		b = append(b, machineMove(gcode.Linear, gcode.Word{W: 'Z', Arg: o.Z - opt.Depth}))
		if opt.Dwell > 0 {
			b = append(b, gcode.Block{gcode.Dwell, {W: 'P', Arg: opt.Dwell}})
		}
		b = append(b, machineMove(gcode.Linear, gcode.Word{W: 'Z', Arg: o.Z}))
	}

	for y := 0; y <= yCount; y++ {
		for x := 0; x <= xCount; x++ {
			col := x
			if y%2 != 0 {
				col = xCount - x
			}
			visit(o.X+float64(col)*xStep, o.Y+float64(y)*yStep)
		}
	}

	b = append(b, machineMove(gcode.Rapid, gcode.Word{W: 'X', Arg: o.X}, gcode.Word{W: 'Y', Arg: o.Y}))
	return b, nil
}

// RunGrid runs the grid program described by opt.
func (m *Machine) RunGrid(ctx context.Context, opt GridOptions) (int, error) {
	blocks, err := opt.Blocks()
	if err != nil {
		return 0, err
	}
	return m.RunProgram(ctx, &gcode.BlocksReader{Blocks: blocks})
}
