package gcode

import (
	"errors"
	"fmt"
	"time"

	"github.com/mastercactapus/deltaplacer/coord"
)

var (
	// ErrUnsupported is returned for codes the controller cannot run.
	ErrUnsupported = errors.New("unsupported code")
	// ErrEnded is returned for blocks after M0, M2 or M30.
	ErrEnded = errors.New("program already ended")
)

const mmPerInch = 25.4

// VM tracks the state of a running program and the position it commands.
//
// Positions are in millimetres in the robot base frame (MPos). Programs may
// shift their own origin with G92, giving work coordinates (WPos).
type VM struct {
	pos coord.Point
	wco coord.Point

	modal map[ModalGroup]Word

	feed    float64
	dwell   time.Duration
	stopped bool
}

// NewVM returns a VM in absolute millimetre mode with rapid motion.
func NewVM() *VM {
	return &VM{modal: map[ModalGroup]Word{
		ModalGroupMotion:       Rapid,
		ModalGroupDistanceMode: Absolute,
		ModalGroupUnits:        Millimeters,
	}}
}

// Modal returns the active word of group g.
func (vm VM) Modal(g ModalGroup) Word { return vm.modal[g] }

func (vm VM) Inches() bool         { return vm.modal[ModalGroupUnits] == Inches }
func (vm VM) RelativeMotion() bool { return vm.modal[ModalGroupDistanceMode] == Incremental }

func (vm VM) MPos() coord.Point      { return vm.pos }
func (vm *VM) SetMPos(p coord.Point) { vm.pos = p }
func (vm VM) WPos() coord.Point      { return vm.pos.Sub(vm.wco) }
func (vm VM) WCO() coord.Point       { return vm.wco }
func (vm *VM) SetWCO(p coord.Point)  { vm.wco = p }

// Feed returns the last programmed F word, or 0 if none was given.
func (vm VM) Feed() float64 { return vm.feed }

// SetFeed sets the feed used until the program sets its own.
func (vm *VM) SetFeed(f float64) { vm.feed = f }

// Dwell returns the pause requested by the last block run.
func (vm VM) Dwell() time.Duration { return vm.dwell }

// Stopped reports whether the program has ended with M0, M2 or M30.
func (vm VM) Stopped() bool { return vm.stopped }

func supported(w Word) bool {
	if w.IsCode() {
		return w.ModalGroup() != ModalGroupNone
	}
	switch w.W {
	case 'X', 'Y', 'Z', 'F', 'P', 'N':
		return true
	}
	return false
}

// target returns p with the axis words of args set, scaled by unit.
func target(p coord.Point, args Block, unit float64) coord.Point {
	if ok, v := args.Arg('X'); ok {
		p.X = v * unit
	}
	if ok, v := args.Arg('Y'); ok {
		p.Y = v * unit
	}
	if ok, v := args.Arg('Z'); ok {
		p.Z = v * unit
	}
	return p
}

func hasAxis(b Block) bool {
	for _, w := range b {
		if w.IsAxis() {
			return true
		}
	}
	return false
}

// Run applies one block.
func (vm *VM) Run(b Block) error {
	if err := b.Validate(); err != nil {
		return err
	}
	if vm.stopped {
		return ErrEnded
	}
	vm.dwell = 0

	for _, w := range b {
		if !supported(w) {
			return fmt.Errorf("%w: %s", ErrUnsupported, w)
		}
	}
	for _, w := range b {
		switch g := w.ModalGroup(); g {
		case ModalGroupNone, ModalGroupNonModal:
		case ModalGroupFeedRate:
			if w.Arg <= 0 {
				return fmt.Errorf("feed must be positive: %s", w)
			}
			vm.feed = w.Arg
		case ModalGroupStopping:
			vm.stopped = true
		default:
			vm.modal[g] = w
		}
	}

	unit := 1.0
	if vm.Inches() {
		unit = mmPerInch
	}

	args := b.Args()
	hasP, _ := args.Arg('P')
	switch {
	case b.Has(Dwell):
		ok, sec := args.Arg('P')
		if !ok || sec < 0 {
			return errors.New("G4 requires a non-negative P word")
		}
		vm.dwell = time.Duration(sec * float64(time.Second))
		return nil
	case hasP:
		return errors.New("P word without G4")
	case b.Has(SetWorkOffset):
		// the current position takes the given work coordinates
		vm.wco = vm.pos.Sub(target(vm.WPos(), args, unit))
		return nil
	case !hasAxis(args):
		return nil
	case b.Has(MachineCoords):
		vm.pos = target(vm.pos, args, unit)
	case vm.RelativeMotion():
		vm.pos = vm.pos.Add(target(coord.Point{}, args, unit))
	default:
		vm.pos = target(vm.WPos(), args, unit).Add(vm.wco)
	}
	return nil
}
