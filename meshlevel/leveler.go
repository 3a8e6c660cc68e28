package meshlevel

import (
	"math"

	"github.com/mastercactapus/deltaplacer/coord"
	"github.com/mastercactapus/deltaplacer/gcode"
)

// ZOffsetter reports the surface height at a point of the XY plane. ok is
// false outside the measured area.
type ZOffsetter interface {
	OffsetZ(x, y float64) (ok bool, z float64)
}

// SurfaceFunc adapts a plain function to ZOffsetter.
type SurfaceFunc func(x, y float64) (bool, float64)

func (f SurfaceFunc) OffsetZ(x, y float64) (bool, float64) { return f(x, y) }

var flat = SurfaceFunc(func(x, y float64) (bool, float64) { return false, 0 })

// Leveler is a gcode.Reader that splits long moves of another Reader and
// shifts their Z by the change in surface height along the way.
type Leveler struct {
	granularity float64
	offsetter   ZOffsetter

	buf []gcode.Block

	// surface height programs are relative to, and the Z shift applied
	// at the last position
	ref    float64
	hasRef bool
	shift  float64

	splitVM *gcode.VM
	levelVM *gcode.VM

	gr gcode.Reader
}

type Config struct {
	// ZOffsetter describes the surface; nil leaves programs unchanged.
	ZOffsetter ZOffsetter
	// Granularity is the longest XY distance of a single move.
	Granularity float64
	// Start is the position of the effector before the program runs.
	Start coord.Point

	Reader gcode.Reader
}

func New(cfg Config) *Leveler {
	l := &Leveler{
		splitVM: gcode.NewVM(),
		levelVM: gcode.NewVM(),

		granularity: cfg.Granularity,
		gr:          cfg.Reader,
		offsetter:   cfg.ZOffsetter,
	}
	if l.offsetter == nil {
		l.offsetter = flat
	}
	l.splitVM.SetMPos(cfg.Start)
	l.levelVM.SetMPos(cfg.Start)
	l.hasRef, l.ref = l.offsetter.OffsetZ(cfg.Start.X, cfg.Start.Y)

	return l
}

func (l *Leveler) Read() (gcode.Block, error) {
	b, err := l.next()
	if err != nil {
		return nil, err
	}

	oldPos := l.levelVM.MPos()
	err = l.levelVM.Run(b)
	if err != nil {
		return nil, err
	}
	newPos := l.levelVM.MPos()
	if oldPos.Equal(newPos) || b.Has(gcode.MachineCoords) {
		return b, nil
	}

	prev := l.shift
	l.shift = l.shiftAt(newPos)
	ok, z := b.Arg('Z')

	if l.levelVM.RelativeMotion() {
		if l.shift == prev {
			return b, nil
		}
		return b.Clone().SetArg('Z', z+l.shift-prev), nil
	}

	if l.shift == 0 && (ok || prev == 0) {
		return b, nil
	}
	if !ok {
		z = newPos.Z - l.levelVM.WCO().Z
	}
	return b.Clone().SetArg('Z', z+l.shift), nil
}

// shiftAt returns the surface height at p relative to the reference
// height. Off the surface, the previous shift is held.
func (l *Leveler) shiftAt(p coord.Point) float64 {
	ok, z := l.offsetter.OffsetZ(p.X, p.Y)
	if !ok {
		return l.shift
	}
	if !l.hasRef {
		l.ref, l.hasRef = z, true
	}
	return z - l.ref
}

func (l *Leveler) next() (gcode.Block, error) {
	if len(l.buf) > 0 {
		b := l.buf[0]
		l.buf = l.buf[1:]
		return b, nil
	}
	b, err := l.gr.Read()
	if err != nil {
		return nil, err
	}

	oldPos := l.splitVM.WPos()
	err = l.splitVM.Run(b)
	if err != nil {
		return nil, err
	}
	newPos := l.splitVM.WPos()
	if oldPos.Equal(newPos) || b.Has(gcode.MachineCoords) {
		return b, nil
	}
	dist := oldPos.DistanceXY(newPos.X, newPos.Y)
	if l.granularity <= 0 || dist <= l.granularity {
		return b, nil
	}

	n := int(math.Ceil(dist / l.granularity))
	unit := 1.0
	if l.splitVM.Inches() {
		unit = 1 / 25.4
	}

	if l.splitVM.RelativeMotion() {
		bl := withAxes(b, newPos.Sub(oldPos).Div(float64(n)).Mul(unit), coord.Point{})
		for i := 0; i < n; i++ {
			l.buf = append(l.buf, bl)
		}
	} else {
		for _, p := range oldPos.Split(newPos, n) {
			l.buf = append(l.buf, withAxes(b, p.Mul(unit), oldPos.Mul(unit)))
		}
	}

	return l.next()
}

// withAxes returns a copy of b with the axes that b names, or where p
// differs from base, set to p's coordinates.
func withAxes(b gcode.Block, p, base coord.Point) gcode.Block {
	res := b.Clone()
	for _, a := range []struct {
		w       byte
		v, base float64
	}{{'X', p.X, base.X}, {'Y', p.Y, base.Y}, {'Z', p.Z, base.Z}} {
		if ok, _ := b.Arg(a.w); ok || a.v != a.base {
			res = res.SetArg(a.w, a.v)
		}
	}
	return res
}
