package kinematics

import "github.com/mastercactapus/deltaplacer/coord"

// Operational Z span of the effector, in millimetres below the base plate.
const (
	MinZ = -150.0
	MaxZ = 0.0
)

// Envelope is an axis-aligned box that contains every point the robot may
// be asked to reach.
type Envelope struct {
	Min, Max coord.Point
}

// Envelope returns the box used for boundary generation. X and Y span the
// fully stretched arm in either direction; Z spans MinZ to MaxZ.
func (p Params) Envelope() Envelope {
	reach := p.Hip + p.Ankle + p.Effector - p.Base
	return Envelope{
		Min: coord.Point{X: -reach, Y: -reach, Z: MinZ},
		Max: coord.Point{X: reach, Y: reach, Z: MaxZ},
	}
}

// Size returns the extent of e along each axis.
func (e Envelope) Size() coord.Point { return e.Max.Sub(e.Min) }

// Contains reports whether p lies inside e, inclusive of its faces.
func (e Envelope) Contains(p coord.Point) bool {
	return p.X >= e.Min.X && p.X <= e.Max.X &&
		p.Y >= e.Min.Y && p.Y <= e.Max.Y &&
		p.Z >= e.Min.Z && p.Z <= e.Max.Z
}
