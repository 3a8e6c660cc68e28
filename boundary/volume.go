// Package boundary precomputes the set of effector positions a delta robot
// can reach, as a voxel grid over its working envelope.
package boundary

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/bits"

	"github.com/mastercactapus/deltaplacer/coord"
)

// Volume is an immutable voxel grid of reachable effector positions.
//
// Voxel (x, y, z) covers the cube starting at Origin + (x, y, z)*VoxelSize
// and is marked reachable when its centre has a kinematic solution.
type Volume struct {
	origin coord.Point
	voxel  float64

	width, depth, height int

	// one packed bit set per Z layer, indexed x + y*width
	layers [][]uint64
	count  int
}

func (v *Volume) Width() int          { return v.width }
func (v *Volume) Depth() int          { return v.depth }
func (v *Volume) Height() int         { return v.height }
func (v *Volume) VoxelSize() float64  { return v.voxel }
func (v *Volume) Origin() coord.Point { return v.origin }

// Count returns the number of reachable voxels.
func (v *Volume) Count() int { return v.count }

// Len returns the total number of voxels.
func (v *Volume) Len() int { return v.width * v.depth * v.height }

// Index returns the flat bitmap index of voxel (x, y, z).
func (v *Volume) Index(x, y, z int) int {
	return x + y*v.width + z*v.width*v.depth
}

// Center returns the centre of voxel (x, y, z).
func (v *Volume) Center(x, y, z int) coord.Point {
	return coord.Point{
		X: v.origin.X + (float64(x)+0.5)*v.voxel,
		Y: v.origin.Y + (float64(y)+0.5)*v.voxel,
		Z: v.origin.Z + (float64(z)+0.5)*v.voxel,
	}
}

// At reports whether voxel (x, y, z) is reachable. Indices outside the grid
// are never reachable.
func (v *Volume) At(x, y, z int) bool {
	if x < 0 || y < 0 || z < 0 || x >= v.width || y >= v.depth || z >= v.height {
		return false
	}
	i := x + y*v.width
	return v.layers[z][i/64]&(1<<uint(i%64)) != 0
}

// Voxel returns the indices of the voxel containing p.
func (v *Volume) Voxel(p coord.Point) (x, y, z int) {
	return int(math.Floor((p.X - v.origin.X) / v.voxel)),
		int(math.Floor((p.Y - v.origin.Y) / v.voxel)),
		int(math.Floor((p.Z - v.origin.Z) / v.voxel))
}

// Reachable reports whether p falls inside a reachable voxel. Points outside
// the grid, or with non-finite coordinates, are unreachable.
func (v *Volume) Reachable(p coord.Point) bool {
	if !p.IsFinite() {
		return false
	}
	return v.At(v.Voxel(p))
}

// CheckPath reports whether every point on the straight segment between
// from and to is inside a reachable voxel, sampling at half-voxel steps.
func (v *Volume) CheckPath(from, to coord.Point) bool {
	if !v.Reachable(from) {
		return false
	}
	n := int(math.Ceil(from.Distance(to) / (v.voxel / 2)))
	if n < 1 {
		n = 1
	}
	for _, p := range from.Split(to, n) {
		if !v.Reachable(p) {
			return false
		}
	}
	return true
}

// Bitmap returns a copy of the grid as a flat slice indexed by Index.
func (v *Volume) Bitmap() []bool {
	res := make([]bool, v.Len())
	layer := v.width * v.depth
	for z, words := range v.layers {
		for i := 0; i < layer; i++ {
			res[z*layer+i] = words[i/64]&(1<<uint(i%64)) != 0
		}
	}
	return res
}

// Layer returns the reachable voxel centres of Z layer z.
func (v *Volume) Layer(z int) []coord.Point {
	var res []coord.Point
	if z < 0 || z >= v.height {
		return nil
	}
	for y := 0; y < v.depth; y++ {
		for x := 0; x < v.width; x++ {
			if v.At(x, y, z) {
				res = append(res, v.Center(x, y, z))
			}
		}
	}
	return res
}

func layerWords(width, depth int) int { return (width*depth + 63) / 64 }

func countLayer(layer []uint64) (n int) {
	for _, w := range layer {
		n += bits.OnesCount64(w)
	}
	return n
}

var binaryMagic = [4]byte{'D', 'P', 'B', 'V'}

const (
	binaryVersion    = 1
	binaryHeaderSize = 4 + 1 + 3*4 + 4*8
)

// ErrCorrupt is returned by UnmarshalBinary for data it did not produce.
var ErrCorrupt = errors.New("boundary: corrupt volume data")

// MarshalBinary encodes the grid with one bit per voxel, in Index order.
func (v *Volume) MarshalBinary() ([]byte, error) {
	n := v.Len()
	data := make([]byte, binaryHeaderSize+(n+7)/8)
	copy(data, binaryMagic[:])
	data[4] = binaryVersion
	le := binary.LittleEndian
	le.PutUint32(data[5:], uint32(v.width))
	le.PutUint32(data[9:], uint32(v.depth))
	le.PutUint32(data[13:], uint32(v.height))
	le.PutUint64(data[17:], math.Float64bits(v.voxel))
	le.PutUint64(data[25:], math.Float64bits(v.origin.X))
	le.PutUint64(data[33:], math.Float64bits(v.origin.Y))
	le.PutUint64(data[41:], math.Float64bits(v.origin.Z))

	body := data[binaryHeaderSize:]
	layer := v.width * v.depth
	for z, words := range v.layers {
		for i := 0; i < layer; i++ {
			if words[i/64]&(1<<uint(i%64)) != 0 {
				j := z*layer + i
				body[j/8] |= 1 << uint(j%8)
			}
		}
	}
	return data, nil
}

// UnmarshalBinary decodes data produced by MarshalBinary into v.
func (v *Volume) UnmarshalBinary(data []byte) error {
	if len(data) < binaryHeaderSize || [4]byte{data[0], data[1], data[2], data[3]} != binaryMagic {
		return ErrCorrupt
	}
	if data[4] != binaryVersion {
		return fmt.Errorf("boundary: unsupported volume version %d", data[4])
	}
	le := binary.LittleEndian
	width := int(le.Uint32(data[5:]))
	depth := int(le.Uint32(data[9:]))
	height := int(le.Uint32(data[13:]))
	voxel := math.Float64frombits(le.Uint64(data[17:]))
	origin := coord.Point{
		X: math.Float64frombits(le.Uint64(data[25:])),
		Y: math.Float64frombits(le.Uint64(data[33:])),
		Z: math.Float64frombits(le.Uint64(data[41:])),
	}
	if width <= 0 || depth <= 0 || height <= 0 || width*depth*height > MaxVoxels || !(voxel > 0) {
		return ErrCorrupt
	}
	n := width * depth * height
	body := data[binaryHeaderSize:]
	if len(body) != (n+7)/8 {
		return ErrCorrupt
	}

	res := Volume{origin: origin, voxel: voxel, width: width, depth: depth, height: height}
	layer := width * depth
	res.layers = make([][]uint64, height)
	for z := range res.layers {
		words := make([]uint64, layerWords(width, depth))
		for i := 0; i < layer; i++ {
			j := z*layer + i
			if body[j/8]&(1<<uint(j%8)) != 0 {
				words[i/64] |= 1 << uint(i%64)
			}
		}
		res.layers[z] = words
		res.count += countLayer(words)
	}
	*v = res
	return nil
}
