package boundary

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"

	"github.com/mastercactapus/deltaplacer/coord"
	"github.com/mastercactapus/deltaplacer/kinematics"
	"golang.org/x/sync/errgroup"
)

// MaxVoxels bounds the size of a grid Build will allocate.
const MaxVoxels = 1 << 30

// ErrInvalidVoxelSize is returned by Build for a non-positive voxel size or
// one that would exceed MaxVoxels.
var ErrInvalidVoxelSize = errors.New("boundary: invalid voxel size")

// Solver is the kinematic model a Volume is generated from.
type Solver interface {
	Solve(coord.Point) (kinematics.Angles, error)
}

// Build evaluates s at the centre of every voxel of env and returns the
// resulting Volume. Z layers are solved concurrently; cancelling ctx aborts
// the build and returns ctx.Err().
func Build(ctx context.Context, s Solver, env kinematics.Envelope, voxelSize float64) (*Volume, error) {
	if math.IsNaN(voxelSize) || math.IsInf(voxelSize, 0) || voxelSize <= 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidVoxelSize, voxelSize)
	}
	size := env.Size()
	if !size.IsFinite() || size.X < 0 || size.Y < 0 || size.Z < 0 {
		return nil, fmt.Errorf("boundary: invalid envelope %v", env)
	}

	cells := func(span float64) float64 { return math.Max(1, math.Ceil(span/voxelSize)) }
	fw, fd, fh := cells(size.X), cells(size.Y), cells(size.Z)
	if fw*fd*fh > MaxVoxels {
		return nil, fmt.Errorf("%w: %v produces %.0f voxels", ErrInvalidVoxelSize, voxelSize, fw*fd*fh)
	}

	v := &Volume{
		origin: env.Min,
		voxel:  voxelSize,
		width:  int(fw),
		depth:  int(fd),
		height: int(fh),
	}
	v.layers = make([][]uint64, v.height)
	counts := make([]int, v.height)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for z := 0; z < v.height; z++ {
		z := z
		g.Go(func() error {
			words := make([]uint64, layerWords(v.width, v.depth))
			for y := 0; y < v.depth; y++ {
				// checked per row so a cancelled build stops promptly
				if err := ctx.Err(); err != nil {
					return err
				}
				for x := 0; x < v.width; x++ {
					if _, err := s.Solve(v.Center(x, y, z)); err != nil {
						continue
					}
					i := x + y*v.width
					words[i/64] |= 1 << uint(i%64)
				}
			}
			v.layers[z] = words
			counts[z] = countLayer(words)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, n := range counts {
		v.count += n
	}
	return v, nil
}
