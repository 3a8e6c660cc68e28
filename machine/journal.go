package machine

import (
	"context"
	"time"

	"github.com/mastercactapus/deltaplacer/boundary"
	"github.com/mastercactapus/deltaplacer/coord"
	"github.com/mastercactapus/deltaplacer/kinematics"
)

// MoveRecord describes one MoveTo call.
type MoveRecord struct {
	Target   coord.Point
	Speed    float64
	Angles   kinematics.Angles
	Started  time.Time
	Finished time.Time
	Err      error
}

// A Journal persists the history of a Machine and caches its boundaries.
type Journal interface {
	RecordMove(ctx context.Context, rec MoveRecord) error
	RecordFault(ctx context.Context, f Fault) error

	// SaveBoundaries stores v under the geometry fingerprint key.
	SaveBoundaries(ctx context.Context, key string, v *boundary.Volume) error
	// LoadBoundaries returns the volume stored for key and voxelSize, or
	// nil if there is none.
	LoadBoundaries(ctx context.Context, key string, voxelSize float64) (*boundary.Volume, error)
}
