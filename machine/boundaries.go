package machine

import (
	"context"
	"time"

	"github.com/mastercactapus/deltaplacer/boundary"
	"go.uber.org/zap"
)

// GenerateBoundaries builds a new boundary volume with the given voxel size
// and installs it. Moves already in progress keep using the volume they
// were checked against.
func (m *Machine) GenerateBoundaries(ctx context.Context, voxelSize float64) error {
	if !m.building.CompareAndSwap(false, true) {
		return ErrBuildInProgress
	}
	defer m.building.Store(false)

	start := time.Now()
	v, err := boundary.Build(ctx, m.solver, m.solver.Params().Envelope(), voxelSize)
	if err != nil {
		m.emit(Event{Type: "boundaries", State: m.State(), Error: err.Error()})
		return err
	}
	m.boundaries.Store(v)

	m.log.Info("boundaries generated",
		zap.Float64("voxel_size", voxelSize),
		zap.Int("reachable", v.Count()),
		zap.Int("voxels", v.Len()),
		zap.Duration("elapsed", time.Since(start)),
	)

	if m.journal != nil {
		err = m.journal.SaveBoundaries(ctx, m.solver.Params().Fingerprint(), v)
		if err != nil {
			m.log.Warn("cache boundaries", zap.Error(err))
		}
	}
	m.emit(Event{Type: "boundaries", State: m.State()})
	return nil
}

// RestoreBoundaries installs a previously generated volume from the journal.
// It reports false if none matches the current geometry and voxel size.
func (m *Machine) RestoreBoundaries(ctx context.Context, voxelSize float64) (bool, error) {
	if m.journal == nil {
		return false, nil
	}
	v, err := m.journal.LoadBoundaries(ctx, m.solver.Params().Fingerprint(), voxelSize)
	if err != nil || v == nil {
		return false, err
	}
	m.boundaries.Store(v)
	m.log.Info("boundaries restored", zap.Float64("voxel_size", voxelSize), zap.Int("reachable", v.Count()))
	m.emit(Event{Type: "boundaries", State: m.State()})
	return true, nil
}

// HasBoundaries reports whether a boundary volume is installed.
func (m *Machine) HasBoundaries() bool { return m.boundaries.Load() != nil }

// Boundaries returns the installed volume, or nil.
func (m *Machine) Boundaries() *boundary.Volume { return m.boundaries.Load() }

// Building reports whether GenerateBoundaries is running.
func (m *Machine) Building() bool { return m.building.Load() }
