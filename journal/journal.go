// Package journal keeps the history of a robot in a SQLite database: every
// move and fault, and a cache of generated boundary volumes.
package journal

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/mastercactapus/deltaplacer/boundary"
	"github.com/mastercactapus/deltaplacer/coord"
	"github.com/mastercactapus/deltaplacer/kinematics"
	"github.com/mastercactapus/deltaplacer/machine"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Journal is a machine.Journal backed by SQLite.
type Journal struct {
	db  *sql.DB
	log *zap.Logger
}

var _ machine.Journal = &Journal{}

// Move is a journaled MoveTo call.
type Move struct {
	ID       string            `json:"id"`
	Target   coord.Point       `json:"target"`
	Speed    float64           `json:"speed"`
	Angles   kinematics.Angles `json:"angles"`
	Started  time.Time         `json:"started"`
	Finished time.Time         `json:"finished"`
	Error    string            `json:"error,omitempty"`
}

// Open opens or creates the journal at path and brings its schema up to
// date. A nil logger discards everything.
func Open(path string, log *zap.Logger) (*Journal, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)

	if _, err = db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: configure: %w", err)
	}
	if err = migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}

	log.Info("journal opened", zap.String("path", path))
	return &Journal{db: db, log: log}, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("journal: migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("journal: sqlite driver: %w", err)
	}
	// closing m would close db
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("journal: migrate: %w", err)
	}
	if err = m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("journal: migration up failed: %w", err)
	}
	return nil
}

// Close closes the database.
func (j *Journal) Close() error { return j.db.Close() }

func (j *Journal) RecordMove(ctx context.Context, rec machine.MoveRecord) error {
	var msg string
	if rec.Err != nil {
		msg = rec.Err.Error()
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO moves (move_id, target_x, target_y, target_z, speed, angle_1, angle_2, angle_3, started, finished, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(),
		rec.Target.X, rec.Target.Y, rec.Target.Z,
		rec.Speed,
		rec.Angles[0], rec.Angles[1], rec.Angles[2],
		rec.Started.UnixNano(), rec.Finished.UnixNano(),
		msg,
	)
	if err != nil {
		return fmt.Errorf("journal: record move: %w", err)
	}
	return nil
}

func (j *Journal) RecordFault(ctx context.Context, f machine.Fault) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO faults (fault_id, motor, severity, status, description, time)
		VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), f.Motor, f.Severity.String(), f.Status, f.Description, f.Time.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("journal: record fault: %w", err)
	}
	return nil
}

func (j *Journal) SaveBoundaries(ctx context.Context, key string, v *boundary.Volume) error {
	data, err := v.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = j.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO boundaries (geometry, voxel_size, reachable, data, created)
		VALUES (?, ?, ?, ?, ?)`,
		key, v.VoxelSize(), v.Count(), data, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("journal: save boundaries: %w", err)
	}
	j.log.Debug("boundaries saved", zap.String("geometry", key), zap.Int("bytes", len(data)))
	return nil
}

func (j *Journal) LoadBoundaries(ctx context.Context, key string, voxelSize float64) (*boundary.Volume, error) {
	var data []byte
	err := j.db.QueryRowContext(ctx,
		"SELECT data FROM boundaries WHERE geometry = ? AND voxel_size = ?",
		key, voxelSize,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("journal: load boundaries: %w", err)
	}

	var v boundary.Volume
	if err = v.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("journal: load boundaries: %w", err)
	}
	return &v, nil
}

// RecentMoves returns up to n moves, newest first.
func (j *Journal) RecentMoves(ctx context.Context, n int) ([]Move, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT move_id, target_x, target_y, target_z, speed, angle_1, angle_2, angle_3, started, finished, error
		FROM moves ORDER BY started DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("journal: recent moves: %w", err)
	}
	defer rows.Close()

	var res []Move
	for rows.Next() {
		var m Move
		var started, finished int64
		err = rows.Scan(&m.ID,
			&m.Target.X, &m.Target.Y, &m.Target.Z,
			&m.Speed,
			&m.Angles[0], &m.Angles[1], &m.Angles[2],
			&started, &finished, &m.Error,
		)
		if err != nil {
			return nil, fmt.Errorf("journal: recent moves: %w", err)
		}
		m.Started, m.Finished = time.Unix(0, started), time.Unix(0, finished)
		res = append(res, m)
	}
	return res, rows.Err()
}

// RecentFaults returns up to n faults, newest first.
func (j *Journal) RecentFaults(ctx context.Context, n int) ([]machine.Fault, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT motor, severity, status, description, time
		FROM faults ORDER BY time DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("journal: recent faults: %w", err)
	}
	defer rows.Close()

	var res []machine.Fault
	for rows.Next() {
		var f machine.Fault
		var sev string
		var t int64
		if err = rows.Scan(&f.Motor, &sev, &f.Status, &f.Description, &t); err != nil {
			return nil, fmt.Errorf("journal: recent faults: %w", err)
		}
		f.Severity, err = machine.ParseSeverity(sev)
		if err != nil {
			return nil, fmt.Errorf("journal: recent faults: %w", err)
		}
		f.Time = time.Unix(0, t)
		res = append(res, f)
	}
	return res, rows.Err()
}
