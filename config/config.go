// Package config loads the service configuration from a JSON file.
//
// Angles in the file are in degrees and durations are strings such as
// "50ms"; Params converts the geometry to the radians the kinematics use.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mastercactapus/deltaplacer/kinematics"
	"github.com/mastercactapus/deltaplacer/logger"
	"go.uber.org/multierr"
)

// maxFileSize bounds the config file.
const maxFileSize = 1 << 20

// Duration is a time.Duration encoded as a string.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) { return json.Marshal(d.String()) }

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Range is a motor range in degrees.
type Range struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Geometry describes the robot, lengths in millimetres and angles in degrees.
type Geometry struct {
	Base        float64    `json:"base"`
	Hip         float64    `json:"hip"`
	Effector    float64    `json:"effector"`
	Ankle       float64    `json:"ankle"`
	HipAnkleMax float64    `json:"hip_ankle_max"`
	MotorRange  [3]Range   `json:"motor_range"`
	Deviation   [3]float64 `json:"deviation"`
}

// Params returns g in the units of the kinematics package.
func (g Geometry) Params() kinematics.Params {
	p := kinematics.Params{
		Base:        g.Base,
		Hip:         g.Hip,
		Effector:    g.Effector,
		Ankle:       g.Ankle,
		HipAnkleMax: kinematics.Radians(g.HipAnkleMax),
	}
	for i, r := range g.MotorRange {
		p.MotorRange[i] = kinematics.Range{Min: kinematics.Radians(r.Min), Max: kinematics.Radians(r.Max)}
		p.Deviation[i] = kinematics.Radians(g.Deviation[i])
	}
	return p
}

// GeometryOf is the inverse of Geometry.Params.
func GeometryOf(p kinematics.Params) Geometry {
	g := Geometry{
		Base:        p.Base,
		Hip:         p.Hip,
		Effector:    p.Effector,
		Ankle:       p.Ankle,
		HipAnkleMax: kinematics.Degrees(p.HipAnkleMax),
	}
	for i, r := range p.MotorRange {
		g.MotorRange[i] = Range{Min: kinematics.Degrees(r.Min), Max: kinematics.Degrees(r.Max)}
		g.Deviation[i] = kinematics.Degrees(p.Deviation[i])
	}
	return g
}

type Serial struct {
	Device   string   `json:"device"`
	Baud     int      `json:"baud"`
	DataBits int      `json:"data_bits"`
	StopBits int      `json:"stop_bits"`
	Parity   string   `json:"parity"`
	Timeout  Duration `json:"timeout"`
	Retries  int      `json:"retries"`
}

// Motion holds the motion defaults, in degrees per second (squared).
type Motion struct {
	PollInterval Duration `json:"poll_interval"`
	Acceleration float64  `json:"acceleration"`
	Deceleration float64  `json:"deceleration"`
	Speed        float64  `json:"speed"`
}

type Boundaries struct {
	// VoxelSize is the edge of one voxel in millimetres.
	VoxelSize float64 `json:"voxel_size"`
	// Generate builds the volume at startup when none is cached.
	Generate bool `json:"generate"`
}

type Journal struct {
	// Path of the SQLite database. The journal is disabled when empty.
	Path string `json:"path"`
}

type HTTP struct {
	Addr string `json:"addr"`
}

// Config is the complete service configuration.
type Config struct {
	Geometry   Geometry      `json:"geometry"`
	Serial     Serial        `json:"serial"`
	Motion     Motion        `json:"motion"`
	Boundaries Boundaries    `json:"boundaries"`
	Journal    Journal       `json:"journal"`
	Log        logger.Config `json:"log"`
	HTTP       HTTP          `json:"http"`
}

// Default returns the configuration of the nominal robot.
func Default() *Config {
	return &Config{
		Geometry: GeometryOf(kinematics.Nominal()),
		Serial: Serial{
			Device:   "/dev/ttyUSB0",
			Baud:     115200,
			DataBits: 8,
			StopBits: 1,
			Parity:   "N",
			Timeout:  Duration{100 * time.Millisecond},
			Retries:  3,
		},
		Motion: Motion{
			PollInterval: Duration{50 * time.Millisecond},
			Acceleration: 2000,
			Deceleration: 2000,
			Speed:        360,
		},
		Boundaries: Boundaries{VoxelSize: 2, Generate: true},
		Journal:    Journal{Path: "deltaplacer.db"},
		Log:        logger.Config{Level: "info", MaxSize: 10, MaxBackups: 3, MaxAge: 28},
		HTTP:       HTTP{Addr: ":8080"},
	}
}

// Load reads the config file at path over the defaults and validates it.
func Load(path string) (*Config, error) {
	path = filepath.Clean(path)
	if ext := filepath.Ext(path); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err = json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err = cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func positive(name string, v float64) error {
	if !(v > 0) {
		return fmt.Errorf("%s must be positive, got %v", name, v)
	}
	return nil
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	err := c.Geometry.Params().Validate()

	s := c.Serial
	if s.Device == "" {
		err = multierr.Append(err, fmt.Errorf("serial.device is required"))
	}
	err = multierr.Append(err, positive("serial.baud", float64(s.Baud)))
	if s.DataBits != 8 || s.StopBits != 1 || s.Parity != "N" {
		err = multierr.Append(err, fmt.Errorf("serial framing %d%s%d is not supported, the drivers use 8N1", s.DataBits, s.Parity, s.StopBits))
	}
	err = multierr.Append(err, positive("serial.timeout", float64(s.Timeout.Duration)))
	if s.Retries < 0 {
		err = multierr.Append(err, fmt.Errorf("serial.retries must not be negative, got %d", s.Retries))
	}

	m := c.Motion
	err = multierr.Combine(err,
		positive("motion.poll_interval", float64(m.PollInterval.Duration)),
		positive("motion.acceleration", m.Acceleration),
		positive("motion.deceleration", m.Deceleration),
		positive("motion.speed", m.Speed),
		positive("boundaries.voxel_size", c.Boundaries.VoxelSize),
	)
	if c.HTTP.Addr == "" {
		err = multierr.Append(err, fmt.Errorf("http.addr is required"))
	}
	return err
}
