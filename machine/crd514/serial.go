package crd514

import (
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/tarm/serial"
)

// SerialConfig selects the serial device the drivers are wired to.
type SerialConfig struct {
	Device      string
	Baud        int
	ReadTimeout time.Duration
}

func (c *SerialConfig) normalize() {
	if c.Baud == 0 {
		c.Baud = BaudRate
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 20 * time.Millisecond
	}
}

// OpenSerial opens the bus device at 8N1.
func OpenSerial(cfg SerialConfig) (io.ReadWriteCloser, error) {
	cfg.normalize()
	if cfg.Device == "" {
		return nil, errors.New("crd514: no serial device configured")
	}
	port, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Device,
		Baud:        cfg.Baud,
		ReadTimeout: cfg.ReadTimeout,
		Size:        DataBits,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "crd514: open %s", cfg.Device)
	}
	return port, nil
}
