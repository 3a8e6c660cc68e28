package crd514

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

// Modbus function codes.
const (
	fnReadHolding   byte = 0x03
	fnWriteSingle   byte = 0x06
	fnWriteMultiple byte = 0x10
)

// maxReadCount is the most registers a single read may request.
const maxReadCount = 125

// RTU is a Bus speaking Modbus RTU over a serial line.
type RTU struct {
	rw io.ReadWriter

	// Timeout bounds the wait for a reply.
	Timeout time.Duration
	// Turnaround is the pause after a broadcast, letting every slave
	// process it before the next frame.
	Turnaround time.Duration
}

var _ Bus = &RTU{}

// NewRTU returns an RTU bus over rw. Reads from rw should return after a
// short timeout when no data is available, as a serial port configured with
// a read timeout does.
func NewRTU(rw io.ReadWriter) *RTU {
	return &RTU{
		rw:         rw,
		Timeout:    100 * time.Millisecond,
		Turnaround: 5 * time.Millisecond,
	}
}

// crc16 is the Modbus CRC (reflected polynomial 0xA001, initial 0xFFFF).
func crc16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = crc>>1 ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// frame appends the CRC to pdu, low byte first.
func frame(pdu []byte) []byte {
	crc := crc16(pdu)
	return append(pdu, byte(crc), byte(crc>>8))
}

func validCRC(f []byte) bool {
	if len(f) < 4 {
		return false
	}
	n := len(f) - 2
	return crc16(f[:n]) == uint16(f[n])|uint16(f[n+1])<<8
}

func (c *RTU) ReadRegisters(ctx context.Context, slave byte, addr, count uint16) ([]uint16, error) {
	if slave == SlaveBroadcast {
		return nil, fmt.Errorf("crd514: read from broadcast address")
	}
	if count == 0 || count > maxReadCount {
		return nil, fmt.Errorf("crd514: invalid register count %d", count)
	}
	req := []byte{slave, fnReadHolding, 0, 0, 0, 0}
	binary.BigEndian.PutUint16(req[2:], addr)
	binary.BigEndian.PutUint16(req[4:], count)

	resp, err := c.transact(ctx, frame(req), 5+2*int(count))
	if err != nil {
		return nil, err
	}
	if int(resp[2]) != 2*int(count) {
		c.drain()
		return nil, fmt.Errorf("%w: byte count %d, want %d", ErrMalformedResponse, resp[2], 2*count)
	}
	res := make([]uint16, count)
	for i := range res {
		res[i] = binary.BigEndian.Uint16(resp[3+2*i:])
	}
	return res, nil
}

func (c *RTU) WriteRegisters(ctx context.Context, slave byte, addr uint16, values []uint16) error {
	var req []byte
	switch {
	case len(values) == 0 || len(values) > 123:
		return fmt.Errorf("crd514: invalid register count %d", len(values))
	case len(values) == 1:
		req = []byte{slave, fnWriteSingle, 0, 0, 0, 0}
		binary.BigEndian.PutUint16(req[2:], addr)
		binary.BigEndian.PutUint16(req[4:], values[0])
	default:
		req = make([]byte, 7, 7+2*len(values)+2)
		req[0], req[1] = slave, fnWriteMultiple
		binary.BigEndian.PutUint16(req[2:], addr)
		binary.BigEndian.PutUint16(req[4:], uint16(len(values)))
		req[6] = byte(2 * len(values))
		for _, v := range values {
			req = append(req, byte(v>>8), byte(v))
		}
	}

	resp, err := c.transact(ctx, frame(req), 8)
	if err != nil || slave == SlaveBroadcast {
		return err
	}
	// both write functions echo the address and value/quantity
	if string(resp[2:6]) != string(req[2:6]) {
		c.drain()
		return fmt.Errorf("%w: write echo mismatch", ErrMalformedResponse)
	}
	return nil
}

// transact sends req and reads a reply of respLen bytes, verifying its CRC
// and header. Broadcast requests return a nil reply after Turnaround.
func (c *RTU) transact(ctx context.Context, req []byte, respLen int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := c.rw.Write(req); err != nil {
		return nil, fmt.Errorf("crd514: write: %w", err)
	}

	if req[0] == SlaveBroadcast {
		t := time.NewTimer(c.Turnaround)
		defer t.Stop()
		select {
		case <-t.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	deadline := time.Now().Add(c.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	resp := make([]byte, respLen)
	// slave, function and the first payload byte are enough to tell an
	// exception apart
	if err := c.readFull(ctx, resp[:3], deadline); err != nil {
		c.drain()
		return nil, err
	}
	if resp[0] != req[0] {
		c.drain()
		return nil, fmt.Errorf("%w: reply from slave %d, want %d", ErrMalformedResponse, resp[0], req[0])
	}
	if resp[1] == req[1]|0x80 {
		exc := resp[:5]
		if err := c.readFull(ctx, exc[3:], deadline); err != nil {
			c.drain()
			return nil, err
		}
		if !validCRC(exc) {
			c.drain()
			return nil, fmt.Errorf("%w: bad CRC", ErrMalformedResponse)
		}
		return nil, &ExceptionError{Slave: resp[0], Function: req[1], Code: resp[2]}
	}
	if resp[1] != req[1] {
		c.drain()
		return nil, fmt.Errorf("%w: function 0x%02x, want 0x%02x", ErrMalformedResponse, resp[1], req[1])
	}
	if err := c.readFull(ctx, resp[3:], deadline); err != nil {
		c.drain()
		return nil, err
	}
	if !validCRC(resp) {
		c.drain()
		return nil, fmt.Errorf("%w: bad CRC", ErrMalformedResponse)
	}
	return resp, nil
}

func (c *RTU) readFull(ctx context.Context, buf []byte, deadline time.Time) error {
	for got := 0; got < len(buf); {
		if err := ctx.Err(); err != nil {
			return err
		}
		if time.Now().After(deadline) {
			return ErrTimeout
		}
		n, err := c.rw.Read(buf[got:])
		got += n
		if err != nil && err != io.EOF {
			return fmt.Errorf("crd514: read: %w", err)
		}
		if n == 0 {
			time.Sleep(time.Millisecond)
		}
	}
	return nil
}

// drain discards late or partial bytes so the next reply starts on a
// frame boundary.
func (c *RTU) drain() {
	buf := make([]byte, 64)
	for i := 0; i < 16; i++ {
		n, err := c.rw.Read(buf)
		if n == 0 || err != nil {
			return
		}
	}
}
