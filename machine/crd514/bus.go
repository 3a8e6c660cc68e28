package crd514

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when a slave does not answer in time.
	ErrTimeout = errors.New("crd514: communication timeout")
	// ErrMalformedResponse is returned for a reply that fails its CRC or
	// does not match the request.
	ErrMalformedResponse = errors.New("crd514: malformed response")
)

// Bus is a Modbus register bus shared by all axes.
//
// Implementations need not be safe for concurrent use; the Driver
// serializes every call.
type Bus interface {
	ReadRegisters(ctx context.Context, slave byte, addr, count uint16) ([]uint16, error)
	WriteRegisters(ctx context.Context, slave byte, addr uint16, values []uint16) error
}

// ExceptionError is a Modbus exception reply from a slave.
type ExceptionError struct {
	Slave    byte
	Function byte
	Code     byte
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("crd514: slave %d rejected function 0x%02x: exception 0x%02x", e.Slave, e.Function, e.Code)
}

// retriable reports whether a failed transaction may be attempted again.
func retriable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrMalformedResponse)
}

func write16(ctx context.Context, b Bus, slave byte, addr, v uint16) error {
	return b.WriteRegisters(ctx, slave, addr, []uint16{v})
}

func write32(ctx context.Context, b Bus, slave byte, addr uint16, v uint32) error {
	return b.WriteRegisters(ctx, slave, addr, split32(v))
}
