package crd514

import (
	"io"
	"sync"
	"time"
)

// SimPort exposes a Sim as the byte stream of a serial port, so an RTU bus
// can run against simulated drivers. Each Write must carry one whole frame.
type SimPort struct {
	sim *Sim

	// ReadTimeout is how long Read waits for data before returning 0 bytes.
	ReadTimeout time.Duration

	mx      sync.Mutex
	out     []byte
	ready   chan struct{}
	closed  bool
	drop    int
	corrupt int
}

var _ io.ReadWriteCloser = &SimPort{}

func NewSimPort(sim *Sim) *SimPort {
	return &SimPort{
		sim:         sim,
		ReadTimeout: 10 * time.Millisecond,
		ready:       make(chan struct{}, 1),
	}
}

// DropReplies discards the next n replies, as if the slave never answered.
func (p *SimPort) DropReplies(n int) {
	p.mx.Lock()
	p.drop += n
	p.mx.Unlock()
}

// CorruptReplies flips a bit in the next n replies.
func (p *SimPort) CorruptReplies(n int) {
	p.mx.Lock()
	p.corrupt += n
	p.mx.Unlock()
}

func (p *SimPort) Write(b []byte) (int, error) {
	p.mx.Lock()
	closed := p.closed
	p.mx.Unlock()
	if closed {
		return 0, io.ErrClosedPipe
	}

	resp := p.sim.Handle(append([]byte(nil), b...))
	if resp == nil {
		return len(b), nil
	}

	p.mx.Lock()
	switch {
	case p.drop > 0:
		p.drop--
		resp = nil
	case p.corrupt > 0:
		p.corrupt--
		resp[len(resp)/2] ^= 0x10
	}
	p.out = append(p.out, resp...)
	p.mx.Unlock()

	select {
	case p.ready <- struct{}{}:
	default:
	}
	return len(b), nil
}

func (p *SimPort) Read(b []byte) (int, error) {
	deadline := time.Now().Add(p.ReadTimeout)
	for {
		p.mx.Lock()
		if len(p.out) > 0 {
			n := copy(b, p.out)
			p.out = p.out[n:]
			p.mx.Unlock()
			return n, nil
		}
		closed := p.closed
		p.mx.Unlock()
		if closed {
			return 0, io.EOF
		}

		wait := time.Until(deadline)
		if wait <= 0 {
			return 0, nil
		}
		t := time.NewTimer(wait)
		select {
		case <-p.ready:
		case <-t.C:
		}
		t.Stop()
	}
}

func (p *SimPort) Close() error {
	p.mx.Lock()
	p.closed = true
	p.mx.Unlock()
	return nil
}
