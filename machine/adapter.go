package machine

import (
	"context"
	"sync"
	"time"

	"github.com/mastercactapus/deltaplacer/kinematics"
)

// NumAxes is the number of motor axes of a delta robot.
const NumAxes = 3

// An Adapter represents the motor drivers of the robot.
//
// All methods must be safe to call concurrently; in particular Stop must be
// accepted while MoveTo's motion is in progress.
type Adapter interface {
	// Enable energizes every motor.
	Enable(ctx context.Context) error
	// Disable de-energizes every motor.
	Disable(ctx context.Context) error

	// MoveTo starts a synchronized move of all axes and returns once the
	// start command has been accepted. The returned Ack completes when the
	// motion ends.
	MoveTo(ctx context.Context, m Motion) (*Ack, error)
	// Stop halts all axes immediately.
	Stop(ctx context.Context) error
	// ResetAlarm clears latched alarms on every axis.
	ResetAlarm(ctx context.Context) error

	// Status polls every axis.
	Status(ctx context.Context) ([NumAxes]AxisStatus, error)

	// SetFaultSink registers the function faults are reported to. It is
	// called from the adapter's own goroutine and must not block.
	SetFaultSink(FaultSink)
}

// Motion is a synchronized point-to-point move of all axes.
//
// Angles are absolute targets in radians; Speed, Acceleration and
// Deceleration are per axis, in rad/s and rad/s^2.
type Motion struct {
	Angles       kinematics.Angles
	Speed        [NumAxes]float64
	Acceleration [NumAxes]float64
	Deceleration [NumAxes]float64
}

// AxisStatus is the last known state of one motor axis.
type AxisStatus struct {
	Motor int `json:"motor"`

	Steps int32   `json:"steps"`
	Angle float64 `json:"angle"`

	Excited bool `json:"excited"`
	Ready   bool `json:"ready"`
	Moving  bool `json:"moving"`
	Warning bool `json:"warning"`
	Alarm   bool `json:"alarm"`

	// Status is the raw status word reported by the driver.
	Status uint16 `json:"status"`
}

// An Ack tracks a started motion until it completes.
type Ack struct {
	Started time.Time

	once sync.Once
	done chan struct{}
	err  error
}

// NewAck returns a pending Ack.
func NewAck() *Ack {
	return &Ack{Started: time.Now(), done: make(chan struct{})}
}

// Done is closed once the motion has ended.
func (a *Ack) Done() <-chan struct{} { return a.done }

// Err returns nil if the motion completed normally, or why it did not.
// It must only be called after Done is closed.
func (a *Ack) Err() error {
	<-a.done
	return a.err
}

// Finish completes the Ack with err. Only the first call has any effect; it
// reports whether this call was the one that completed it.
func (a *Ack) Finish(err error) (finished bool) {
	a.once.Do(func() {
		a.err = err
		close(a.done)
		finished = true
	})
	return finished
}
