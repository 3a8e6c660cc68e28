package machine

import (
	"fmt"
	"time"
)

// Severity classifies a Fault.
type Severity int

const (
	// SeverityWarning is a non-fatal driver condition. It is logged only.
	SeverityWarning Severity = iota
	// SeverityAlarm is a latched driver alarm; the robot is Faulted.
	SeverityAlarm
	// SeverityCommunication means the bus stopped answering.
	SeverityCommunication
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityAlarm:
		return "alarm"
	case SeverityCommunication:
		return "communication"
	}
	return fmt.Sprintf("Severity(%d)", int(s))
}

func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Severity) UnmarshalText(data []byte) (err error) {
	*s, err = ParseSeverity(string(data))
	return err
}

// ParseSeverity is the inverse of Severity.String.
func ParseSeverity(s string) (Severity, error) {
	for _, sev := range []Severity{SeverityWarning, SeverityAlarm, SeverityCommunication} {
		if sev.String() == s {
			return sev, nil
		}
	}
	return 0, fmt.Errorf("unknown fault severity %q", s)
}

// Fault is a condition observed on a motor axis.
type Fault struct {
	// Motor is the 1-based axis the fault was observed on.
	Motor       int       `json:"motor"`
	Severity    Severity  `json:"severity"`
	Status      uint16    `json:"status"`
	Description string    `json:"description"`
	Time        time.Time `json:"time"`
}

func (f Fault) String() string {
	return fmt.Sprintf("motor %d %s: %s (status 0x%04x)", f.Motor, f.Severity, f.Description, f.Status)
}

// A FaultSink receives faults from an Adapter.
type FaultSink func(Fault)
