package machine

import (
	"fmt"
)

// State is the operational state of the robot.
type State int

const (
	PoweredOff State = iota
	PoweredOn
	Moving
	Faulted
)

func (s State) String() string {
	switch s {
	case PoweredOff:
		return "PoweredOff"
	case PoweredOn:
		return "PoweredOn"
	case Moving:
		return "Moving"
	case Faulted:
		return "Faulted"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(data []byte) error {
	for _, st := range []State{PoweredOff, PoweredOn, Moving, Faulted} {
		if st.String() == string(data) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", data)
}
