package gcode

import (
	"strconv"
	"strings"
)

// Word is a single letter-number pair, like G1 or X-12.5.
type Word struct {
	W   byte
	Arg float64
}

// Codes the controller understands.
var (
	Rapid          = Word{W: 'G', Arg: 0}
	Linear         = Word{W: 'G', Arg: 1}
	Dwell          = Word{W: 'G', Arg: 4}
	Inches         = Word{W: 'G', Arg: 20}
	Millimeters    = Word{W: 'G', Arg: 21}
	MachineCoords  = Word{W: 'G', Arg: 53}
	Absolute       = Word{W: 'G', Arg: 90}
	Incremental    = Word{W: 'G', Arg: 91}
	SetWorkOffset  = Word{W: 'G', Arg: 92}
	Pause          = Word{W: 'M', Arg: 0}
	ProgramEnd     = Word{W: 'M', Arg: 2}
	ProgramRestart = Word{W: 'M', Arg: 30}
)

// ModalGroup is the set a word belongs to. At most one word of each modal
// group may appear in a block.
type ModalGroup byte

const (
	ModalGroupNone ModalGroup = iota
	ModalGroupNonModal
	ModalGroupMotion
	ModalGroupDistanceMode
	ModalGroupUnits
	ModalGroupStopping
	ModalGroupFeedRate
)

var modalGroupNames = [...]string{"none", "non-modal", "motion", "distance mode", "units", "stopping", "feed rate"}

func (g ModalGroup) String() string {
	if int(g) < len(modalGroupNames) {
		return modalGroupNames[g]
	}
	return "ModalGroup(" + strconv.Itoa(int(g)) + ")"
}

var codeGroups = map[Word]ModalGroup{
	Rapid:          ModalGroupMotion,
	Linear:         ModalGroupMotion,
	Dwell:          ModalGroupNonModal,
	MachineCoords:  ModalGroupNonModal,
	SetWorkOffset:  ModalGroupNonModal,
	Absolute:       ModalGroupDistanceMode,
	Incremental:    ModalGroupDistanceMode,
	Inches:         ModalGroupUnits,
	Millimeters:    ModalGroupUnits,
	Pause:          ModalGroupStopping,
	ProgramEnd:     ModalGroupStopping,
	ProgramRestart: ModalGroupStopping,
}

// ModalGroup returns the group of w. Argument words, and G and M codes
// the controller does not know, are ModalGroupNone.
func (w Word) ModalGroup() ModalGroup {
	if w.W == 'F' {
		return ModalGroupFeedRate
	}
	return codeGroups[w]
}

// IsCode reports whether w is a G or M code rather than an argument.
func (w Word) IsCode() bool { return w.W == 'G' || w.W == 'M' }

func (w Word) IsAxis() bool { return w.W == 'X' || w.W == 'Y' || w.W == 'Z' }

func (w Word) IsValid() bool { return w.W >= 'A' && w.W <= 'Z' }

// formatArg prints at most three decimals with trailing zeros removed.
func formatArg(f float64) string {
	s := strconv.FormatFloat(f, 'f', 3, 64)
	s = strings.TrimRight(strings.TrimRight(s, "0"), ".")
	if s == "-0" {
		return "0"
	}
	return s
}

func (w Word) String() string { return string(w.W) + formatArg(w.Arg) }
