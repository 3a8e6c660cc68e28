package gcode

import (
	"fmt"
	"strings"
)

// Block is one line of a program.
type Block []Word

// Arg returns the argument of the first w word.
func (b Block) Arg(w byte) (bool, float64) {
	if i := b.index(w); i >= 0 {
		return true, b[i].Arg
	}
	return false, 0
}

func (b Block) index(w byte) int {
	for i, g := range b {
		if g.W == w {
			return i
		}
	}
	return -1
}

// SetArg replaces the argument of w, appending w if b does not have it.
func (b Block) SetArg(w byte, val float64) Block {
	if i := b.index(w); i >= 0 {
		b[i].Arg = val
		return b
	}
	return append(b, Word{W: w, Arg: val})
}

// Has reports whether b contains exactly g.
func (b Block) Has(g Word) bool {
	for _, w := range b {
		if w == g {
			return true
		}
	}
	return false
}

// Args returns the words of b that do not belong to a modal group.
func (b Block) Args() Block {
	res := make(Block, 0, len(b))
	for _, g := range b {
		if g.ModalGroup() == ModalGroupNone {
			res = append(res, g)
		}
	}
	return res
}

func (b Block) Clone() Block { return append(Block(nil), b...) }

func (b Block) String() string {
	var sb strings.Builder
	for _, w := range b {
		sb.WriteString(w.String())
	}
	return sb.String()
}

// Validate checks that b has only letter words, no repeated argument
// words and at most one word of each modal group.
func (b Block) Validate() error {
	seen := make(map[byte]bool, len(b))
	groups := make(map[ModalGroup]Word, len(b))
	for _, w := range b {
		if !w.IsValid() {
			return fmt.Errorf("invalid word %q", w.String())
		}
		if !w.IsCode() {
			if seen[w.W] {
				return fmt.Errorf("%c repeated in block", w.W)
			}
			seen[w.W] = true
		}
		g := w.ModalGroup()
		if g == ModalGroupNone || g == ModalGroupNonModal {
			continue
		}
		if prev, ok := groups[g]; ok {
			return fmt.Errorf("%s and %s are both %s words", prev, w, g)
		}
		groups[g] = w
	}
	return nil
}
