package gcode

import (
	"errors"
	"io"
	"strings"
)

// Reader is a source of blocks. Read returns io.EOF after the last block.
type Reader interface {
	Read() (Block, error)
}

// BlocksReader reads from an in-memory program.
type BlocksReader struct {
	Blocks []Block
	n      int
}

func (b *BlocksReader) Read() (Block, error) {
	if b.n >= len(b.Blocks) {
		return nil, io.EOF
	}
	b.n++
	return b.Blocks[b.n-1], nil
}

// ReadAll reads every block from r.
func ReadAll(r Reader) ([]Block, error) {
	var res []Block
	for {
		b, err := r.Read()
		if errors.Is(err, io.EOF) {
			return res, nil
		}
		if err != nil {
			return res, err
		}
		res = append(res, b)
	}
}

// Parse parses a whole program.
func Parse(data string) ([]Block, error) {
	return ReadAll(NewParser(strings.NewReader(data)))
}

func MustParse(data string) []Block {
	b, err := Parse(data)
	if err != nil {
		panic(err)
	}
	return b
}

// Format renders blocks as program text, one block per line.
func Format(blocks []Block) string {
	var sb strings.Builder
	for _, b := range blocks {
		sb.WriteString(b.String())
		sb.WriteByte('\n')
	}
	return sb.String()
}
