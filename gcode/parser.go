package gcode

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Parser reads blocks from program text, one per line.
type Parser struct {
	br   *bufio.Reader
	line int
}

func NewParser(r io.Reader) *Parser {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &Parser{br: br}
}

// ParseError reports a line that is not a valid block. Err is never nil.
type ParseError struct {
	Line int
	Text string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("gcode: line %d: %q: %v", e.Line, e.Text, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Line returns the number of the last line read.
func (p *Parser) Line() int { return p.line }

// stripComments removes parenthesised and ;-to-end-of-line comments.
func stripComments(s string) (string, error) {
	var sb strings.Builder
	depth := 0
	for _, c := range s {
		switch {
		case c == ';' && depth == 0:
			return sb.String(), nil
		case c == '(':
			depth++
		case c == ')':
			if depth == 0 {
				return "", errors.New("unbalanced comment")
			}
			depth--
		case depth == 0:
			sb.WriteRune(c)
		}
	}
	if depth != 0 {
		return "", errors.New("unterminated comment")
	}
	return sb.String(), nil
}

func isNumeric(c byte) bool { return c >= '0' && c <= '9' || c == '.' || c == '+' || c == '-' }

// parseBlock splits a cleaned, upper-case line into words.
func parseBlock(s string) (Block, error) {
	var res Block
	for i := 0; i < len(s); {
		w := s[i]
		if w < 'A' || w > 'Z' {
			return nil, fmt.Errorf("expected a letter at column %d", i+1)
		}
		j := i + 1
		for j < len(s) && isNumeric(s[j]) {
			j++
		}
		if j == i+1 {
			return nil, fmt.Errorf("missing number after %c", w)
		}
		arg, err := strconv.ParseFloat(s[i+1:j], 64)
		if err != nil {
			return nil, fmt.Errorf("bad number after %c: %w", w, err)
		}
		res = append(res, Word{W: w, Arg: arg})
		i = j
	}
	return res, nil
}

func (p *Parser) Read() (Block, error) {
	for {
		s, err := p.br.ReadString('\n')
		if err == io.EOF && s != "" {
			err = nil
		}
		if err != nil {
			return nil, err
		}
		p.line++

		raw := strings.TrimSpace(s)
		s, err = stripComments(raw)
		if err != nil {
			return nil, &ParseError{Line: p.line, Text: raw, Err: err}
		}
		s = strings.ToUpper(strings.Join(strings.Fields(s), ""))
		if s == "" || s == "%" {
			continue
		}

		b, err := parseBlock(s)
		if err != nil {
			return nil, &ParseError{Line: p.line, Text: raw, Err: err}
		}
		return b, nil
	}
}
