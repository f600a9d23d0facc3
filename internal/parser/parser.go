// Package parser implements the recursive-descent S-expression reader
// (component E's input grammar), grounded on original_source/parser.cpp
// and parser.hpp.
package parser

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"sanya/internal/gc"
	"sanya/internal/heap"
	"sanya/internal/value"
)

// Parser reads S-expressions from a rune stream. It produces uninterned
// symbols, matching parser.cpp's newSymbolFromC — see DESIGN.md's open
// question on the parser/codegen interning split (the code generator is
// the one that interns, not the reader).
type Parser struct {
	r       *bufio.Reader
	ts      *heap.ThreadState
	pending rune
	hasPend bool
}

func New(ts *heap.ThreadState, r io.Reader) *Parser {
	return &Parser{r: bufio.NewReader(r), ts: ts}
}

// ParseAll reads every top-level form until EOF. While reading, the
// forms parsed so far are held as a handle-registered list, never in a
// bare Go slice: any later pair allocation can trigger a collection that
// moves them (invariant I3). The returned slice is materialized only
// after the last allocation; it stays valid because the module generator
// that consumes it forbids collection for the whole compile phase.
func (p *Parser) ParseAll() ([]value.Value, error) {
	rev := p.ts.NewHandle(value.Nil)
	defer p.ts.Release(rev)
	for {
		p.skipWS()
		if !p.hasNext() {
			break
		}
		v, err := p.parseOne()
		if err != nil {
			return nil, err
		}
		rev.Set(gc.NewPair(p.ts, v, rev.Get()))
	}

	var forms []value.Value
	for l := reverseInPlace(p.ts, rev.Get()); l != value.Nil; l = p.ts.PairCdr(l) {
		forms = append(forms, p.ts.PairCar(l))
	}
	return forms, nil
}

// reverseInPlace destructively reverses a proper list by cdr rewiring.
// It allocates nothing, so the result can be walked without handle
// protection.
func reverseInPlace(ts *heap.ThreadState, list value.Value) value.Value {
	prev := value.Nil
	for list != value.Nil {
		next := ts.PairCdr(list)
		ts.SetPairCdr(list, prev)
		prev = list
		list = next
	}
	return prev
}

func (p *Parser) hasNext() bool {
	_, err := p.peek()
	return err == nil
}

func (p *Parser) peek() (rune, error) {
	if p.hasPend {
		return p.pending, nil
	}
	r, _, err := p.r.ReadRune()
	if err != nil {
		return 0, err
	}
	p.pending = r
	p.hasPend = true
	return r, nil
}

func (p *Parser) getNext() (rune, error) {
	if p.hasPend {
		p.hasPend = false
		return p.pending, nil
	}
	r, _, err := p.r.ReadRune()
	return r, err
}

func (p *Parser) putBack(r rune) {
	p.pending = r
	p.hasPend = true
}

func (p *Parser) skipWS() {
	for {
		r, err := p.getNext()
		if err != nil {
			return
		}
		if !isSpace(r) {
			p.putBack(r)
			return
		}
	}
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}

func isDelim(r rune) bool {
	return isSpace(r) || r == '(' || r == ')' || r == '[' || r == ']'
}

// parseOne dispatches on the first non-whitespace rune, mirroring
// parser.cpp's Parser::parse: '(' or '[' starts a list, a digit starts
// a fixnum, anything else is an atom (#t/#f or a symbol).
func (p *Parser) parseOne() (value.Value, error) {
	p.skipWS()
	r, err := p.getNext()
	if err != nil {
		return 0, fmt.Errorf("parser: unexpected EOF")
	}
	switch {
	case r == '(' || r == '[':
		return p.parseList(closerFor(r))
	case r == ')' || r == ']':
		return 0, fmt.Errorf("parser: unexpected %q", r)
	case r >= '0' && r <= '9':
		p.putBack(r)
		return p.parseFixnum()
	default:
		p.putBack(r)
		return p.parseAtom()
	}
}

func closerFor(opener rune) rune {
	if opener == '(' {
		return ')'
	}
	return ']'
}

// parseList reads elements until the matching closer, building a
// right-nested cons chain terminated by Nil — parser.cpp's parseList.
// Elements are accumulated in reverse on a handle-held list (each
// parseOne below may cons and therefore collect) and rewired into
// source order at the end.
func (p *Parser) parseList(closer rune) (value.Value, error) {
	rev := p.ts.NewHandle(value.Nil)
	defer p.ts.Release(rev)
	for {
		p.skipWS()
		r, err := p.peek()
		if err != nil {
			return 0, fmt.Errorf("parser: unterminated list")
		}
		if r == ')' || r == ']' {
			if r != closer {
				return 0, fmt.Errorf("parser: mismatched %q, want %q", r, closer)
			}
			p.getNext()
			break
		}
		item, err := p.parseOne()
		if err != nil {
			return 0, err
		}
		rev.Set(gc.NewPair(p.ts, item, rev.Get()))
	}
	return reverseInPlace(p.ts, rev.Get()), nil
}

// parseFixnum reads a run of digits. The grammar has no sign: negative
// literals do not exist in source text (spec.md's supplemented parser
// surface; see SPEC_FULL.md).
func (p *Parser) parseFixnum() (value.Value, error) {
	var sb strings.Builder
	for {
		r, err := p.getNext()
		if err != nil {
			break
		}
		if r < '0' || r > '9' {
			p.putBack(r)
			break
		}
		sb.WriteRune(r)
	}
	n, err := strconv.ParseInt(sb.String(), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parser: bad fixnum %q: %w", sb.String(), err)
	}
	return value.NewFixnum(n), nil
}

// parseAtom reads #t/#f or a bare symbol (terminated by whitespace or a
// list delimiter), matching parser.cpp's parseAtom special-casing of
// "#t"/"#f" before falling back to newSymbolFromC.
func (p *Parser) parseAtom() (value.Value, error) {
	var sb strings.Builder
	for {
		r, err := p.getNext()
		if err != nil {
			break
		}
		if isDelim(r) {
			p.putBack(r)
			break
		}
		sb.WriteRune(r)
	}
	text := sb.String()
	switch text {
	case "#t":
		return value.True, nil
	case "#f":
		return value.False, nil
	case "":
		return 0, fmt.Errorf("parser: empty atom")
	default:
		return gc.NewSymbolUninterned(p.ts, text), nil
	}
}
