// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at DicomRoute (https://github.com/dicomroute/dicomroute).
// Copyright 2021-present DicomRoute authors.

// Package anonymize rewrites DICOM attributes under the control of a small
// script language and verifies the result before it may leave the process.
// A script is a list of statements, one per line:
//
//	(0010,0010) := "ANONYMOUS"
//	(0020,000D) := hashUID[(0020,000D)]
//	(0008,0020) := shiftDateTimeByIncrement[(0008,0020), "30", "days"]
//	blankValues[(0010,0030), (0008,0050)]
//	// comments run to end of line
//
// Expressions are string literals, tag references, built-in calls and `+`
// concatenation.
package anonymize

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/grailbio/go-dicom/dicomtag"
)

// Statement is one line of a script. Target is nil for bare calls.
type Statement struct {
	Line   int
	Target *dicomtag.Tag
	Expr   Expr
}

// Script is a parsed anonymization script.
type Script struct {
	Name       string
	Statements []Statement
}

// AssignsTag reports whether any statement assigns the given tag.
func (s *Script) AssignsTag(tag dicomtag.Tag) bool {
	for _, st := range s.Statements {
		if st.Target != nil && *st.Target == tag {
			return true
		}
	}
	return false
}

// Expr is a parsed expression node.
type Expr interface {
	exprNode()
}

// StringLit is a quoted literal.
type StringLit struct {
	Value string
}

// TagRef reads the current value of a tag.
type TagRef struct {
	Tag dicomtag.Tag
}

// Call invokes a built-in function.
type Call struct {
	Name string
	Args []Expr
}

// Concat joins the string values of its parts.
type Concat struct {
	Parts []Expr
}

func (StringLit) exprNode() {}
func (TagRef) exprNode()    {}
func (Call) exprNode()      {}
func (Concat) exprNode()    {}

// ParseError reports where a script failed to parse.
type ParseError struct {
	Script string
	Line   int
	Msg    string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("script %s line %d: %s", e.Script, e.Line, e.Msg)
}

// Parse parses script text. The name is used in error messages only.
func Parse(name, text string) (*Script, error) {
	script := &Script{Name: name}
	for i, line := range strings.Split(text, "\n") {
		lineNo := i + 1
		stmt, err := parseLine(line)
		if err != nil {
			return nil, &ParseError{Script: name, Line: lineNo, Msg: err.Error()}
		}
		if stmt == nil {
			continue
		}
		stmt.Line = lineNo
		script.Statements = append(script.Statements, *stmt)
	}
	return script, nil
}

func parseLine(line string) (*Statement, error) {
	p := &parser{input: line}
	p.skipSpace()
	if p.eof() {
		return nil, nil
	}

	var stmt Statement
	if p.peek() == '(' {
		tag, err := p.tag()
		if err != nil {
			return nil, err
		}
		p.skipSpace()
		if !p.consume(":=") {
			return nil, fmt.Errorf("expected := after tag %s", tagString(tag))
		}
		stmt.Target = &tag
	}
	expr, err := p.expression()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if !p.eof() {
		return nil, fmt.Errorf("trailing input %q", p.rest())
	}
	if stmt.Target == nil {
		call, ok := expr.(*Call)
		if !ok {
			return nil, fmt.Errorf("statement is neither an assignment nor a call")
		}
		expr = call
	}
	stmt.Expr = expr
	return &stmt, nil
}

type parser struct {
	input string
	pos   int
}

func (p *parser) eof() bool {
	return p.pos >= len(p.input)
}

func (p *parser) peek() byte {
	return p.input[p.pos]
}

func (p *parser) rest() string {
	return p.input[p.pos:]
}

func (p *parser) skipSpace() {
	for !p.eof() {
		c := p.peek()
		if c == '/' && strings.HasPrefix(p.rest(), "//") {
			p.pos = len(p.input)
			return
		}
		if c != ' ' && c != '\t' && c != '\r' {
			return
		}
		p.pos++
	}
}

func (p *parser) consume(tok string) bool {
	if strings.HasPrefix(p.rest(), tok) {
		p.pos += len(tok)
		return true
	}
	return false
}

// expression parses term { "+" term }.
func (p *parser) expression() (Expr, error) {
	first, err := p.term()
	if err != nil {
		return nil, err
	}
	parts := []Expr{first}
	for {
		p.skipSpace()
		if p.eof() || p.peek() != '+' {
			break
		}
		p.pos++
		next, err := p.term()
		if err != nil {
			return nil, err
		}
		parts = append(parts, next)
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	return &Concat{Parts: parts}, nil
}

func (p *parser) term() (Expr, error) {
	p.skipSpace()
	if p.eof() {
		return nil, fmt.Errorf("unexpected end of line")
	}
	switch c := p.peek(); {
	case c == '"':
		return p.stringLit()
	case c == '(':
		tag, err := p.tag()
		if err != nil {
			return nil, err
		}
		return &TagRef{Tag: tag}, nil
	case isIdentStart(c):
		return p.call()
	default:
		return nil, fmt.Errorf("unexpected character %q", string(c))
	}
}

func (p *parser) stringLit() (Expr, error) {
	p.pos++ // opening quote
	var b strings.Builder
	for !p.eof() {
		c := p.peek()
		p.pos++
		switch c {
		case '"':
			return &StringLit{Value: b.String()}, nil
		case '\\':
			if p.eof() {
				return nil, fmt.Errorf("dangling escape in string literal")
			}
			b.WriteByte(p.peek())
			p.pos++
		default:
			b.WriteByte(c)
		}
	}
	return nil, fmt.Errorf("unterminated string literal")
}

// tag parses "(gggg,eeee)" with case-insensitive hex.
func (p *parser) tag() (dicomtag.Tag, error) {
	var tag dicomtag.Tag
	if !p.consume("(") {
		return tag, fmt.Errorf("expected ( to open tag")
	}
	group, err := p.hex4()
	if err != nil {
		return tag, err
	}
	if !p.consume(",") {
		return tag, fmt.Errorf("expected , inside tag")
	}
	element, err := p.hex4()
	if err != nil {
		return tag, err
	}
	if !p.consume(")") {
		return tag, fmt.Errorf("expected ) to close tag")
	}
	return dicomtag.Tag{Group: group, Element: element}, nil
}

func (p *parser) hex4() (uint16, error) {
	start := p.pos
	for !p.eof() && isHexDigit(p.peek()) {
		p.pos++
	}
	digits := p.input[start:p.pos]
	if len(digits) != 4 {
		return 0, fmt.Errorf("expected 4 hex digits, got %q", digits)
	}
	v, err := strconv.ParseUint(digits, 16, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}

func (p *parser) call() (Expr, error) {
	start := p.pos
	for !p.eof() && isIdentPart(p.peek()) {
		p.pos++
	}
	name := p.input[start:p.pos]
	p.skipSpace()
	if p.eof() || p.peek() != '[' {
		return nil, fmt.Errorf("expected [ after %s", name)
	}
	p.pos++
	call := &Call{Name: name}
	p.skipSpace()
	if !p.eof() && p.peek() == ']' {
		p.pos++
		return call, nil
	}
	for {
		arg, err := p.expression()
		if err != nil {
			return nil, err
		}
		call.Args = append(call.Args, arg)
		p.skipSpace()
		if p.consume(",") {
			continue
		}
		if p.consume("]") {
			return call, nil
		}
		return nil, fmt.Errorf("expected , or ] in %s arguments", name)
	}
}

func isIdentStart(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_'
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c >= '0' && c <= '9'
}

func isHexDigit(c byte) bool {
	return c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F'
}

func tagString(tag dicomtag.Tag) string {
	return fmt.Sprintf("(%04x,%04x)", tag.Group, tag.Element)
}
