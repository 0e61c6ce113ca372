package predicate

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dajobe/nqlstream/nql/lexer"
)

// ParseError is returned for a predicate that failed to parse; Msg points at
// what was expected, with line:col position information.
type ParseError struct {
	Msg  string
	Line int
	Col  int
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s at %d:%d", e.Msg, e.Line, e.Col)
}

// Parse parses a full predicate expression: NOT (tightest) then AND then OR
// (loosest), with parenthesized sub-expressions and case-insensitive
// keywords.
func Parse(input string) (Predicate, error) {
	lx, err := lexer.New(input)
	if err != nil {
		return nil, &ParseError{Msg: err.Error()}
	}
	pred, err := ParseFromLexer(lx)
	if err != nil {
		return nil, err
	}
	if tok := lx.PeekToken(); tok.Type != lexer.TokenEOF {
		return nil, &ParseError{Msg: fmt.Sprintf("unexpected trailing token %q", tok.Value), Line: tok.Line, Col: tok.Col}
	}
	return pred, nil
}

// ParseFromLexer parses one predicate expression from an already-tokenized
// lexer, consuming only as many tokens as the predicate needs and leaving
// the rest (e.g. a following `|`, `by`, `window` keyword) for the caller.
// This lets the top-level nQL parser share one token stream across an
// entire pipeline instead of re-lexing each stage's substring.
func ParseFromLexer(lx *lexer.Lexer) (Predicate, error) {
	p := &parser{lx: lx}
	return p.parseOr()
}

type parser struct {
	lx *lexer.Lexer
}

func (p *parser) parseOr() (Predicate, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	children := []Predicate{left}
	for p.matchKeyword("OR") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		children = append(children, right)
	}
	if len(children) == 1 {
		return children[0], nil
	}
	return &Or{Children: children}, nil
}

func (p *parser) parseAnd() (Predicate, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	children := []Predicate{left}
	for p.matchKeyword("AND") {
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		children = append(children, right)
	}
	if len(children) == 1 {
		return children[0], nil
	}
	return &And{Children: children}, nil
}

func (p *parser) parseNot() (Predicate, error) {
	if p.matchKeyword("NOT") {
		child, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &Not{Child: child}, nil
	}
	return p.parseAtom()
}

func (p *parser) parseAtom() (Predicate, error) {
	tok := p.lx.PeekToken()
	if tok.Type == lexer.TokenLParen {
		p.lx.NextToken()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		closing := p.lx.NextToken()
		if closing.Type != lexer.TokenRParen {
			return nil, &ParseError{Msg: "expected ')'", Line: closing.Line, Col: closing.Col}
		}
		return inner, nil
	}
	return p.parseLeaf()
}

func (p *parser) parseLeaf() (*Leaf, error) {
	fieldTok := p.lx.NextToken()
	if fieldTok.Type != lexer.TokenIdent {
		return nil, &ParseError{Msg: "expected field path", Line: fieldTok.Line, Col: fieldTok.Col}
	}
	field := fieldTok.Value

	opTok := p.lx.NextToken()
	op, err := parseOp(opTok)
	if err != nil {
		return nil, err
	}

	if op == OpRegex || op == OpNotRegex {
		valTok := p.lx.NextToken()
		pattern, err := literalAsRegexSource(valTok)
		if err != nil {
			return nil, err
		}
		return NewRegexLeaf(field, op, pattern), nil
	}

	if op == OpIn {
		items, err := p.parseInList()
		if err != nil {
			return nil, err
		}
		return &Leaf{Field: field, Op: op, Value: items}, nil
	}

	valTok := p.lx.NextToken()
	lit, err := parseLiteral(valTok)
	if err != nil {
		return nil, err
	}
	return &Leaf{Field: field, Op: op, Value: lit}, nil
}

// parseInList parses the parenthesized literal list following `in`, e.g.
// `level in ("ERROR", "WARN")`. The base value grammar defines only scalar
// literals; a parenthesized, comma-separated literal list is this
// implementation's resolution for `in`'s right-hand side (see DESIGN.md).
func (p *parser) parseInList() ([]interface{}, error) {
	open := p.lx.NextToken()
	if open.Type != lexer.TokenLParen {
		return nil, &ParseError{Msg: "expected '(' after 'in'", Line: open.Line, Col: open.Col}
	}
	var items []interface{}
	for {
		tok := p.lx.PeekToken()
		if tok.Type == lexer.TokenRParen {
			p.lx.NextToken()
			break
		}
		raw := p.lx.NextToken()
		val, err := parseLiteral(raw)
		if err != nil {
			return nil, err
		}
		items = append(items, val)
		if c := p.lx.PeekToken(); c.Type == lexer.TokenComma {
			p.lx.NextToken()
		}
	}
	return items, nil
}

func parseOp(tok lexer.Token) (Op, error) {
	switch tok.Type {
	case lexer.TokenOp:
		return Op(tok.Value), nil
	case lexer.TokenIdent:
		switch strings.ToLower(tok.Value) {
		case "in":
			return OpIn, nil
		case "contains":
			return OpContains, nil
		}
	}
	return "", &ParseError{Msg: fmt.Sprintf("expected operator, got %q", tok.Value), Line: tok.Line, Col: tok.Col}
}

func literalAsRegexSource(tok lexer.Token) (string, error) {
	switch tok.Type {
	case lexer.TokenString, lexer.TokenIdent, lexer.TokenNumber:
		return tok.Value, nil
	default:
		return "", &ParseError{Msg: "expected regex literal", Line: tok.Line, Col: tok.Col}
	}
}

func parseLiteral(tok lexer.Token) (interface{}, error) {
	return parseLiteralString(tok.Type, tok.Value)
}

func parseLiteralString(t lexer.TokenType, v string) (interface{}, error) {
	switch t {
	case lexer.TokenString:
		return v, nil
	case lexer.TokenNumber:
		if strings.Contains(v, ".") {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, &ParseError{Msg: "invalid real literal " + v}
			}
			return f, nil
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, &ParseError{Msg: "invalid integer literal " + v}
		}
		return n, nil
	case lexer.TokenIdent:
		switch v {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
		return v, nil
	default:
		return nil, &ParseError{Msg: "expected a literal value"}
	}
}

// matchKeyword consumes the next token if it is a case-insensitive match for
// kw, returning whether it matched.
func (p *parser) matchKeyword(kw string) bool {
	tok := p.lx.PeekToken()
	if tok.Type == lexer.TokenIdent && strings.EqualFold(tok.Value, kw) {
		p.lx.NextToken()
		return true
	}
	return false
}
