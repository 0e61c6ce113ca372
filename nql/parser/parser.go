// Package parser parses nQL source text into a query.Query AST: pipelines of
// filter / show / aggregate / correlate stages, duration and window
// literals, and aggregate-function lists.
package parser

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dajobe/nqlstream/nql/lexer"
	"github.com/dajobe/nqlstream/nql/predicate"
	"github.com/dajobe/nqlstream/nql/query"
)

// ParseError mirrors predicate.ParseError: a message pointing at what was
// expected, with a source position when one is available.
type ParseError struct {
	Msg  string
	Line int
	Col  int
}

func (e *ParseError) Error() string {
	if e.Line == 0 && e.Col == 0 {
		return e.Msg
	}
	return fmt.Sprintf("%s at %d:%d", e.Msg, e.Line, e.Col)
}

// DefaultWithinMs is the correlate query's default `within` duration.
const DefaultWithinMs int64 = 100

// Parse parses a full nQL program: one or more stages separated by `|`.
func Parse(input string) (*query.Query, error) {
	lx, err := lexer.New(input)
	if err != nil {
		return nil, &ParseError{Msg: err.Error()}
	}
	p := &parser{lx: lx}

	var stages []*query.Query
	for {
		stage, err := p.parseStage()
		if err != nil {
			return nil, err
		}
		stages = append(stages, stage)

		if p.lx.PeekToken().Type == lexer.TokenPipe {
			p.lx.NextToken()
			continue
		}
		break
	}

	if tok := p.lx.PeekToken(); tok.Type != lexer.TokenEOF {
		return nil, &ParseError{Msg: fmt.Sprintf("unexpected trailing token %q", tok.Value), Line: tok.Line, Col: tok.Col}
	}

	if len(stages) == 1 {
		return stages[0], nil
	}
	return &query.Query{Pipeline: stages}, nil
}

type parser struct {
	lx *lexer.Lexer
}

// parseStage dispatches on keyword peek.
func (p *parser) parseStage() (*query.Query, error) {
	tok := p.lx.PeekToken()
	if tok.Type == lexer.TokenIdent {
		switch strings.ToLower(tok.Value) {
		case "correlate":
			return p.parseCorrelate()
		case "aggregate":
			return p.parseAggregate()
		case "show":
			return p.parseShow()
		}
	}
	return p.parseFilter()
}

func (p *parser) parseFilter() (*query.Query, error) {
	pred, err := predicate.ParseFromLexer(p.lx)
	if err != nil {
		return nil, err
	}
	return &query.Query{Filter: &query.FilterQuery{Predicate: pred}}, nil
}

func (p *parser) parseCorrelate() (*query.Query, error) {
	p.lx.NextToken() // 'correlate'

	left, err := predicate.ParseFromLexer(p.lx)
	if err != nil {
		return nil, err
	}

	if !p.expectKeyword("with") {
		tok := p.lx.PeekToken()
		return nil, &ParseError{Msg: "expected 'with'", Line: tok.Line, Col: tok.Col}
	}

	right, err := predicate.ParseFromLexer(p.lx)
	if err != nil {
		return nil, err
	}

	withinMs := DefaultWithinMs
	if p.peekKeyword("within") {
		p.lx.NextToken()
		d, err := p.parseDuration()
		if err != nil {
			return nil, err
		}
		withinMs = d
	}

	return &query.Query{Correlate: &query.CorrelateQuery{Left: left, Right: right, WithinMs: withinMs}}, nil
}

func (p *parser) parseAggregate() (*query.Query, error) {
	p.lx.NextToken() // 'aggregate'

	funcs, err := p.parseAggList()
	if err != nil {
		return nil, err
	}

	aq := &query.AggregateQuery{Funcs: funcs}

	if p.peekKeyword("by") {
		p.lx.NextToken()
		fields, err := p.parseFieldList()
		if err != nil {
			return nil, err
		}
		aq.GroupBy = fields
	}

	if p.peekKeyword("where") {
		p.lx.NextToken()
		pred, err := predicate.ParseFromLexer(p.lx)
		if err != nil {
			return nil, err
		}
		aq.Where = pred
	}

	if p.peekKeyword("window") {
		p.lx.NextToken()
		win, err := p.parseWindow()
		if err != nil {
			return nil, err
		}
		aq.Window = win
	}

	return &query.Query{Aggregate: aq}, nil
}

func (p *parser) parseShow() (*query.Query, error) {
	p.lx.NextToken() // 'show'

	sq := &query.ShowQuery{}

	if tok := p.lx.PeekToken(); tok.Type == lexer.TokenOp && tok.Value == "*" {
		p.lx.NextToken()
		sq.SelectAll = true
	} else if tok.Type == lexer.TokenIdent && tok.Value == "*" {
		p.lx.NextToken()
		sq.SelectAll = true
	} else {
		fields, err := p.parseFieldList()
		if err != nil {
			return nil, err
		}
		sq.Fields = fields
	}

	if p.peekKeyword("where") {
		p.lx.NextToken()
		pred, err := predicate.ParseFromLexer(p.lx)
		if err != nil {
			return nil, err
		}
		sq.Where = pred
	}

	return &query.Query{Show: sq}, nil
}

// parseFieldList parses a comma-separated list of field-path idents.
func (p *parser) parseFieldList() ([]string, error) {
	var fields []string
	for {
		tok := p.lx.NextToken()
		if tok.Type != lexer.TokenIdent {
			return nil, &ParseError{Msg: "expected field name", Line: tok.Line, Col: tok.Col}
		}
		fields = append(fields, tok.Value)
		if p.lx.PeekToken().Type == lexer.TokenComma {
			p.lx.NextToken()
			continue
		}
		break
	}
	return fields, nil
}

// parseAggList parses a comma-separated list of aggregate-function calls.
func (p *parser) parseAggList() ([]query.AggFunc, error) {
	var funcs []query.AggFunc
	for {
		fn, err := p.parseAggFunc()
		if err != nil {
			return nil, err
		}
		funcs = append(funcs, fn)
		if p.lx.PeekToken().Type == lexer.TokenComma {
			p.lx.NextToken()
			continue
		}
		break
	}
	return funcs, nil
}

func (p *parser) parseAggFunc() (query.AggFunc, error) {
	nameTok := p.lx.NextToken()
	if nameTok.Type != lexer.TokenIdent {
		return query.AggFunc{}, &ParseError{Msg: "expected aggregate function name", Line: nameTok.Line, Col: nameTok.Col}
	}
	name := strings.ToLower(nameTok.Value)

	if !p.expectLParen() {
		tok := p.lx.PeekToken()
		return query.AggFunc{}, &ParseError{Msg: "expected '('", Line: tok.Line, Col: tok.Col}
	}

	var kind query.AggFuncKind
	switch name {
	case "count":
		kind = query.AggCount
	case "sum":
		kind = query.AggSum
	case "avg":
		kind = query.AggAvg
	case "min":
		kind = query.AggMin
	case "max":
		kind = query.AggMax
	case "percentile":
		kind = query.AggPercentile
	case "distinct":
		kind = query.AggDistinct
	default:
		return query.AggFunc{}, &ParseError{Msg: fmt.Sprintf("unknown aggregate function %q", name), Line: nameTok.Line, Col: nameTok.Col}
	}

	fn := query.AggFunc{Kind: kind}

	if kind == query.AggCount {
		if !p.expectRParen() {
			tok := p.lx.PeekToken()
			return query.AggFunc{}, &ParseError{Msg: "expected ')'", Line: tok.Line, Col: tok.Col}
		}
		return fn, nil
	}

	fieldTok := p.lx.NextToken()
	if fieldTok.Type != lexer.TokenIdent {
		return query.AggFunc{}, &ParseError{Msg: "expected field name", Line: fieldTok.Line, Col: fieldTok.Col}
	}
	fn.Field = fieldTok.Value

	if kind == query.AggPercentile {
		if p.lx.PeekToken().Type != lexer.TokenComma {
			tok := p.lx.PeekToken()
			return query.AggFunc{}, &ParseError{Msg: "expected ','", Line: tok.Line, Col: tok.Col}
		}
		p.lx.NextToken()
		numTok := p.lx.NextToken()
		if numTok.Type != lexer.TokenNumber {
			return query.AggFunc{}, &ParseError{Msg: "expected percentile number", Line: numTok.Line, Col: numTok.Col}
		}
		f, err := strconv.ParseFloat(numTok.Value, 64)
		if err != nil {
			return query.AggFunc{}, &ParseError{Msg: "invalid percentile number " + numTok.Value}
		}
		fn.Percentile = f
	}

	if !p.expectRParen() {
		tok := p.lx.PeekToken()
		return query.AggFunc{}, &ParseError{Msg: "expected ')'", Line: tok.Line, Col: tok.Col}
	}
	return fn, nil
}

// parseWindow parses tumbling(dur) | sliding(dur, dur) | session(dur).
func (p *parser) parseWindow() (query.Window, error) {
	nameTok := p.lx.NextToken()
	if nameTok.Type != lexer.TokenIdent {
		return query.Window{}, &ParseError{Msg: "expected window kind", Line: nameTok.Line, Col: nameTok.Col}
	}
	name := strings.ToLower(nameTok.Value)

	if !p.expectLParen() {
		tok := p.lx.PeekToken()
		return query.Window{}, &ParseError{Msg: "expected '('", Line: tok.Line, Col: tok.Col}
	}

	var win query.Window
	switch name {
	case "tumbling":
		d, err := p.parseDuration()
		if err != nil {
			return query.Window{}, err
		}
		win = query.Window{Kind: query.WindowTumbling, SizeMs: d}
	case "sliding":
		size, err := p.parseDuration()
		if err != nil {
			return query.Window{}, err
		}
		if p.lx.PeekToken().Type != lexer.TokenComma {
			tok := p.lx.PeekToken()
			return query.Window{}, &ParseError{Msg: "expected ','", Line: tok.Line, Col: tok.Col}
		}
		p.lx.NextToken()
		slide, err := p.parseDuration()
		if err != nil {
			return query.Window{}, err
		}
		win = query.Window{Kind: query.WindowSliding, SizeMs: size, SlideMs: slide}
	case "session":
		d, err := p.parseDuration()
		if err != nil {
			return query.Window{}, err
		}
		win = query.Window{Kind: query.WindowSession, TimeoutMs: d}
	default:
		return query.Window{}, &ParseError{Msg: fmt.Sprintf("unknown window kind %q", name), Line: nameTok.Line, Col: nameTok.Col}
	}

	if !p.expectRParen() {
		tok := p.lx.PeekToken()
		return query.Window{}, &ParseError{Msg: "expected ')'", Line: tok.Line, Col: tok.Col}
	}
	return win, nil
}

// parseDuration parses an integer followed by a unit (ms|s|m|h) and returns
// the value converted to milliseconds.
func (p *parser) parseDuration() (int64, error) {
	numTok := p.lx.NextToken()
	if numTok.Type != lexer.TokenNumber {
		return 0, &ParseError{Msg: "expected duration", Line: numTok.Line, Col: numTok.Col}
	}
	n, err := strconv.ParseInt(numTok.Value, 10, 64)
	if err != nil {
		return 0, &ParseError{Msg: "invalid duration number " + numTok.Value}
	}

	unitTok := p.lx.NextToken()
	if unitTok.Type != lexer.TokenIdent {
		return 0, &ParseError{Msg: "expected duration unit (ms|s|m|h)", Line: unitTok.Line, Col: unitTok.Col}
	}

	switch unitTok.Value {
	case "ms":
		return n, nil
	case "s":
		return n * 1000, nil
	case "m":
		return n * 60 * 1000, nil
	case "h":
		return n * 60 * 60 * 1000, nil
	default:
		return 0, &ParseError{Msg: fmt.Sprintf("unknown duration unit %q", unitTok.Value), Line: unitTok.Line, Col: unitTok.Col}
	}
}

func (p *parser) expectLParen() bool {
	if p.lx.PeekToken().Type == lexer.TokenLParen {
		p.lx.NextToken()
		return true
	}
	return false
}

func (p *parser) expectRParen() bool {
	if p.lx.PeekToken().Type == lexer.TokenRParen {
		p.lx.NextToken()
		return true
	}
	return false
}

func (p *parser) peekKeyword(kw string) bool {
	tok := p.lx.PeekToken()
	return tok.Type == lexer.TokenIdent && strings.EqualFold(tok.Value, kw)
}

func (p *parser) expectKeyword(kw string) bool {
	if p.peekKeyword(kw) {
		p.lx.NextToken()
		return true
	}
	return false
}
