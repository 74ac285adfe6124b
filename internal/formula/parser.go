package formula

import (
	"fmt"
	"strconv"

	"github.com/race-share/share/internal/model"
)

// Parse compiles formula source text into an expr, resolving same-column
// references against ownColumnID (spec.md §8 scenario 3 uses both the full
// "/col//row" cross-column form and the bare "/row" same-column shorthand).
//
// Grammar:
//
//	expr    := call | ref | literal
//	call    := IDENT "(" [ expr ("," expr)* ] ")"
//	ref     := "/" IDENT [ "//" IDENT ]
//	literal := LONG | DOUBLE | "true" | "false" | STRING
func Parse(src string, ownColumnID string) (expr, error) {
	p := &parser{src: src, ownColumnID: ownColumnID}
	p.skipSpace()
	e, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos != len(p.src) {
		return nil, fmt.Errorf("formula: unexpected trailing input %q", p.src[p.pos:])
	}
	return e, nil
}

type parser struct {
	src         string
	pos         int
	ownColumnID string
}

func (p *parser) skipSpace() {
	for p.pos < len(p.src) && (p.src[p.pos] == ' ' || p.src[p.pos] == '\t') {
		p.pos++
	}
}

func (p *parser) peek() byte {
	if p.pos >= len(p.src) {
		return 0
	}
	return p.src[p.pos]
}

func (p *parser) parseExpr() (expr, error) {
	p.skipSpace()
	switch {
	case p.peek() == '/':
		return p.parseRef()
	case p.peek() == '"':
		return p.parseStringLiteral()
	case isIdentStart(p.peek()):
		ident := p.parseIdent()
		p.skipSpace()
		if p.peek() == '(' {
			return p.parseCall(ident)
		}
		return p.parseBareLiteral(ident)
	case isDigitOrSign(p.peek()):
		return p.parseNumberLiteral()
	default:
		return nil, fmt.Errorf("formula: unexpected character %q at offset %d", p.peek(), p.pos)
	}
}

func (p *parser) parseRef() (expr, error) {
	p.pos++ // consume leading '/'
	first := p.parseIdent()
	if first == "" {
		return nil, fmt.Errorf("formula: expected identifier after '/' at offset %d", p.pos)
	}
	if p.peek() == '/' {
		p.pos++
		if p.peek() != '/' {
			return nil, fmt.Errorf("formula: expected '//' after column id '%s' at offset %d", first, p.pos)
		}
		p.pos++
		second := p.parseIdent()
		if second == "" {
			return nil, fmt.Errorf("formula: expected row id after '%s//' at offset %d", first, p.pos)
		}
		return refExpr{ref: model.CellRef{ColumnID: first, RowID: second}}, nil
	}
	// Bare "/rowId" is a same-column reference (spec.md §8 scenario 3).
	return refExpr{ref: model.CellRef{ColumnID: p.ownColumnID, RowID: first}}, nil
}

func (p *parser) parseCall(name string) (expr, error) {
	p.pos++ // consume '('
	var args []expr
	p.skipSpace()
	if p.peek() != ')' {
		for {
			arg, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
			p.skipSpace()
			if p.peek() == ',' {
				p.pos++
				continue
			}
			break
		}
	}
	p.skipSpace()
	if p.peek() != ')' {
		return nil, fmt.Errorf("formula: expected ')' to close call to %q at offset %d", name, p.pos)
	}
	p.pos++
	fn, err := lookupFunc(name, len(args))
	if err != nil {
		return nil, err
	}
	return callExpr{name: name, args: args, fn: fn}, nil
}

func (p *parser) parseBareLiteral(ident string) (expr, error) {
	switch ident {
	case "true":
		return literalExpr{value: model.BoolValue(true, 0)}, nil
	case "false":
		return literalExpr{value: model.BoolValue(false, 0)}, nil
	default:
		return nil, fmt.Errorf("formula: unknown identifier %q (expected a function call)", ident)
	}
}

func (p *parser) parseStringLiteral() (expr, error) {
	p.pos++ // consume opening quote
	start := p.pos
	for p.pos < len(p.src) && p.src[p.pos] != '"' {
		p.pos++
	}
	if p.pos >= len(p.src) {
		return nil, fmt.Errorf("formula: unterminated string literal")
	}
	s := p.src[start:p.pos]
	p.pos++ // consume closing quote
	return literalExpr{value: model.StringValue(s, 0)}, nil
}

func (p *parser) parseNumberLiteral() (expr, error) {
	start := p.pos
	if p.peek() == '+' || p.peek() == '-' {
		p.pos++
	}
	isFloat := false
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		if c >= '0' && c <= '9' {
			p.pos++
			continue
		}
		if c == '.' && !isFloat {
			isFloat = true
			p.pos++
			continue
		}
		break
	}
	tok := p.src[start:p.pos]
	if isFloat {
		v, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			return nil, fmt.Errorf("formula: invalid number literal %q: %w", tok, err)
		}
		return literalExpr{value: model.DoubleValue(v, 0)}, nil
	}
	v, err := strconv.ParseInt(tok, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("formula: invalid number literal %q: %w", tok, err)
	}
	return literalExpr{value: model.LongValue(v, 0)}, nil
}

func (p *parser) parseIdent() string {
	start := p.pos
	for p.pos < len(p.src) && isIdentChar(p.src[p.pos]) {
		p.pos++
	}
	return p.src[start:p.pos]
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentChar(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9') || c == '-' || c == '.'
}

func isDigitOrSign(c byte) bool {
	return (c >= '0' && c <= '9') || c == '+' || c == '-'
}
