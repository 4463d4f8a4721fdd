package expr

import (
	"fmt"
	"strconv"
	"strings"
)

type parser struct {
	toks []token
	pos  int
	src  string
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) atEOF() bool { return p.peek().kind == tokEOF }

func (p *parser) errorf(pos int, format string, args ...any) error {
	return &ParseError{Src: p.src, Pos: pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) parseExpr() (node, error) {
	return p.parseComparison()
}

func (p *parser) parseComparison() (node, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	t := p.peek()
	if t.kind == tokOp {
		switch t.lit {
		case "=", "!=", "<>", "<", "<=", ">", ">=":
			p.next()
			right, err := p.parseAdditive()
			if err != nil {
				return nil, err
			}
			op := t.lit
			if op == "<>" {
				op = "!="
			}
			return &binaryNode{op: op, left: left, right: right}, nil
		}
	}
	return left, nil
}

func (p *parser) parseAdditive() (node, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind != tokOp || (t.lit != "+" && t.lit != "-" && t.lit != "||") {
			return left, nil
		}
		p.next()
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: t.lit, left: left, right: right}
	}
}

func (p *parser) parseMultiplicative() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind != tokOp || (t.lit != "*" && t.lit != "/" && t.lit != "%") {
			return left, nil
		}
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: t.lit, left: left, right: right}
	}
}

func (p *parser) parseUnary() (node, error) {
	t := p.peek()
	if t.kind == tokOp && t.lit == "-" {
		p.next()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &unaryNode{op: "-", operand: operand}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		if strings.Contains(t.lit, ".") {
			f, err := strconv.ParseFloat(t.lit, 64)
			if err != nil {
				return nil, p.errorf(t.pos, "malformed number %q", t.lit)
			}
			return &literalNode{value: f}, nil
		}
		i, err := strconv.ParseInt(t.lit, 10, 64)
		if err != nil {
			return nil, p.errorf(t.pos, "malformed number %q", t.lit)
		}
		return &literalNode{value: i}, nil
	case tokString:
		return &literalNode{value: t.lit}, nil
	case tokIdent:
		switch strings.ToLower(t.lit) {
		case "true":
			return &literalNode{value: true}, nil
		case "false":
			return &literalNode{value: false}, nil
		case "null":
			return &literalNode{value: nil}, nil
		}
		if p.peek().kind == tokLParen {
			p.next()
			name := strings.ToLower(t.lit)
			if _, ok := functions[name]; !ok {
				return nil, p.errorf(t.pos, "unknown function %q", t.lit)
			}
			var args []node
			if p.peek().kind != tokRParen {
				for {
					arg, err := p.parseExpr()
					if err != nil {
						return nil, err
					}
					args = append(args, arg)
					if p.peek().kind == tokComma {
						p.next()
						continue
					}
					break
				}
			}
			if p.peek().kind != tokRParen {
				return nil, p.errorf(p.peek().pos, "expected ) after arguments of %s", t.lit)
			}
			p.next()
			return &callNode{name: name, args: args}, nil
		}
		return &columnNode{name: t.lit}, nil
	case tokLParen:
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if p.peek().kind != tokRParen {
			return nil, p.errorf(p.peek().pos, "expected )")
		}
		p.next()
		return inner, nil
	case tokEOF:
		return nil, p.errorf(t.pos, "unexpected end of expression")
	}
	return nil, p.errorf(t.pos, "unexpected %q", t.lit)
}
