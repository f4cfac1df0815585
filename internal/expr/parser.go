package expr

import (
	"fmt"
	"strconv"
	"strings"
)

// parser is a recursive-descent parser over the token stream. Grammar, in
// precedence order (loosest first):
//
//	expression  := ternary
//	ternary     := or ( '?' expression ':' expression )?
//	or          := and ( '||' and )*
//	and         := equality ( '&&' equality )*
//	equality    := relational ( ('=='|'!=') relational )*
//	relational  := additive ( ('<'|'<='|'>'|'>=') additive )*
//	additive    := multiplicative ( ('+'|'-') multiplicative )*
//	multiplic.  := unary ( ('*'|'/') unary )*
//	unary       := ('!'|'-') unary | postfix
//	postfix     := primary ( '.' ident args? | '?.' ident args? | '[' expression ']' )*
//	primary     := literal | '#' ident | ident args? | '(' expression ')'
//	             | 'T' '(' qualified ')' '.' ident args
type parser struct {
	src  string
	toks []token
	idx  int
}

func parse(src string) (node, *ParseError) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{src: src, toks: toks}
	root, perr := p.expression()
	if perr != nil {
		return nil, perr
	}
	if p.peek().kind != tokEOF {
		return nil, p.errorf(p.peek().pos, "unexpected token %q", p.peek().text)
	}
	return root, nil
}

func (p *parser) peek() token  { return p.toks[p.idx] }
func (p *parser) advance() token {
	tok := p.toks[p.idx]
	if tok.kind != tokEOF {
		p.idx++
	}
	return tok
}

func (p *parser) expect(kind tokenKind, what string) (token, *ParseError) {
	tok := p.peek()
	if tok.kind != kind {
		return token{}, p.errorf(tok.pos, "expected %s, found %q", what, tok.text)
	}
	return p.advance(), nil
}

func (p *parser) errorf(pos int, format string, args ...any) *ParseError {
	return &ParseError{Source: p.src, Position: pos, Detail: fmt.Sprintf(format, args...)}
}

// spanFrom slices the source between a start offset and the current token.
func (p *parser) spanFrom(start int) string {
	end := len(p.src)
	if p.peek().kind != tokEOF {
		end = p.peek().pos
	}
	return strings.TrimSpace(p.src[start:end])
}

func (p *parser) expression() (node, *ParseError) {
	start := p.peek().pos
	cond, err := p.or()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokQuestion {
		return cond, nil
	}
	p.advance()
	then, err := p.expression()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(tokColon, "':'"); err != nil {
		return nil, err
	}
	other, err := p.expression()
	if err != nil {
		return nil, err
	}
	return &ternaryNode{cond: cond, then: then, other: other, src: p.spanFrom(start)}, nil
}

func (p *parser) or() (node, *ParseError) {
	return p.binaryLevel([]tokenKind{tokOr}, p.and)
}

func (p *parser) and() (node, *ParseError) {
	return p.binaryLevel([]tokenKind{tokAnd}, p.equality)
}

func (p *parser) equality() (node, *ParseError) {
	return p.binaryLevel([]tokenKind{tokEq, tokNe}, p.relational)
}

func (p *parser) relational() (node, *ParseError) {
	return p.binaryLevel([]tokenKind{tokLt, tokLe, tokGt, tokGe}, p.additive)
}

func (p *parser) additive() (node, *ParseError) {
	return p.binaryLevel([]tokenKind{tokPlus, tokMinus}, p.multiplicative)
}

func (p *parser) multiplicative() (node, *ParseError) {
	return p.binaryLevel([]tokenKind{tokStar, tokSlash}, p.unary)
}

func (p *parser) binaryLevel(ops []tokenKind, next func() (node, *ParseError)) (node, *ParseError) {
	start := p.peek().pos
	left, err := next()
	if err != nil {
		return nil, err
	}
	for {
		kind := p.peek().kind
		matched := false
		for _, op := range ops {
			if kind == op {
				matched = true
				break
			}
		}
		if !matched {
			return left, nil
		}
		p.advance()
		right, err := next()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: kind, left: left, right: right, src: p.spanFrom(start)}
	}
}

func (p *parser) unary() (node, *ParseError) {
	start := p.peek().pos
	switch p.peek().kind {
	case tokBang, tokMinus:
		op := p.advance().kind
		operand, err := p.unary()
		if err != nil {
			return nil, err
		}
		return &unaryNode{op: op, operand: operand, src: p.spanFrom(start)}, nil
	}
	return p.postfix()
}

func (p *parser) postfix() (node, *ParseError) {
	start := p.peek().pos
	target, err := p.primary()
	if err != nil {
		return nil, err
	}
	for {
		switch p.peek().kind {
		case tokDot, tokSafeDot:
			safe := p.advance().kind == tokSafeDot
			name, perr := p.expect(tokIdent, "property or method name")
			if perr != nil {
				return nil, perr
			}
			if p.peek().kind == tokLParen {
				args, aerr := p.arguments()
				if aerr != nil {
					return nil, aerr
				}
				target = &methodNode{target: target, name: name.text, args: args, safe: safe, src: p.spanFrom(start)}
			} else {
				target = &fieldNode{target: target, name: name.text, safe: safe, src: p.spanFrom(start)}
			}
		case tokLBracket:
			p.advance()
			key, kerr := p.expression()
			if kerr != nil {
				return nil, kerr
			}
			if _, perr := p.expect(tokRBracket, "']'"); perr != nil {
				return nil, perr
			}
			target = &indexNode{target: target, key: key, src: p.spanFrom(start)}
		default:
			return target, nil
		}
	}
}

func (p *parser) primary() (node, *ParseError) {
	start := p.peek().pos
	tok := p.peek()
	switch tok.kind {
	case tokInt:
		p.advance()
		v, err := strconv.ParseInt(tok.text, 10, 64)
		if err != nil {
			return nil, p.errorf(tok.pos, "invalid integer literal %q", tok.text)
		}
		return &literalNode{value: v, src: p.spanFrom(start)}, nil
	case tokFloat:
		p.advance()
		v, err := strconv.ParseFloat(tok.text, 64)
		if err != nil {
			return nil, p.errorf(tok.pos, "invalid float literal %q", tok.text)
		}
		return &literalNode{value: v, src: p.spanFrom(start)}, nil
	case tokString:
		p.advance()
		return &literalNode{value: tok.text, src: p.spanFrom(start)}, nil
	case tokHash:
		p.advance()
		name, err := p.expect(tokIdent, "variable name after '#'")
		if err != nil {
			return nil, err
		}
		return &varNode{name: name.text, src: p.spanFrom(start)}, nil
	case tokLParen:
		p.advance()
		inner, err := p.expression()
		if err != nil {
			return nil, err
		}
		if _, perr := p.expect(tokRParen, "')'"); perr != nil {
			return nil, perr
		}
		return inner, nil
	case tokIdent:
		switch tok.text {
		case "true":
			p.advance()
			return &literalNode{value: true, src: p.spanFrom(start)}, nil
		case "false":
			p.advance()
			return &literalNode{value: false, src: p.spanFrom(start)}, nil
		case "null":
			p.advance()
			return &literalNode{value: nil, src: p.spanFrom(start)}, nil
		case "T":
			if p.toks[p.idx+1].kind == tokLParen {
				return p.staticCall(start)
			}
		}
		p.advance()
		return &identNode{name: tok.text, src: p.spanFrom(start)}, nil
	}
	return nil, p.errorf(tok.pos, "unexpected token %q", tok.text)
}

// staticCall parses T(fully.qualified.Type).method(args). Resolution against
// the allow-list happens at evaluation time.
func (p *parser) staticCall(start int) (node, *ParseError) {
	p.advance() // T
	p.advance() // (
	var segments []string
	for {
		seg, err := p.expect(tokIdent, "type name segment")
		if err != nil {
			return nil, err
		}
		segments = append(segments, seg.text)
		if p.peek().kind != tokDot {
			break
		}
		p.advance()
	}
	if _, err := p.expect(tokRParen, "')'"); err != nil {
		return nil, err
	}
	if _, err := p.expect(tokDot, "'.' after T(...)"); err != nil {
		return nil, err
	}
	method, err := p.expect(tokIdent, "static method name")
	if err != nil {
		return nil, err
	}
	args, aerr := p.arguments()
	if aerr != nil {
		return nil, aerr
	}
	return &staticNode{
		typeName: strings.Join(segments, "."),
		method:   method.text,
		args:     args,
		src:      p.spanFrom(start),
	}, nil
}

func (p *parser) arguments() ([]node, *ParseError) {
	if _, err := p.expect(tokLParen, "'('"); err != nil {
		return nil, err
	}
	var args []node
	if p.peek().kind == tokRParen {
		p.advance()
		return args, nil
	}
	for {
		arg, err := p.expression()
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		switch p.peek().kind {
		case tokComma:
			p.advance()
		case tokRParen:
			p.advance()
			return args, nil
		default:
			return nil, p.errorf(p.peek().pos, "expected ',' or ')', found %q", p.peek().text)
		}
	}
}
