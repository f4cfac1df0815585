package expr

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokInt
	tokFloat
	tokString
	tokIdent
	tokHash     // #
	tokPlus     // +
	tokMinus    // -
	tokStar     // *
	tokSlash    // /
	tokBang     // !
	tokLt       // <
	tokLe       // <=
	tokGt       // >
	tokGe       // >=
	tokEq       // ==
	tokNe       // !=
	tokAnd      // &&
	tokOr       // ||
	tokQuestion // ?
	tokColon    // :
	tokDot      // .
	tokSafeDot  // ?.
	tokLBracket // [
	tokRBracket // ]
	tokLParen   // (
	tokRParen   // )
	tokComma    // ,
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

type lexer struct {
	src  string
	pos  int
	toks []token
}

// lex tokenizes the full source up front; expressions are short, so a
// two-pass compile keeps the parser simple.
func lex(src string) ([]token, *ParseError) {
	l := &lexer{src: src}
	for {
		tok, err := l.next()
		if err != nil {
			return nil, err
		}
		l.toks = append(l.toks, tok)
		if tok.kind == tokEOF {
			return l.toks, nil
		}
	}
}

func (l *lexer) next() (token, *ParseError) {
	for l.pos < len(l.src) && unicode.IsSpace(rune(l.src[l.pos])) {
		l.pos++
	}
	start := l.pos
	if l.pos >= len(l.src) {
		return token{kind: tokEOF, pos: start}, nil
	}
	c := l.src[l.pos]
	switch {
	case c >= '0' && c <= '9':
		return l.number(start), nil
	case c == '\'':
		return l.quoted(start)
	case isIdentStart(c):
		for l.pos < len(l.src) && isIdentPart(l.src[l.pos]) {
			l.pos++
		}
		return token{kind: tokIdent, text: l.src[start:l.pos], pos: start}, nil
	}

	two := ""
	if l.pos+1 < len(l.src) {
		two = l.src[l.pos : l.pos+2]
	}
	switch two {
	case "<=", ">=", "==", "!=", "&&", "||", "?.":
		l.pos += 2
		kind := map[string]tokenKind{
			"<=": tokLe, ">=": tokGe, "==": tokEq, "!=": tokNe,
			"&&": tokAnd, "||": tokOr, "?.": tokSafeDot,
		}[two]
		return token{kind: kind, text: two, pos: start}, nil
	}

	l.pos++
	single := map[byte]tokenKind{
		'#': tokHash, '+': tokPlus, '-': tokMinus, '*': tokStar, '/': tokSlash,
		'!': tokBang, '<': tokLt, '>': tokGt, '?': tokQuestion, ':': tokColon,
		'.': tokDot, '[': tokLBracket, ']': tokRBracket, '(': tokLParen,
		')': tokRParen, ',': tokComma,
	}
	if kind, ok := single[c]; ok {
		return token{kind: kind, text: string(c), pos: start}, nil
	}
	return token{}, &ParseError{Source: l.src, Position: start, Detail: fmt.Sprintf("unexpected character %q", c)}
}

func (l *lexer) number(start int) token {
	isFloat := false
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if c >= '0' && c <= '9' {
			l.pos++
			continue
		}
		// A dot is part of the number only when followed by a digit, so that
		// 1.toUpperCase() style method calls still tokenize.
		if c == '.' && !isFloat && l.pos+1 < len(l.src) && l.src[l.pos+1] >= '0' && l.src[l.pos+1] <= '9' {
			isFloat = true
			l.pos++
			continue
		}
		break
	}
	kind := tokInt
	if isFloat {
		kind = tokFloat
	}
	return token{kind: kind, text: l.src[start:l.pos], pos: start}
}

func (l *lexer) quoted(start int) (token, *ParseError) {
	l.pos++ // opening quote
	var sb strings.Builder
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch c {
		case '\'':
			// Doubled quote escapes a literal quote inside the string.
			if l.pos+1 < len(l.src) && l.src[l.pos+1] == '\'' {
				sb.WriteByte('\'')
				l.pos += 2
				continue
			}
			l.pos++
			return token{kind: tokString, text: sb.String(), pos: start}, nil
		case '\\':
			if l.pos+1 < len(l.src) {
				l.pos++
				sb.WriteByte(l.src[l.pos])
				l.pos++
				continue
			}
			sb.WriteByte(c)
			l.pos++
		default:
			sb.WriteByte(c)
			l.pos++
		}
	}
	return token{}, &ParseError{Source: l.src, Position: start, Detail: "unterminated string literal"}
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}
