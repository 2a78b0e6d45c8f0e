package condition

import (
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokQuotedIdent
	tokString
	tokNumber
	tokSymbol
	tokLParen
	tokRParen
	tokComma
)

type token struct {
	kind tokenKind
	text string // identifier/symbol text, or the unescaped string literal
	pos  int
}

// lexer splits condition text into tokens. Keywords are returned as
// identifiers and recognized by the parser case-insensitively.
type lexer struct {
	src string
	pos int
}

func (l *lexer) next() (token, error) {
	for l.pos < len(l.src) && unicode.IsSpace(rune(l.src[l.pos])) {
		l.pos++
	}
	if l.pos >= len(l.src) {
		return token{kind: tokEOF, pos: l.pos}, nil
	}

	start := l.pos
	c := l.src[l.pos]
	switch {
	case c == '(':
		l.pos++
		return token{kind: tokLParen, text: "(", pos: start}, nil
	case c == ')':
		l.pos++
		return token{kind: tokRParen, text: ")", pos: start}, nil
	case c == ',':
		l.pos++
		return token{kind: tokComma, text: ",", pos: start}, nil
	case c == '\'' || c == '"':
		return l.lexString(c)
	case c == '`':
		return l.lexQuotedIdent()
	case isDigit(c) || (c == '-' && l.pos+1 < len(l.src) && (isDigit(l.src[l.pos+1]) || l.src[l.pos+1] == '.')):
		return l.lexNumber()
	case isIdentStart(c):
		for l.pos < len(l.src) && isIdentPart(l.src[l.pos]) {
			l.pos++
		}
		return token{kind: tokIdent, text: l.src[start:l.pos], pos: start}, nil
	case strings.ContainsRune("=!<>", rune(c)):
		return l.lexSymbol()
	}
	return token{}, &SyntaxError{Pos: start, Msg: "unexpected character " + quoteRune(c)}
}

func (l *lexer) lexString(quote byte) (token, error) {
	start := l.pos
	l.pos++
	var b strings.Builder
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch {
		case c == '\\':
			if l.pos+1 >= len(l.src) {
				return token{}, &SyntaxError{Pos: l.pos, Msg: "unterminated escape sequence"}
			}
			b.WriteByte(unescape(l.src[l.pos+1]))
			l.pos += 2
		case c == quote:
			// SQL style doubled quote
			if l.pos+1 < len(l.src) && l.src[l.pos+1] == quote {
				b.WriteByte(quote)
				l.pos += 2
				continue
			}
			l.pos++
			return token{kind: tokString, text: b.String(), pos: start}, nil
		default:
			b.WriteByte(c)
			l.pos++
		}
	}
	return token{}, &SyntaxError{Pos: start, Msg: "unterminated string literal"}
}

// lexQuotedIdent reads a backtick-quoted field name. A doubled backtick
// stands for one backtick; the result is never a keyword.
func (l *lexer) lexQuotedIdent() (token, error) {
	start := l.pos
	l.pos++
	var b strings.Builder
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if c != '`' {
			b.WriteByte(c)
			l.pos++
			continue
		}
		if l.pos+1 < len(l.src) && l.src[l.pos+1] == '`' {
			b.WriteByte('`')
			l.pos += 2
			continue
		}
		l.pos++
		if b.Len() == 0 {
			return token{}, &SyntaxError{Pos: start, Msg: "empty quoted field name"}
		}
		return token{kind: tokQuotedIdent, text: b.String(), pos: start}, nil
	}
	return token{}, &SyntaxError{Pos: start, Msg: "unterminated quoted field name"}
}

func (l *lexer) lexNumber() (token, error) {
	start := l.pos
	if l.src[l.pos] == '-' {
		l.pos++
	}
	seenDot, seenExp := false, false
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch {
		case isDigit(c):
			l.pos++
		case c == '.' && !seenDot && !seenExp:
			seenDot = true
			l.pos++
		case (c == 'e' || c == 'E') && !seenExp:
			seenExp = true
			l.pos++
			if l.pos < len(l.src) && (l.src[l.pos] == '+' || l.src[l.pos] == '-') {
				l.pos++
			}
		default:
			if isIdentStart(c) {
				return token{}, &SyntaxError{Pos: l.pos, Msg: "malformed number"}
			}
			return token{kind: tokNumber, text: l.src[start:l.pos], pos: start}, nil
		}
	}
	return token{kind: tokNumber, text: l.src[start:l.pos], pos: start}, nil
}

func (l *lexer) lexSymbol() (token, error) {
	start := l.pos
	for _, sym := range []string{">=", "<=", "!=", "<>", "==", "=", ">", "<"} {
		if strings.HasPrefix(l.src[l.pos:], sym) {
			l.pos += len(sym)
			return token{kind: tokSymbol, text: sym, pos: start}, nil
		}
	}
	return token{}, &SyntaxError{Pos: start, Msg: "unexpected character " + quoteRune(l.src[start])}
}

func unescape(c byte) byte {
	switch c {
	case 'n':
		return '\n'
	case 't':
		return '\t'
	case 'r':
		return '\r'
	default:
		return c
	}
}

func isDigit(c byte) bool      { return c >= '0' && c <= '9' }
func isIdentStart(c byte) bool { return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }
func isIdentPart(c byte) bool  { return isIdentStart(c) || isDigit(c) || c == '.' }

// bareField reports whether name lexes back as a single non-keyword
// identifier.
func bareField(name string) bool {
	if name == "" || !isIdentStart(name[0]) || isReserved(name) {
		return false
	}
	for i := 1; i < len(name); i++ {
		if !isIdentPart(name[i]) {
			return false
		}
	}
	return true
}

func quoteRune(c byte) string {
	return "'" + string(rune(c)) + "'"
}
