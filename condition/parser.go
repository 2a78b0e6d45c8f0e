package condition

import (
	"strconv"
	"strings"
)

// Parse turns condition text into a tree. Blank text yields a nil Node,
// the always-matching condition.
//
// Grammar (keywords are case-insensitive, AND binds tighter than OR):
//
//	expr       = and { OR and }
//	and        = primary { AND primary }
//	primary    = "(" expr ")" | CEL "(" string ")" | comparison
//	field      = identifier | "`" name "`"
//	comparison = field op literal
//	           | field IS [NOT] NULL
//	           | field [NOT] IN "(" literal { "," literal } ")"
//	           | field [NOT] CONTAINS literal
//	           | field (LIKE | MATCHES | STARTS_WITH | ENDS_WITH) literal
//	literal    = string | number | TRUE | FALSE | NULL
func Parse(text string) (Node, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	p := &parser{lex: lexer{src: text}}
	if err := p.advance(); err != nil {
		return nil, err
	}
	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tokEOF {
		return nil, &SyntaxError{Pos: p.tok.pos, Msg: "unexpected " + describe(p.tok)}
	}
	return n, nil
}

// MustParse is like Parse but panics on error. Intended for tests and
// package-level fixtures.
func MustParse(text string) Node {
	n, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return n
}

type parser struct {
	lex lexer
	tok token
}

func (p *parser) advance() error {
	t, err := p.lex.next()
	if err != nil {
		return err
	}
	p.tok = t
	return nil
}

func (p *parser) keyword(kw string) bool {
	return p.tok.kind == tokIdent && strings.EqualFold(p.tok.text, kw)
}

func (p *parser) expect(kind tokenKind, what string) (token, error) {
	if p.tok.kind != kind {
		return token{}, &SyntaxError{Pos: p.tok.pos, Msg: "expected " + what + ", found " + describe(p.tok)}
	}
	t := p.tok
	return t, p.advance()
}

func (p *parser) parseOr() (Node, error) {
	first, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	children := []Node{first}
	for p.keyword("OR") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		next, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		children = append(children, next)
	}
	if len(children) == 1 {
		return first, nil
	}
	return flatten(Or, children), nil
}

func (p *parser) parseAnd() (Node, error) {
	first, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	children := []Node{first}
	for p.keyword("AND") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		next, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		children = append(children, next)
	}
	if len(children) == 1 {
		return first, nil
	}
	return flatten(And, children), nil
}

// flatten merges directly nested groups of the same combinator, so
// "a AND (b AND c)" and "a AND b AND c" build the same tree.
func flatten(c Combinator, children []Node) *Group {
	out := make([]Node, 0, len(children))
	for _, child := range children {
		if g, ok := child.(*Group); ok && g.combinator == c {
			out = append(out, g.children...)
			continue
		}
		out = append(out, child)
	}
	return &Group{combinator: c, children: out}
}

func (p *parser) parsePrimary() (Node, error) {
	switch {
	case p.tok.kind == tokLParen:
		if err := p.advance(); err != nil {
			return nil, err
		}
		n, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		return n, nil
	case p.keyword("CEL"):
		return p.parseCEL()
	case p.tok.kind == tokIdent, p.tok.kind == tokQuotedIdent:
		return p.parseComparison()
	}
	return nil, &SyntaxError{Pos: p.tok.pos, Msg: "expected field name or '(', found " + describe(p.tok)}
}

func (p *parser) parseCEL() (Node, error) {
	if err := p.advance(); err != nil {
		return nil, err
	}
	if _, err := p.expect(tokLParen, "'(' after CEL"); err != nil {
		return nil, err
	}
	src, err := p.expect(tokString, "quoted CEL expression")
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(tokRParen, "')'"); err != nil {
		return nil, err
	}
	return CEL(src.text), nil
}

func (p *parser) parseComparison() (Node, error) {
	field := p.tok
	if field.kind == tokIdent && isReserved(field.text) {
		return nil, &SyntaxError{Pos: field.pos, Msg: "reserved word " + strconv.Quote(field.text) + " used as field name"}
	}
	if err := p.advance(); err != nil {
		return nil, err
	}

	op, err := p.parseOperator()
	if err != nil {
		return nil, err
	}
	if op.Unary() {
		return NewComparison(field.text, op, nil), nil
	}
	if op == OpIn || op == OpNotIn {
		list, err := p.parseList()
		if err != nil {
			return nil, err
		}
		return &Comparison{field: field.text, operator: op, value: list}, nil
	}
	value, err := p.parseLiteral()
	if err != nil {
		return nil, err
	}
	return &Comparison{field: field.text, operator: op, value: value}, nil
}

func (p *parser) parseOperator() (Operator, error) {
	t := p.tok
	if t.kind == tokSymbol {
		op, _ := ParseOperator(t.text)
		return op, p.advance()
	}
	if t.kind != tokIdent {
		return "", &SyntaxError{Pos: t.pos, Msg: "expected operator, found " + describe(t)}
	}

	word := strings.ToLower(t.text)
	switch word {
	case "is":
		if err := p.advance(); err != nil {
			return "", err
		}
		negated := false
		if p.keyword("NOT") {
			negated = true
			if err := p.advance(); err != nil {
				return "", err
			}
		}
		if !p.keyword("NULL") {
			return "", &SyntaxError{Pos: p.tok.pos, Msg: "expected NULL after IS"}
		}
		if negated {
			return OpIsNotNull, p.advance()
		}
		return OpIsNull, p.advance()
	case "not":
		if err := p.advance(); err != nil {
			return "", err
		}
		switch {
		case p.keyword("IN"):
			return OpNotIn, p.advance()
		case p.keyword("CONTAINS"):
			return OpNotContains, p.advance()
		}
		return "", &SyntaxError{Pos: p.tok.pos, Msg: "expected IN or CONTAINS after NOT"}
	case "in", "contains", "like", "matches", "starts_with", "ends_with":
		op, _ := ParseOperator(word)
		return op, p.advance()
	}
	return "", &SyntaxError{Pos: t.pos, Msg: "unknown operator " + strconv.Quote(t.text)}
}

func (p *parser) parseList() ([]any, error) {
	if _, err := p.expect(tokLParen, "'(' to open list"); err != nil {
		return nil, err
	}
	var list []any
	for {
		v, err := p.parseLiteral()
		if err != nil {
			return nil, err
		}
		list = append(list, v)
		if p.tok.kind == tokComma {
			if err := p.advance(); err != nil {
				return nil, err
			}
			continue
		}
		break
	}
	if _, err := p.expect(tokRParen, "')' to close list"); err != nil {
		return nil, err
	}
	return list, nil
}

func (p *parser) parseLiteral() (any, error) {
	t := p.tok
	switch t.kind {
	case tokString:
		return t.text, p.advance()
	case tokNumber:
		v, err := parseNumber(t.text)
		if err != nil {
			return nil, &SyntaxError{Pos: t.pos, Msg: "malformed number " + strconv.Quote(t.text)}
		}
		return v, p.advance()
	case tokIdent:
		switch strings.ToLower(t.text) {
		case "true":
			return true, p.advance()
		case "false":
			return false, p.advance()
		case "null":
			return nil, p.advance()
		}
	}
	return nil, &SyntaxError{Pos: t.pos, Msg: "expected literal value, found " + describe(t)}
}

func parseNumber(s string) (any, error) {
	if !strings.ContainsAny(s, ".eE") {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i, nil
		}
	}
	return strconv.ParseFloat(s, 64)
}

var reservedWords = map[string]bool{
	"and": true, "or": true, "not": true, "in": true, "is": true, "null": true,
	"true": true, "false": true, "like": true, "contains": true, "matches": true, "cel": true,
}

func isReserved(word string) bool {
	return reservedWords[strings.ToLower(word)]
}

func describe(t token) string {
	switch t.kind {
	case tokEOF:
		return "end of input"
	case tokString:
		return "string " + strconv.Quote(t.text)
	default:
		return strconv.Quote(t.text)
	}
}
