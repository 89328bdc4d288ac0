package condition

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// The expression language is deliberately small: dot-path fields,
// string/number/bool literals, the comparison operators ==, !=, <, <=, >,
// >=, contains and matches, combined with AND, OR, NOT and parentheses.
// There is no function call syntax and no way to reach outside the
// Resolver, which keeps user-authored filters sandboxed.

type tokenKind int

const (
	tokField tokenKind = iota // identifier / dot path / keyword
	tokOp                     // ==, !=, >=, <=, >, <
	tokString
	tokNumber
	tokBool
	tokLParen
	tokRParen
	tokEOF
)

type token struct {
	kind tokenKind
	text string
}

type lexer struct {
	src string
	pos int
}

func (l *lexer) next() (token, error) {
	for l.pos < len(l.src) && unicode.IsSpace(rune(l.src[l.pos])) {
		l.pos++
	}
	if l.pos >= len(l.src) {
		return token{kind: tokEOF}, nil
	}
	ch := l.src[l.pos]
	switch {
	case ch == '(':
		l.pos++
		return token{tokLParen, "("}, nil
	case ch == ')':
		l.pos++
		return token{tokRParen, ")"}, nil
	case ch == '=' || ch == '!' || ch == '<' || ch == '>':
		if l.pos+1 < len(l.src) && l.src[l.pos+1] == '=' {
			t := token{tokOp, l.src[l.pos : l.pos+2]}
			l.pos += 2
			return t, nil
		}
		if ch == '=' || ch == '!' {
			return token{}, fmt.Errorf("incomplete operator %q at position %d", ch, l.pos)
		}
		l.pos++
		return token{tokOp, string(ch)}, nil
	case ch == '"' || ch == '\'':
		return l.lexString(ch)
	case unicode.IsDigit(rune(ch)) || (ch == '-' && l.pos+1 < len(l.src) && unicode.IsDigit(rune(l.src[l.pos+1]))):
		return l.lexNumber(), nil
	case unicode.IsLetter(rune(ch)) || ch == '_':
		return l.lexWord(), nil
	}
	return token{}, fmt.Errorf("unexpected character %q at position %d", ch, l.pos)
}

func (l *lexer) lexString(quote byte) (token, error) {
	start := l.pos
	j := l.pos + 1
	for j < len(l.src) && l.src[j] != quote {
		if l.src[j] == '\\' {
			j++
		}
		j++
	}
	if j >= len(l.src) {
		return token{}, fmt.Errorf("unterminated string at position %d", start)
	}
	inner := l.src[l.pos+1 : j]
	inner = strings.ReplaceAll(inner, `\"`, `"`)
	inner = strings.ReplaceAll(inner, `\'`, `'`)
	inner = strings.ReplaceAll(inner, `\\`, `\`)
	l.pos = j + 1
	return token{tokString, inner}, nil
}

func (l *lexer) lexNumber() token {
	j := l.pos
	if l.src[j] == '-' {
		j++
	}
	for j < len(l.src) && (unicode.IsDigit(rune(l.src[j])) || l.src[j] == '.') {
		j++
	}
	t := token{tokNumber, l.src[l.pos:j]}
	l.pos = j
	return t
}

func (l *lexer) lexWord() token {
	j := l.pos
	for j < len(l.src) && (unicode.IsLetter(rune(l.src[j])) || unicode.IsDigit(rune(l.src[j])) || l.src[j] == '_' || l.src[j] == '.') {
		j++
	}
	word := l.src[l.pos:j]
	l.pos = j
	switch strings.ToLower(word) {
	case "true", "false":
		return token{tokBool, strings.ToLower(word)}
	}
	return token{tokField, word}
}

func lex(src string) ([]token, error) {
	l := &lexer{src: src}
	var tokens []token
	for {
		t, err := l.next()
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
		if t.kind == tokEOF {
			return tokens, nil
		}
	}
}

// -----------------------------------------------------------------------
// Recursive-descent parser
//
// or   = and ( "OR" and )*
// and  = not ( "AND" not )*
// not  = [ "NOT" ] ( "(" or ")" | comparison )
// comparison = operand op operand
// -----------------------------------------------------------------------

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) peek() token { return p.tokens[p.pos] }

func (p *parser) take() token {
	t := p.tokens[p.pos]
	p.pos++
	return t
}

func (p *parser) keyword(kw string) bool {
	t := p.peek()
	return t.kind == tokField && strings.EqualFold(t.text, kw)
}

// Parse compiles an expression string. The returned Expr is immutable and
// safe for concurrent evaluation.
func Parse(src string) (Expr, error) {
	tokens, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	node, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, fmt.Errorf("unexpected token %q after expression", p.peek().text)
	}
	return node, nil
}

// MustParse is Parse that panics; for tests and static expressions.
func MustParse(src string) Expr {
	e, err := Parse(src)
	if err != nil {
		panic(err)
	}
	return e
}

func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.keyword("OR") {
		p.take()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &logicExpr{op: opOr, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.keyword("AND") {
		p.take()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &logicExpr{op: opAnd, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseNot() (Expr, error) {
	if p.keyword("NOT") {
		p.take()
		inner, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &notExpr{inner: inner}, nil
	}
	if p.peek().kind == tokLParen {
		p.take()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek().kind != tokRParen {
			return nil, fmt.Errorf("expected ) but got %q", p.peek().text)
		}
		p.take()
		return inner, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (Expr, error) {
	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	t := p.peek()
	var op operator
	switch {
	case t.kind == tokOp:
		op = operator(t.text)
		p.take()
	case p.keyword("contains"):
		op = opContains
		p.take()
	case p.keyword("matches"):
		op = opMatches
		p.take()
	default:
		return nil, fmt.Errorf("expected comparison operator, got %q", t.text)
	}
	right, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	return &cmpExpr{left: left, op: op, right: right}, nil
}

func (p *parser) parseOperand() (operand, error) {
	t := p.peek()
	switch t.kind {
	case tokString:
		p.take()
		return literal{val: t.text}, nil
	case tokNumber:
		p.take()
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", t.text)
		}
		return literal{val: f}, nil
	case tokBool:
		p.take()
		return literal{val: t.text == "true"}, nil
	case tokField:
		p.take()
		return fieldPath{path: strings.Split(t.text, ".")}, nil
	}
	return nil, fmt.Errorf("expected operand, got %q", t.text)
}
