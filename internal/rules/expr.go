// Restricted condition language for rule files. The grammar admits only
// whitelisted identifiers, literals, comparisons, and/or/not, and the
// null predicates. Function calls, attribute access and underscore
// identifiers are rejected at load time, never at evaluation time.
package rules

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// AllowedIdentifiers is the exact whitelist of inputs a condition may read.
var AllowedIdentifiers = map[string]bool{
	"goplus_risk":          true,
	"buy_tax":              true,
	"sell_tax":             true,
	"lp_lock_days":         true,
	"dex_liquidity":        true,
	"dex_volume_1h":        true,
	"heat_slope":           true,
	"last_sentiment_score": true,
}

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokNumber
	tokString
	tokOp      // < <= == != >= >
	tokKeyword // and or not is null true false none
	tokLParen
	tokRParen
	tokEOF
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

type lexer struct {
	src string
	pos int
}

func (l *lexer) lex() ([]token, error) {
	var out []token
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			l.pos++
		case c == '(':
			out = append(out, token{tokLParen, "(", l.pos})
			l.pos++
		case c == ')':
			out = append(out, token{tokRParen, ")", l.pos})
			l.pos++
		case c == '<' || c == '>' || c == '=' || c == '!':
			start := l.pos
			l.pos++
			if l.pos < len(l.src) && l.src[l.pos] == '=' {
				l.pos++
			}
			op := l.src[start:l.pos]
			if op == "=" || op == "!" {
				return nil, fmt.Errorf("invalid operator %q at %d", op, start)
			}
			out = append(out, token{tokOp, op, start})
		case c == '\'' || c == '"':
			start := l.pos
			l.pos++
			for l.pos < len(l.src) && l.src[l.pos] != c {
				l.pos++
			}
			if l.pos >= len(l.src) {
				return nil, fmt.Errorf("unterminated string at %d", start)
			}
			out = append(out, token{tokString, l.src[start+1 : l.pos], start})
			l.pos++
		case c >= '0' && c <= '9' || c == '-' && l.peekDigit():
			start := l.pos
			l.pos++
			for l.pos < len(l.src) && (isDigit(l.src[l.pos]) || l.src[l.pos] == '.') {
				l.pos++
			}
			out = append(out, token{tokNumber, l.src[start:l.pos], start})
		case isIdentStart(rune(c)):
			start := l.pos
			for l.pos < len(l.src) && isIdentPart(rune(l.src[l.pos])) {
				l.pos++
			}
			word := l.src[start:l.pos]
			lower := strings.ToLower(word)
			switch lower {
			case "and", "or", "not", "is", "null", "true", "false", "none":
				out = append(out, token{tokKeyword, lower, start})
			default:
				out = append(out, token{tokIdent, word, start})
			}
		case c == '.':
			return nil, fmt.Errorf("attribute access is forbidden (at %d)", l.pos)
		default:
			return nil, fmt.Errorf("unexpected character %q at %d", c, l.pos)
		}
	}
	out = append(out, token{tokEOF, "", l.pos})
	return out, nil
}

func (l *lexer) peekDigit() bool {
	return l.pos+1 < len(l.src) && isDigit(l.src[l.pos+1])
}

func isDigit(b byte) bool       { return b >= '0' && b <= '9' }
func isIdentStart(r rune) bool  { return unicode.IsLetter(r) || r == '_' }
func isIdentPart(r rune) bool   { return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' }

// Expr is a compiled condition.
type Expr interface {
	// Eval returns the truth value against the input row. Missing
	// identifiers read as null; comparisons on null yield false.
	Eval(env map[string]interface{}) bool
}

type parser struct {
	toks []token
	pos  int
}

// Compile parses and validates a condition string.
func Compile(src string) (Expr, error) {
	toks, err := (&lexer{src: src}).lex()
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	expr, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.cur().kind != tokEOF {
		if p.cur().kind == tokLParen {
			return nil, fmt.Errorf("function calls are forbidden (at %d)", p.cur().pos)
		}
		return nil, fmt.Errorf("unexpected token %q at %d", p.cur().text, p.cur().pos)
	}
	return expr, nil
}

func (p *parser) cur() token  { return p.toks[p.pos] }
func (p *parser) next() token { t := p.toks[p.pos]; p.pos++; return t }

func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.cur().kind == tokKeyword && p.cur().text == "or" {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &boolExpr{op: "or", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.cur().kind == tokKeyword && p.cur().text == "and" {
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &boolExpr{op: "and", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseNot() (Expr, error) {
	if p.cur().kind == tokKeyword && p.cur().text == "not" {
		p.next()
		inner, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &notExpr{inner: inner}, nil
	}
	return p.parseCmp()
}

func (p *parser) parseCmp() (Expr, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	switch {
	case p.cur().kind == tokOp:
		op := p.next().text
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		return &cmpExpr{op: op, left: left, right: right}, nil
	case p.cur().kind == tokKeyword && p.cur().text == "is":
		p.next()
		negate := false
		if p.cur().kind == tokKeyword && p.cur().text == "not" {
			negate = true
			p.next()
		}
		if p.cur().kind != tokKeyword || (p.cur().text != "null" && p.cur().text != "none") {
			return nil, fmt.Errorf("expected null after 'is' at %d", p.cur().pos)
		}
		p.next()
		return &isNullExpr{operand: left, negate: negate}, nil
	default:
		return &truthyExpr{operand: left}, nil
	}
}

type operand interface {
	value(env map[string]interface{}) interface{}
}

func (p *parser) parseTerm() (operand, error) {
	t := p.cur()
	switch t.kind {
	case tokNumber:
		p.next()
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %q at %d", t.text, t.pos)
		}
		return litOperand{v: f}, nil
	case tokString:
		p.next()
		return litOperand{v: t.text}, nil
	case tokKeyword:
		switch t.text {
		case "true":
			p.next()
			return litOperand{v: true}, nil
		case "false":
			p.next()
			return litOperand{v: false}, nil
		case "null", "none":
			p.next()
			return litOperand{v: nil}, nil
		}
		return nil, fmt.Errorf("unexpected keyword %q at %d", t.text, t.pos)
	case tokIdent:
		p.next()
		if strings.HasPrefix(t.text, "_") {
			return nil, fmt.Errorf("identifier %q is forbidden", t.text)
		}
		if !AllowedIdentifiers[t.text] {
			return nil, fmt.Errorf("identifier %q is not whitelisted", t.text)
		}
		if p.cur().kind == tokLParen {
			return nil, fmt.Errorf("function calls are forbidden (at %d)", p.cur().pos)
		}
		return identOperand{name: t.text}, nil
	case tokLParen:
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.cur().kind != tokRParen {
			return nil, fmt.Errorf("missing ) at %d", p.cur().pos)
		}
		p.next()
		return exprOperand{expr: inner}, nil
	default:
		return nil, fmt.Errorf("unexpected token %q at %d", t.text, t.pos)
	}
}

type litOperand struct{ v interface{} }

func (o litOperand) value(map[string]interface{}) interface{} { return o.v }

type identOperand struct{ name string }

func (o identOperand) value(env map[string]interface{}) interface{} {
	v, ok := env[o.name]
	if !ok {
		return nil
	}
	return v
}

type exprOperand struct{ expr Expr }

func (o exprOperand) value(env map[string]interface{}) interface{} {
	return o.expr.Eval(env)
}

type boolExpr struct {
	op          string
	left, right Expr
}

func (e *boolExpr) Eval(env map[string]interface{}) bool {
	if e.op == "and" {
		return e.left.Eval(env) && e.right.Eval(env)
	}
	return e.left.Eval(env) || e.right.Eval(env)
}

type notExpr struct{ inner Expr }

func (e *notExpr) Eval(env map[string]interface{}) bool { return !e.inner.Eval(env) }

type isNullExpr struct {
	operand operand
	negate  bool
}

func (e *isNullExpr) Eval(env map[string]interface{}) bool {
	isNull := e.operand.value(env) == nil
	if e.negate {
		return !isNull
	}
	return isNull
}

type truthyExpr struct{ operand operand }

func (e *truthyExpr) Eval(env map[string]interface{}) bool {
	switch v := e.operand.value(env).(type) {
	case nil:
		return false
	case bool:
		return v
	case float64:
		return v != 0
	case string:
		return v != ""
	default:
		return false
	}
}

type cmpExpr struct {
	op          string
	left, right operand
}

func (e *cmpExpr) Eval(env map[string]interface{}) bool {
	l := e.left.value(env)
	r := e.right.value(env)
	// Equality against null is decidable; ordering never is.
	if l == nil || r == nil {
		switch e.op {
		case "==":
			return l == nil && r == nil
		case "!=":
			return (l == nil) != (r == nil)
		default:
			return false
		}
	}

	lf, lok := asFloat(l)
	rf, rok := asFloat(r)
	if lok && rok {
		switch e.op {
		case "<":
			return lf < rf
		case "<=":
			return lf <= rf
		case ">":
			return lf > rf
		case ">=":
			return lf >= rf
		case "==":
			return lf == rf
		case "!=":
			return lf != rf
		}
	}

	ls, lok2 := l.(string)
	rs, rok2 := r.(string)
	if lok2 && rok2 {
		switch e.op {
		case "==":
			return ls == rs
		case "!=":
			return ls != rs
		default:
			return false
		}
	}

	lb, lok3 := l.(bool)
	rb, rok3 := r.(bool)
	if lok3 && rok3 {
		switch e.op {
		case "==":
			return lb == rb
		case "!=":
			return lb != rb
		}
	}
	return false
}

func asFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	}
	return 0, false
}
