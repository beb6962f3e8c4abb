package trigger

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Threshold expressions are boolean combinations of numeric comparisons over
// state fields:
//
//	unresolved_tension > 0.7
//	curiosity >= 0.6 && cognitive_load < 0.5
//	!(concern > 0.8) || engagement == 0
//
// Operators: < <= > >= == != over fields and float literals, combined with
// && || ! and parentheses.

// Expr is a compiled threshold expression.
type Expr struct {
	root   exprNode
	fields []string
}

// Fields lists the state fields the expression reads, deduplicated.
func (e *Expr) Fields() []string { return e.fields }

// Eval evaluates against a field lookup. Unknown fields are an error so a
// typo in a node declaration surfaces instead of silently never firing.
func (e *Expr) Eval(lookup func(string) (float64, bool)) (bool, error) {
	return e.root.eval(lookup)
}

type exprNode interface {
	eval(lookup func(string) (float64, bool)) (bool, error)
}

type logicalNode struct {
	op   string // "&&" or "||"
	l, r exprNode
}

func (n *logicalNode) eval(lookup func(string) (float64, bool)) (bool, error) {
	lv, err := n.l.eval(lookup)
	if err != nil {
		return false, err
	}
	// Short circuit.
	if n.op == "&&" && !lv {
		return false, nil
	}
	if n.op == "||" && lv {
		return true, nil
	}
	return n.r.eval(lookup)
}

type notNode struct {
	inner exprNode
}

func (n *notNode) eval(lookup func(string) (float64, bool)) (bool, error) {
	v, err := n.inner.eval(lookup)
	return !v, err
}

type operand struct {
	field   string
	literal float64
}

func (o operand) value(lookup func(string) (float64, bool)) (float64, error) {
	if o.field == "" {
		return o.literal, nil
	}
	v, ok := lookup(o.field)
	if !ok {
		return 0, fmt.Errorf("unknown field %q", o.field)
	}
	return v, nil
}

type compareNode struct {
	op   string
	l, r operand
}

func (n *compareNode) eval(lookup func(string) (float64, bool)) (bool, error) {
	lv, err := n.l.value(lookup)
	if err != nil {
		return false, err
	}
	rv, err := n.r.value(lookup)
	if err != nil {
		return false, err
	}
	switch n.op {
	case "<":
		return lv < rv, nil
	case "<=":
		return lv <= rv, nil
	case ">":
		return lv > rv, nil
	case ">=":
		return lv >= rv, nil
	case "==":
		return lv == rv, nil
	case "!=":
		return lv != rv, nil
	}
	return false, fmt.Errorf("unknown operator %q", n.op)
}

// ParseExpr compiles a threshold expression.
func ParseExpr(src string) (*Expr, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &exprParser{toks: toks}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.toks) {
		return nil, fmt.Errorf("unexpected %q at end of expression", p.toks[p.pos].text)
	}

	e := &Expr{root: root}
	seen := make(map[string]bool)
	collectFields(root, func(f string) {
		if !seen[f] {
			seen[f] = true
			e.fields = append(e.fields, f)
		}
	})
	return e, nil
}

func collectFields(n exprNode, emit func(string)) {
	switch v := n.(type) {
	case *logicalNode:
		collectFields(v.l, emit)
		collectFields(v.r, emit)
	case *notNode:
		collectFields(v.inner, emit)
	case *compareNode:
		if v.l.field != "" {
			emit(v.l.field)
		}
		if v.r.field != "" {
			emit(v.r.field)
		}
	}
}

// ===== LEXER =====

type tokKind int

const (
	tokIdent tokKind = iota
	tokNumber
	tokOp     // comparison operators
	tokAnd    // &&
	tokOr     // ||
	tokNot    // !
	tokLParen // (
	tokRParen // )
)

type token struct {
	kind tokKind
	text string
}

func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t':
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "("})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")"})
			i++
		case c == '&':
			if i+1 >= len(src) || src[i+1] != '&' {
				return nil, fmt.Errorf("single & at offset %d", i)
			}
			toks = append(toks, token{tokAnd, "&&"})
			i += 2
		case c == '|':
			if i+1 >= len(src) || src[i+1] != '|' {
				return nil, fmt.Errorf("single | at offset %d", i)
			}
			toks = append(toks, token{tokOr, "||"})
			i += 2
		case c == '!':
			if i+1 < len(src) && src[i+1] == '=' {
				toks = append(toks, token{tokOp, "!="})
				i += 2
			} else {
				toks = append(toks, token{tokNot, "!"})
				i++
			}
		case c == '<' || c == '>':
			op := string(c)
			i++
			if i < len(src) && src[i] == '=' {
				op += "="
				i++
			}
			toks = append(toks, token{tokOp, op})
		case c == '=':
			if i+1 >= len(src) || src[i+1] != '=' {
				return nil, fmt.Errorf("single = at offset %d (use ==)", i)
			}
			toks = append(toks, token{tokOp, "=="})
			i += 2
		case unicode.IsDigit(rune(c)) || c == '.':
			j := i
			for j < len(src) && (unicode.IsDigit(rune(src[j])) || src[j] == '.') {
				j++
			}
			toks = append(toks, token{tokNumber, src[i:j]})
			i = j
		case unicode.IsLetter(rune(c)) || c == '_':
			j := i
			for j < len(src) && (unicode.IsLetter(rune(src[j])) || unicode.IsDigit(rune(src[j])) || src[j] == '_') {
				j++
			}
			toks = append(toks, token{tokIdent, src[i:j]})
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q at offset %d", c, i)
		}
	}
	if len(toks) == 0 {
		return nil, fmt.Errorf("empty expression")
	}
	return toks, nil
}

// ===== PARSER =====

type exprParser struct {
	toks []token
	pos  int
}

func (p *exprParser) peek() (token, bool) {
	if p.pos >= len(p.toks) {
		return token{}, false
	}
	return p.toks[p.pos], true
}

func (p *exprParser) parseOr() (exprNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		t, ok := p.peek()
		if !ok || t.kind != tokOr {
			return left, nil
		}
		p.pos++
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &logicalNode{op: "||", l: left, r: right}
	}
}

func (p *exprParser) parseAnd() (exprNode, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		t, ok := p.peek()
		if !ok || t.kind != tokAnd {
			return left, nil
		}
		p.pos++
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &logicalNode{op: "&&", l: left, r: right}
	}
}

func (p *exprParser) parseUnary() (exprNode, error) {
	if t, ok := p.peek(); ok && t.kind == tokNot {
		p.pos++
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &notNode{inner: inner}, nil
	}
	return p.parsePrimary()
}

func (p *exprParser) parsePrimary() (exprNode, error) {
	t, ok := p.peek()
	if !ok {
		return nil, fmt.Errorf("unexpected end of expression")
	}
	if t.kind == tokLParen {
		p.pos++
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		t, ok = p.peek()
		if !ok || t.kind != tokRParen {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return inner, nil
	}
	return p.parseComparison()
}

func (p *exprParser) parseComparison() (exprNode, error) {
	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	t, ok := p.peek()
	if !ok || t.kind != tokOp {
		return nil, fmt.Errorf("expected comparison operator, got %q", tokenText(t, ok))
	}
	p.pos++
	right, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	return &compareNode{op: t.text, l: left, r: right}, nil
}

func (p *exprParser) parseOperand() (operand, error) {
	t, ok := p.peek()
	if !ok {
		return operand{}, fmt.Errorf("unexpected end of expression")
	}
	switch t.kind {
	case tokIdent:
		p.pos++
		return operand{field: t.text}, nil
	case tokNumber:
		v, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return operand{}, fmt.Errorf("bad number %q", t.text)
		}
		p.pos++
		return operand{literal: v}, nil
	}
	return operand{}, fmt.Errorf("expected field or number, got %q", t.text)
}

func tokenText(t token, ok bool) string {
	if !ok {
		return "end of expression"
	}
	return t.text
}

// String renders a parse for debugging and admin display.
func (e *Expr) String() string {
	var b strings.Builder
	writeNode(&b, e.root)
	return b.String()
}

func writeNode(b *strings.Builder, n exprNode) {
	switch v := n.(type) {
	case *logicalNode:
		b.WriteByte('(')
		writeNode(b, v.l)
		fmt.Fprintf(b, " %s ", v.op)
		writeNode(b, v.r)
		b.WriteByte(')')
	case *notNode:
		b.WriteByte('!')
		writeNode(b, v.inner)
	case *compareNode:
		writeOperand(b, v.l)
		fmt.Fprintf(b, " %s ", v.op)
		writeOperand(b, v.r)
	}
}

func writeOperand(b *strings.Builder, o operand) {
	if o.field != "" {
		b.WriteString(o.field)
		return
	}
	b.WriteString(strconv.FormatFloat(o.literal, 'g', -1, 64))
}
