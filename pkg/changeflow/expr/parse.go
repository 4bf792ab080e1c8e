package expr

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Expr is a parsed condition. It is immutable and safe for concurrent use.
type Expr struct {
	src  string
	root node
}

// Parse compiles src. An empty or whitespace-only source is a valid
// expression that always evaluates to true.
func Parse(src string) (*Expr, error) {
	if strings.TrimSpace(src) == "" {
		return &Expr{src: src}, nil
	}
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{src: src, toks: toks}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, p.errorf("unexpected %q", p.peek().text)
	}
	return &Expr{src: src, root: root}, nil
}

// MustParse is like Parse but panics on error.
func MustParse(src string) *Expr {
	e, err := Parse(src)
	if err != nil {
		panic(fmt.Sprintf("expr: %v", err))
	}
	return e
}

// String returns the source text.
func (e *Expr) String() string { return e.src }

// Idents returns the distinct identifiers the expression references, sorted.
func (e *Expr) Idents() []string {
	if e == nil || e.root == nil {
		return nil
	}
	seen := make(map[string]struct{})
	e.root.walk(func(n node) {
		if id, ok := n.(*identNode); ok {
			seen[id.name] = struct{}{}
		}
	})
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

type parser struct {
	src  string
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) errorf(format string, args ...any) error {
	return &SyntaxError{Expr: p.src, Pos: p.peek().pos, Message: fmt.Sprintf(format, args...)}
}

func (p *parser) isKeyword(word string) bool {
	t := p.peek()
	return t.kind == tokIdent && strings.EqualFold(t.text, word)
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("or") {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &logicalNode{op: "or", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("and") {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &logicalNode{op: "and", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (node, error) {
	if p.isKeyword("not") || (p.peek().kind == tokOp && p.peek().text == "!") {
		p.next()
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &notNode{inner: inner}, nil
	}
	return p.parseCompare()
}

var compareOps = map[string]bool{
	"==": true, "!=": true, "<": true, ">": true, "<=": true, ">=": true,
}

func (p *parser) parseCompare() (node, error) {
	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}

	t := p.peek()
	var op string
	switch {
	case t.kind == tokOp && compareOps[t.text]:
		op = t.text
	case p.isKeyword("contains"):
		op = "contains"
	case p.isKeyword("in"):
		op = "in"
	default:
		return left, nil
	}
	p.next()

	right, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	return &compareNode{op: op, left: left, right: right}, nil
}

func (p *parser) parseOperand() (node, error) {
	t := p.next()
	switch t.kind {
	case tokString:
		return &literalNode{value: t.text}, nil
	case tokNumber:
		num := json.Number(t.text)
		if _, err := num.Float64(); err != nil {
			return nil, &SyntaxError{Expr: p.src, Pos: t.pos, Message: fmt.Sprintf("bad number %q", t.text)}
		}
		return &literalNode{value: num}, nil
	case tokLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.next().kind != tokRParen {
			return nil, &SyntaxError{Expr: p.src, Pos: t.pos, Message: "unclosed parenthesis"}
		}
		return inner, nil
	case tokLBracket:
		return p.parseList(t)
	case tokIdent:
		switch strings.ToLower(t.text) {
		case "true":
			return &literalNode{value: true}, nil
		case "false":
			return &literalNode{value: false}, nil
		case "null", "nil":
			return &literalNode{value: nil}, nil
		case "and", "or", "not", "contains", "in":
			return nil, &SyntaxError{Expr: p.src, Pos: t.pos, Message: fmt.Sprintf("unexpected keyword %q", t.text)}
		}
		return &identNode{name: t.text}, nil
	case tokEOF:
		return nil, &SyntaxError{Expr: p.src, Pos: t.pos, Message: "unexpected end of expression"}
	default:
		return nil, &SyntaxError{Expr: p.src, Pos: t.pos, Message: fmt.Sprintf("unexpected %q", t.text)}
	}
}

func (p *parser) parseList(open token) (node, error) {
	list := &listNode{}
	if p.peek().kind == tokRBracket {
		p.next()
		return list, nil
	}
	for {
		item, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		list.items = append(list.items, item)
		switch p.next().kind {
		case tokComma:
			continue
		case tokRBracket:
			return list, nil
		default:
			return nil, &SyntaxError{Expr: p.src, Pos: open.pos, Message: "unclosed list"}
		}
	}
}
