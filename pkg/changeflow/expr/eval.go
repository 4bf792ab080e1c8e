package expr

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
)

// ErrMissingVar is wrapped by errors for identifiers absent from vars.
var ErrMissingVar = errors.New("missing variable")

// MissingVarError names the identifier that could not be resolved.
type MissingVarError struct {
	Name string
}

// Error implements the error interface.
func (e *MissingVarError) Error() string {
	return fmt.Sprintf("missing variable: %s", e.Name)
}

// Unwrap returns ErrMissingVar.
func (e *MissingVarError) Unwrap() error { return ErrMissingVar }

// TypeError reports operands an operator cannot compare.
type TypeError struct {
	Op    string
	Left  any
	Right any
}

// Error implements the error interface.
func (e *TypeError) Error() string {
	return fmt.Sprintf("operator %s cannot compare %T and %T", e.Op, e.Left, e.Right)
}

// Eval evaluates the expression against vars. An empty expression is true.
func (e *Expr) Eval(vars map[string]any) (bool, error) {
	if e == nil || e.root == nil {
		return true, nil
	}
	v, err := e.root.eval(vars)
	if err != nil {
		return false, err
	}
	return IsTruthy(v), nil
}

// Eval parses and evaluates src in one step.
func Eval(src string, vars map[string]any) (bool, error) {
	e, err := Parse(src)
	if err != nil {
		return false, err
	}
	return e.Eval(vars)
}

type node interface {
	eval(vars map[string]any) (any, error)
	walk(fn func(node))
}

type literalNode struct{ value any }

func (n *literalNode) eval(map[string]any) (any, error) { return n.value, nil }
func (n *literalNode) walk(fn func(node))               { fn(n) }

type identNode struct{ name string }

func (n *identNode) eval(vars map[string]any) (any, error) {
	v, ok := Lookup(vars, n.name)
	if !ok {
		return nil, &MissingVarError{Name: n.name}
	}
	return v, nil
}

func (n *identNode) walk(fn func(node)) { fn(n) }

type listNode struct{ items []node }

func (n *listNode) eval(vars map[string]any) (any, error) {
	out := make([]any, len(n.items))
	for i, item := range n.items {
		v, err := item.eval(vars)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (n *listNode) walk(fn func(node)) {
	fn(n)
	for _, item := range n.items {
		item.walk(fn)
	}
}

type notNode struct{ inner node }

func (n *notNode) eval(vars map[string]any) (any, error) {
	v, err := n.inner.eval(vars)
	if err != nil {
		return nil, err
	}
	return !IsTruthy(v), nil
}

func (n *notNode) walk(fn func(node)) {
	fn(n)
	n.inner.walk(fn)
}

type logicalNode struct {
	op          string
	left, right node
}

func (n *logicalNode) eval(vars map[string]any) (any, error) {
	l, err := n.left.eval(vars)
	if err != nil {
		return nil, err
	}
	if n.op == "and" && !IsTruthy(l) {
		return false, nil
	}
	if n.op == "or" && IsTruthy(l) {
		return true, nil
	}
	r, err := n.right.eval(vars)
	if err != nil {
		return nil, err
	}
	return IsTruthy(r), nil
}

func (n *logicalNode) walk(fn func(node)) {
	fn(n)
	n.left.walk(fn)
	n.right.walk(fn)
}

type compareNode struct {
	op          string
	left, right node
}

func (n *compareNode) eval(vars map[string]any) (any, error) {
	l, err := n.left.eval(vars)
	if err != nil {
		return nil, err
	}
	r, err := n.right.eval(vars)
	if err != nil {
		return nil, err
	}
	return Compare(l, r, n.op)
}

func (n *compareNode) walk(fn func(node)) {
	fn(n)
	n.left.walk(fn)
	n.right.walk(fn)
}

// Lookup resolves a possibly dotted name in vars. The whole name is tried as
// a key first, then each segment is followed through nested maps.
func Lookup(vars map[string]any, name string) (any, bool) {
	if vars == nil {
		return nil, false
	}
	if v, ok := vars[name]; ok {
		return v, true
	}
	if !strings.Contains(name, ".") {
		return nil, false
	}
	var cur any = vars
	for _, seg := range strings.Split(name, ".") {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case nil:
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, false
	}
	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		out[iter.Key().String()] = iter.Value().Interface()
	}
	return out, true
}
