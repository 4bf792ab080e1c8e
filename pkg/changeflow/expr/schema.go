package expr

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind is the declared type of a context field.
type Kind string

// Kinds.
const (
	KindAny    Kind = "any"
	KindString Kind = "string"
	KindNumber Kind = "number"
	KindBool   Kind = "bool"
	KindID     Kind = "id"
	KindList   Kind = "list"
	KindObject Kind = "object"
)

// ParseKind parses a kind name. The empty string is KindAny.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case "":
		return KindAny, nil
	case KindAny, KindString, KindNumber, KindBool, KindID, KindList, KindObject:
		return k, nil
	case "int", "integer", "float", "decimal":
		return KindNumber, nil
	case "boolean":
		return KindBool, nil
	case "datetime", "date", "text":
		return KindString, nil
	default:
		return "", fmt.Errorf("unknown field kind %q", s)
	}
}

// Numeric reports whether values of the kind support ordering operators.
func (k Kind) Numeric() bool {
	return k == KindNumber || k == KindID || k == KindAny
}

// Schema names the fields an evaluation context may carry.
type Schema map[string]Kind

// Merge returns a new schema holding the fields of s and other. Fields in
// other win.
func (s Schema) Merge(other Schema) Schema {
	out := make(Schema, len(s)+len(other))
	for k, v := range s {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Resolve returns the kind of name. A dotted name below an object field
// resolves to KindAny.
func (s Schema) Resolve(name string) (Kind, bool) {
	if k, ok := s[name]; ok {
		return k, true
	}
	parts := strings.Split(name, ".")
	for i := len(parts) - 1; i > 0; i-- {
		if k, ok := s[strings.Join(parts[:i], ".")]; ok && (k == KindObject || k == KindAny) {
			return KindAny, true
		}
	}
	return "", false
}

// Fields returns the field names in sorted order.
func (s Schema) Fields() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// UnknownFieldError reports an identifier the schema does not declare.
type UnknownFieldError struct {
	Name string
}

// Error implements the error interface.
func (e *UnknownFieldError) Error() string {
	return fmt.Sprintf("unknown field %q", e.Name)
}

// Check validates the expression against schema: every identifier must be
// declared and ordering operators must have numeric operands.
func (e *Expr) Check(schema Schema) error {
	if e == nil || e.root == nil {
		return nil
	}
	var errs []error
	for _, name := range e.Idents() {
		if _, ok := schema.Resolve(name); !ok {
			errs = append(errs, &UnknownFieldError{Name: name})
		}
	}
	e.root.walk(func(n node) {
		cmp, ok := n.(*compareNode)
		if !ok {
			return
		}
		switch cmp.op {
		case "<", ">", "<=", ">=":
		default:
			return
		}
		for _, side := range []node{cmp.left, cmp.right} {
			if err := checkNumeric(schema, cmp.op, side); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

func checkNumeric(schema Schema, op string, n node) error {
	switch v := n.(type) {
	case *identNode:
		if k, ok := schema.Resolve(v.name); ok && !k.Numeric() {
			return fmt.Errorf("operator %s needs a number, field %q is %s", op, v.name, k)
		}
	case *literalNode:
		if _, ok := ToFloat64(v.value); !ok {
			return fmt.Errorf("operator %s needs a number, got %v", op, v.value)
		}
	case *listNode:
		return fmt.Errorf("operator %s cannot compare a list", op)
	}
	return nil
}
