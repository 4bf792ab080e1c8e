package expr

import (
	"fmt"
	"strings"
)

// Compare applies a binary operator to two resolved values.
func Compare(left, right any, op string) (bool, error) {
	switch op {
	case "==":
		return Equal(left, right), nil
	case "!=":
		return !Equal(left, right), nil
	case "<", ">", "<=", ">=":
		return compareOrdered(left, right, op)
	case "contains":
		return contains(left, right), nil
	case "in":
		return contains(right, left), nil
	default:
		return false, fmt.Errorf("unknown operator: %s", op)
	}
}

// Equal reports whether two values are equal. nil equals only nil, numbers
// compare by exact value, and other mismatched types fall back to comparing
// their string forms.
func Equal(left, right any) bool {
	if left == nil || right == nil {
		return left == nil && right == nil
	}
	if _, ok := ToFloat64(left); ok {
		if _, ok := ToFloat64(right); ok {
			cmp, ok := compareNumbers(left, right)
			return ok && cmp == 0
		}
	}
	if l, ok := left.([]any); ok {
		r, ok := right.([]any)
		if !ok || len(l) != len(r) {
			return false
		}
		for i := range l {
			if !Equal(l[i], r[i]) {
				return false
			}
		}
		return true
	}
	return fmt.Sprintf("%v", left) == fmt.Sprintf("%v", right)
}

func compareOrdered(left, right any, op string) (bool, error) {
	_, lok := ToFloat64(left)
	_, rok := ToFloat64(right)
	if !lok || !rok {
		return false, &TypeError{Op: op, Left: left, Right: right}
	}
	cmp, ok := compareNumbers(left, right)
	if !ok {
		return false, nil
	}
	switch op {
	case "<":
		return cmp < 0, nil
	case ">":
		return cmp > 0, nil
	case "<=":
		return cmp <= 0, nil
	default:
		return cmp >= 0, nil
	}
}

// contains reports whether container holds item: an element of a list or a
// substring of a string.
func contains(container, item any) bool {
	switch c := container.(type) {
	case nil:
		return false
	case []any:
		for _, elem := range c {
			if Equal(elem, item) {
				return true
			}
		}
		return false
	case []string:
		for _, elem := range c {
			if Equal(elem, item) {
				return true
			}
		}
		return false
	case string:
		return strings.Contains(c, fmt.Sprintf("%v", item))
	default:
		return strings.Contains(fmt.Sprintf("%v", c), fmt.Sprintf("%v", item))
	}
}
