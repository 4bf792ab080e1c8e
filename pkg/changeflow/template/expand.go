// Package template renders ${var} placeholders in notification and activity
// text.
//
// Placeholders name fields of the event context, using the same dotted names
// conditions use (${previous.status}). Vars lists the names a template
// references so configuration loading can reject unknown ones before any
// event is dispatched.
//
//	exp := template.NewExpander()
//	msg, _ := exp.Expand("You have been assigned ${name}", vars)
package template

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/randalmurphal/changeflow/pkg/changeflow/expr"
)

// bracePattern matches ${name} where name may be dotted.
var bracePattern = regexp.MustCompile(`\$\{([a-zA-Z_][a-zA-Z0-9_]*(?:\.[a-zA-Z_][a-zA-Z0-9_]*)*)\}`)

// Expander expands variable patterns in strings.
//
// Create with NewExpander() and configure with Option functions.
// Expander is safe for concurrent use after construction.
type Expander struct {
	missingAction MissingAction
	format        func(any) string
}

// NewExpander creates a new Expander with the given options.
func NewExpander(opts ...Option) *Expander {
	e := &Expander{
		missingAction: MissingEmpty,
		format:        formatValue,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func formatValue(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}

// Expand expands ${var} patterns in s using vars.
//
// Errors are only returned when MissingAction is MissingError and a
// variable is not found.
func (e *Expander) Expand(s string, vars map[string]any) (string, error) {
	if s == "" {
		return "", nil
	}

	var missing []string
	result := bracePattern.ReplaceAllStringFunc(s, func(match string) string {
		name := match[2 : len(match)-1]
		if val, ok := expr.Lookup(vars, name); ok {
			return e.format(val)
		}
		switch e.missingAction {
		case MissingKeep:
			return match
		case MissingError:
			missing = append(missing, name)
			return match
		default:
			return ""
		}
	})

	if len(missing) > 0 {
		return result, &UndefinedVariableError{Names: missing}
	}
	return result, nil
}

// ExpandMap expands every string value of m, recursing into nested maps.
// Non-string values are copied as-is.
func (e *Expander) ExpandMap(m map[string]any, vars map[string]any) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case string:
			s, err := e.Expand(val, vars)
			if err != nil {
				return nil, err
			}
			out[k] = s
		case map[string]any:
			nested, err := e.ExpandMap(val, vars)
			if err != nil {
				return nil, err
			}
			out[k] = nested
		default:
			out[k] = v
		}
	}
	return out, nil
}

// Vars returns the distinct variable names referenced by s, sorted.
func Vars(s string) []string {
	matches := bracePattern.FindAllStringSubmatch(s, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if _, ok := seen[m[1]]; ok {
			continue
		}
		seen[m[1]] = struct{}{}
		out = append(out, m[1])
	}
	sort.Strings(out)
	return out
}

// Check reports every variable in s that schema does not declare.
func Check(s string, schema expr.Schema) error {
	var errs []error
	for _, name := range Vars(s) {
		if _, ok := schema.Resolve(name); !ok {
			errs = append(errs, &expr.UnknownFieldError{Name: name})
		}
	}
	return errors.Join(errs...)
}

// UndefinedVariableError is returned when MissingError is set and
// one or more variables are not found.
type UndefinedVariableError struct {
	// Names is the list of undefined variable names.
	Names []string
}

// Error implements the error interface.
func (e *UndefinedVariableError) Error() string {
	if len(e.Names) == 1 {
		return fmt.Sprintf("undefined variable: %s", e.Names[0])
	}
	return fmt.Sprintf("undefined variables: %s", strings.Join(e.Names, ", "))
}

// defaultExpander is the package-level expander with default settings.
var defaultExpander = NewExpander()

// Expand expands s with the default expander. Missing variables render empty.
func Expand(s string, vars map[string]any) string {
	result, _ := defaultExpander.Expand(s, vars)
	return result
}
