package registry

import (
	"sort"

	"github.com/randalmurphal/changeflow/pkg/changeflow/config"
	"github.com/randalmurphal/changeflow/pkg/changeflow/expr"
	"github.com/randalmurphal/changeflow/pkg/changeflow/recipient"
)

// Binding attaches one handler to an event type.
type Binding struct {
	Handler   string
	Enabled   bool
	Condition *expr.Expr
	Config    config.Config
	Notify    *Notify
}

// Notify is the notification block of a binding.
type Notify struct {
	Type       string
	Title      string
	Message    string
	Recipients []recipient.Spec
}

// Bindings maps event types to their ordered bindings.
type Bindings struct {
	byType map[string][]Binding
}

// NewBindings creates a Bindings from a map of event type to bindings.
func NewBindings(m map[string][]Binding) *Bindings {
	b := &Bindings{byType: make(map[string][]Binding, len(m))}
	for t, list := range m {
		if len(list) == 0 {
			continue
		}
		b.byType[t] = append([]Binding(nil), list...)
	}
	return b
}

// Lookup returns the bindings for an event type in declaration order.
func (b *Bindings) Lookup(eventType string) []Binding {
	if b == nil {
		return nil
	}
	return b.byType[eventType]
}

// HasBindings reports whether any binding exists for an event type.
func (b *Bindings) HasBindings(eventType string) bool {
	return len(b.Lookup(eventType)) > 0
}

// Types returns the bound event types, sorted.
func (b *Bindings) Types() []string {
	if b == nil {
		return nil
	}
	out := make([]string, 0, len(b.byType))
	for t := range b.byType {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
