package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/randalmurphal/changeflow/pkg/changeflow/change"
	"github.com/randalmurphal/changeflow/pkg/changeflow/config"
	"github.com/randalmurphal/changeflow/pkg/changeflow/event"
	"github.com/randalmurphal/changeflow/pkg/changeflow/expr"
	"github.com/randalmurphal/changeflow/pkg/changeflow/recipient"
	"github.com/randalmurphal/changeflow/pkg/changeflow/template"
)

// PreviousPrefix is the evaluation-context namespace of the previous state.
const PreviousPrefix = "previous"

// BaseSchema declares the event fields present in every evaluation context.
var BaseSchema = expr.Schema{
	"event_id":       expr.KindID,
	"event_type":     expr.KindString,
	"action":         expr.KindString,
	"entity_type":    expr.KindString,
	"entity_id":      expr.KindID,
	"changed_fields": expr.KindList,
	"performed_by":   expr.KindID,
	"tenant":         expr.KindString,
}

// Compiled is the validated, ready-to-run form of a configuration document.
type Compiled struct {
	Bindings *Bindings

	// Tracking enrolls entity types with the change detector.
	Tracking map[string]change.Tracked

	// Schemas holds the evaluation schema per tracked entity type.
	Schemas map[string]expr.Schema

	// BranchFields maps entity types to their branch field, where declared.
	BranchFields map[string]string

	// Related lists, sorted, the related entities that field recipients
	// read through, such as "client" for client.assigned_to. Each needs a
	// recipient loader at run time.
	Related []string

	// MaxRetries is the retry limit for new events.
	MaxRetries int

	// Alerts seeds the administrator alert settings.
	Alerts config.AlertSpec
}

type compileOptions struct {
	known func(name string) bool
}

// CompileOption configures Compile.
type CompileOption func(*compileOptions)

// WithHandlerNames restricts bindings to the given handler names.
func WithHandlerNames(names ...string) CompileOption {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return func(o *compileOptions) {
		o.known = func(name string) bool { return set[name] }
	}
}

// WithHandlerCheck restricts bindings to names accepted by known.
func WithHandlerCheck(known func(name string) bool) CompileOption {
	return func(o *compileOptions) {
		o.known = known
	}
}

// Compile validates doc and builds the runtime tables. Every problem found
// is reported in one joined error.
func Compile(doc *config.Document, opts ...CompileOption) (*Compiled, error) {
	if doc == nil {
		return nil, errors.New("registry: nil document")
	}
	o := compileOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}

	var errs []error
	out := &Compiled{
		Tracking:     make(map[string]change.Tracked, len(doc.Tracking)),
		Schemas:      make(map[string]expr.Schema, len(doc.Tracking)),
		BranchFields: make(map[string]string),
		MaxRetries:   event.DefaultMaxRetries,
		Alerts:       doc.Alerts,
	}
	if doc.Defaults.MaxRetries != nil {
		out.MaxRetries = *doc.Defaults.MaxRetries
	}

	for _, entity := range sortedKeys(doc.Tracking) {
		te := doc.Tracking[entity]
		schema, err := entitySchema(te)
		if err != nil {
			errs = append(errs, fmt.Errorf("tracking.%s: %w", entity, err))
		}
		out.Tracking[entity] = change.Tracked{Fields: append([]string(nil), te.Fields...)}
		out.Schemas[entity] = schema
		if te.BranchField != "" {
			out.BranchFields[entity] = te.BranchField
		}
	}

	byType := make(map[string][]Binding, len(doc.Handlers))
	for _, eventType := range sortedKeys(doc.Handlers) {
		entity, field, err := parseEventType(eventType)
		if err != nil {
			errs = append(errs, fmt.Errorf("handlers.%s: %w", eventType, err))
			continue
		}
		te, tracked := doc.Tracking[entity]
		if !tracked {
			errs = append(errs, fmt.Errorf("handlers.%s: entity %s is not tracked", eventType, entity))
			continue
		}
		if field != "" && len(te.Fields) > 0 && !contains(te.Fields, field) {
			errs = append(errs, fmt.Errorf("handlers.%s: field %s is not in the tracked fields", eventType, field))
		}
		if field != "" && len(te.Fields) == 0 {
			errs = append(errs, fmt.Errorf("handlers.%s: field events need a tracked-fields allowlist", eventType))
		}

		schema := out.Schemas[entity]
		for i, spec := range doc.Handlers[eventType] {
			where := fmt.Sprintf("handlers.%s[%d]", eventType, i)
			b, bErrs := compileBinding(spec, schema, o)
			for _, e := range bErrs {
				errs = append(errs, fmt.Errorf("%s: %w", where, e))
			}
			byType[eventType] = append(byType[eventType], b)
		}
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	out.Bindings = NewBindings(byType)
	out.Related = relatedEntities(byType)
	return out, nil
}

func relatedEntities(byType map[string][]Binding) []string {
	seen := make(map[string]bool)
	for _, list := range byType {
		for _, b := range list {
			if b.Notify == nil {
				continue
			}
			for _, r := range b.Notify.Recipients {
				if r.Kind == recipient.KindField && len(r.Path) == 2 {
					seen[r.Path[0]] = true
				}
			}
		}
	}
	return sortedKeys(seen)
}

func compileBinding(spec config.BindingSpec, schema expr.Schema, o compileOptions) (Binding, []error) {
	var errs []error
	b := Binding{
		Handler: spec.Handler,
		Enabled: spec.IsEnabled(),
		Config:  config.New(spec.Config),
	}
	if o.known != nil && !o.known(spec.Handler) {
		errs = append(errs, fmt.Errorf("unknown handler %q", spec.Handler))
	}

	cond, err := expr.Parse(spec.Condition)
	if err != nil {
		errs = append(errs, fmt.Errorf("condition: %w", err))
	} else {
		if err := cond.Check(schema); err != nil {
			errs = append(errs, fmt.Errorf("condition %q: %w", spec.Condition, err))
		}
		b.Condition = cond
	}

	errs = append(errs, checkTemplates("config", spec.Config, schema)...)

	if spec.Notify != nil {
		recipients, err := recipient.FromConfigList(spec.Notify.Recipients)
		if err != nil {
			errs = append(errs, fmt.Errorf("notify: %w", err))
		}
		for _, r := range recipients {
			if r.Kind == recipient.KindField {
				if _, ok := schema.Resolve(r.Path[0]); !ok {
					errs = append(errs, fmt.Errorf("notify.recipients: %w", &expr.UnknownFieldError{Name: r.Path[0]}))
				}
			}
		}
		for name, tmpl := range map[string]string{"title": spec.Notify.Title, "message": spec.Notify.Message} {
			if err := template.Check(tmpl, schema); err != nil {
				errs = append(errs, fmt.Errorf("notify.%s: %w", name, err))
			}
		}
		b.Notify = &Notify{
			Type:       spec.Notify.Type,
			Title:      spec.Notify.Title,
			Message:    spec.Notify.Message,
			Recipients: recipients,
		}
	}
	return b, errs
}

// checkTemplates validates every string in a binding config map.
func checkTemplates(path string, m map[string]any, schema expr.Schema) []error {
	var errs []error
	for _, k := range sortedKeys(m) {
		switch v := m[k].(type) {
		case string:
			if err := template.Check(v, schema); err != nil {
				errs = append(errs, fmt.Errorf("%s.%s: %w", path, k, err))
			}
		case map[string]any:
			errs = append(errs, checkTemplates(path+"."+k, v, schema)...)
		}
	}
	return errs
}

// entitySchema builds the evaluation schema of one tracked entity: the base
// event fields, the declared and allowlisted fields, their previous-state
// mirror, and the computed fields.
func entitySchema(te config.TrackedEntity) (expr.Schema, error) {
	var errs []error
	fields := make(expr.Schema, len(te.Schema)+len(te.Fields))
	for _, f := range te.Fields {
		fields[f] = expr.KindAny
	}
	for name, raw := range te.Schema {
		k, err := expr.ParseKind(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("schema.%s: %w", name, err))
			continue
		}
		fields[name] = k
	}

	schema := BaseSchema.Merge(fields)
	for name, k := range fields {
		schema[PreviousPrefix+"."+name] = k
	}
	for name, raw := range te.Computed {
		k, err := expr.ParseKind(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("computed.%s: %w", name, err))
			continue
		}
		if _, clash := schema[name]; clash {
			errs = append(errs, fmt.Errorf("computed.%s: shadows an existing field", name))
			continue
		}
		schema[name] = k
	}
	return schema, errors.Join(errs...)
}

// parseEventType splits Entity.ACTION or Entity.field.UPDATE.
func parseEventType(t string) (entity, field string, err error) {
	parts := strings.Split(t, ".")
	switch len(parts) {
	case 2:
		if !event.Action(parts[1]).Valid() {
			return "", "", fmt.Errorf("unknown action %q", parts[1])
		}
		return parts[0], "", nil
	case 3:
		if event.Action(parts[2]) != event.ActionUpdate {
			return "", "", errors.New("field events must end in UPDATE")
		}
		return parts[0], parts[1], nil
	default:
		return "", "", errors.New("event type must be Entity.ACTION or Entity.field.UPDATE")
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
