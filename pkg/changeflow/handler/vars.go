package handler

import (
	"context"

	"github.com/randalmurphal/changeflow/pkg/changeflow/event"
	"github.com/randalmurphal/changeflow/pkg/changeflow/registry"
)

// Enricher supplies computed context fields, such as display names, for an
// event before its conditions are evaluated.
type Enricher interface {
	Enrich(ctx context.Context, ev *event.Event) (map[string]any, error)
}

// EnricherFunc adapts a function to Enricher.
type EnricherFunc func(ctx context.Context, ev *event.Event) (map[string]any, error)

// Enrich implements Enricher.
func (f EnricherFunc) Enrich(ctx context.Context, ev *event.Event) (map[string]any, error) {
	return f(ctx, ev)
}

// Vars builds the evaluation context of ev. Current-state fields sit at the
// top level, the previous state under "previous", and computed fields are
// added last.
func Vars(ev *event.Event, computed map[string]any) map[string]any {
	vars := make(map[string]any, len(ev.CurrentState)+len(computed)+9)

	changed := make([]any, len(ev.ChangedFields))
	for i, f := range ev.ChangedFields {
		changed[i] = f
	}
	var actor any
	if ev.PerformedBy != nil {
		actor = *ev.PerformedBy
	}
	vars["event_id"] = ev.ID
	vars["event_type"] = ev.Type
	vars["action"] = string(ev.Action)
	vars["entity_type"] = ev.EntityType
	vars["entity_id"] = ev.EntityID
	vars["changed_fields"] = changed
	vars["performed_by"] = actor
	vars["tenant"] = ev.Tenant.String()

	for k, v := range ev.CurrentState {
		vars[k] = v
	}
	previous := make(map[string]any, len(ev.PreviousState))
	for k, v := range ev.PreviousState {
		previous[k] = v
	}
	vars[registry.PreviousPrefix] = previous

	for k, v := range computed {
		vars[k] = v
	}
	return vars
}
