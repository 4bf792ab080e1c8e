// Package change turns entity mutations into events.
//
// A Detector compares the before and after snapshots of one mutation and
// produces the lifecycle and field-scoped events that have at least one
// handler bound. A Tracker persists those events inside the mutation's
// transaction and hands them to the dispatcher once it commits.
package change

import (
	"io"
	"log/slog"
	"sort"

	"github.com/randalmurphal/changeflow/pkg/changeflow/event"
	"github.com/randalmurphal/changeflow/pkg/changeflow/snapshot"
	"github.com/randalmurphal/changeflow/pkg/changeflow/tenant"
)

// Tracked enrolls an entity type. An empty Fields list tracks every field
// but only emits the generic UPDATE event.
type Tracked struct {
	Fields []string
}

// BindingIndex reports whether any handler is bound to an event type.
type BindingIndex interface {
	HasBindings(eventType string) bool
}

// Mutation describes one committed (or committing) record change. Before is
// nil for a creation and After is nil for a deletion.
type Mutation struct {
	EntityType string
	EntityID   int64
	Before     snapshot.Snapshot
	After      snapshot.Snapshot
	Actor      *int64
	Tenant     tenant.Handle
}

// Detector produces events from mutations.
type Detector struct {
	tracking   map[string]tracked
	index      BindingIndex
	maxRetries int
	logger     *slog.Logger
}

type tracked struct {
	fields []string
}

// Option configures a Detector.
type Option func(*Detector)

// WithMaxRetries sets the retry limit of new events.
func WithMaxRetries(n int) Option {
	return func(d *Detector) {
		if n >= 0 {
			d.maxRetries = n
		}
	}
}

// WithLogger sets the detector logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Detector) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDetector creates a detector for the tracked entity types.
func NewDetector(tracking map[string]Tracked, index BindingIndex, opts ...Option) *Detector {
	d := &Detector{
		tracking:   make(map[string]tracked, len(tracking)),
		index:      index,
		maxRetries: event.DefaultMaxRetries,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for name, t := range tracking {
		fields := append([]string(nil), t.Fields...)
		sort.Strings(fields)
		d.tracking[name] = tracked{fields: fields}
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Tracks reports whether entityType is enrolled.
func (d *Detector) Tracks(entityType string) bool {
	_, ok := d.tracking[entityType]
	return ok
}

// Detect returns the events for m. It returns nil for untracked entity
// types, for empty diffs, and for event types without bindings.
func (d *Detector) Detect(m Mutation) []*event.Event {
	t, ok := d.tracking[m.EntityType]
	if !ok {
		return nil
	}

	var candidates []*event.Event
	switch {
	case m.Before == nil && m.After == nil:
		return nil
	case m.Before == nil:
		candidates = append(candidates, d.newEvent(m, event.ActionCreate, "", nil))
	case m.After == nil:
		candidates = append(candidates, d.newEvent(m, event.ActionDelete, "", m.Before.Keys()))
	default:
		changed := Diff(m.Before, m.After)
		if len(t.fields) > 0 {
			changed = intersect(changed, t.fields)
		}
		if len(changed) == 0 {
			return nil
		}
		candidates = append(candidates, d.newEvent(m, event.ActionUpdate, "", changed))
		if len(t.fields) > 0 {
			for _, f := range changed {
				candidates = append(candidates, d.newEvent(m, event.ActionUpdate, f, []string{f}))
			}
		}
	}

	out := candidates[:0]
	for _, ev := range candidates {
		if d.index == nil || !d.index.HasBindings(ev.Type) {
			continue
		}
		out = append(out, ev)
	}
	if len(out) == 0 {
		return nil
	}
	d.logger.Debug("change detected",
		slog.String("entity_type", m.EntityType),
		slog.Int64("entity_id", m.EntityID),
		slog.Int("events", len(out)),
		slog.String("tenant", m.Tenant.String()),
	)
	return out
}

func (d *Detector) newEvent(m Mutation, action event.Action, field string, changed []string) *event.Event {
	if changed == nil {
		changed = []string{}
	}
	prev, cur := m.Before.Clone(), m.After.Clone()
	if prev == nil {
		prev = snapshot.Snapshot{}
	}
	if cur == nil {
		cur = snapshot.Snapshot{}
	}
	var actor *int64
	if m.Actor != nil {
		a := *m.Actor
		actor = &a
	}
	return &event.Event{
		Type:          event.TypeName(m.EntityType, action, field),
		EntityType:    m.EntityType,
		EntityID:      m.EntityID,
		Action:        action,
		PreviousState: prev,
		CurrentState:  cur,
		ChangedFields: changed,
		PerformedBy:   actor,
		Tenant:        m.Tenant,
		Status:        event.StatusPending,
		MaxRetries:    d.maxRetries,
	}
}

// Diff returns the sorted names of fields whose values differ between a and
// b, including fields present in only one of them.
func Diff(a, b snapshot.Snapshot) []string {
	var out []string
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !snapshot.Equal(av, bv) {
			out = append(out, k)
		}
	}
	for k := range b {
		if _, ok := a[k]; !ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// intersect keeps the elements of sorted a that appear in sorted b.
func intersect(a, b []string) []string {
	var out []string
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			out = append(out, a[i])
			i++
			j++
		case a[i] < b[j]:
			i++
		default:
			j++
		}
	}
	return out
}
