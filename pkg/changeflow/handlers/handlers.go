// Package handlers provides the built-in side-effect handlers: notification,
// activity and follow_up.
//
// Handlers are registered explicitly at start-up with Default. Each one is
// idempotent only to the extent its writer is, since a retried event
// re-invokes every handler, including those that succeeded before.
package handlers

import (
	"io"
	"log/slog"
	"time"

	"github.com/randalmurphal/changeflow/pkg/changeflow/expr"
	"github.com/randalmurphal/changeflow/pkg/changeflow/handler"
	"github.com/randalmurphal/changeflow/pkg/changeflow/notify"
	"github.com/randalmurphal/changeflow/pkg/changeflow/recipient"
	"github.com/randalmurphal/changeflow/pkg/changeflow/snapshot"
	"github.com/randalmurphal/changeflow/pkg/changeflow/template"
)

// Handler names used in configuration documents.
const (
	NotificationName = "notification"
	ActivityName     = "activity"
	FollowUpName     = "follow_up"
)

// Deps are the collaborators of the built-in handlers. A handler whose
// collaborator is nil is not registered.
type Deps struct {
	Resolver   *recipient.Resolver
	Notifier   *notify.Service
	Activities ActivityWriter
	Tasks      TaskWriter
	Logger     *slog.Logger
	Now        func() time.Time
}

// Default returns the table of built-in handlers that deps can serve.
func Default(deps Deps) *handler.Table {
	b := newBase(deps)
	entries := make(map[string]handler.Handler, 3)
	if deps.Resolver != nil && deps.Notifier != nil {
		entries[NotificationName] = &Notification{base: b, resolver: deps.Resolver, notifier: deps.Notifier}
	}
	if deps.Activities != nil {
		entries[ActivityName] = &Activity{base: b, writer: deps.Activities}
	}
	if deps.Tasks != nil {
		entries[FollowUpName] = &FollowUp{base: b, writer: deps.Tasks}
	}
	return handler.NewTable(entries)
}

type base struct {
	expander *template.Expander
	logger   *slog.Logger
	now      func() time.Time
}

func newBase(deps Deps) base {
	b := base{
		expander: template.NewExpander(),
		logger:   deps.Logger,
		now:      deps.Now,
	}
	if b.logger == nil {
		b.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if b.now == nil {
		b.now = time.Now
	}
	return b
}

// render expands a template, rendering missing values as empty.
func (b base) render(s string, vars map[string]any) string {
	out, _ := b.expander.Expand(s, vars)
	return out
}

// refID reads an ID from the field at path in vars, accepting plain IDs and
// generic references.
func refID(vars map[string]any, path string) (int64, bool) {
	v, ok := expr.Lookup(vars, path)
	if !ok || v == nil {
		return 0, false
	}
	if ref, ok := snapshot.AsGenericRef(v); ok {
		return ref.ID, true
	}
	id, ok := snapshot.Int64(v)
	if !ok || id == 0 {
		return 0, false
	}
	return id, true
}
