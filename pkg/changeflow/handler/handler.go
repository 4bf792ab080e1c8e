// Package handler defines the contract between the dispatch engine and the
// side-effect handlers it invokes.
package handler

import (
	"context"
	"errors"

	"github.com/randalmurphal/changeflow/pkg/changeflow/event"
	"github.com/randalmurphal/changeflow/pkg/changeflow/registry"
)

// Handler performs one side effect for an event.
//
// Handle must honor ctx cancellation: the engine runs each handler under a
// deadline and records a timeout as a failure. A returned FAILED result
// triggers the retry policy for the whole event, so handlers must be safe to
// run again for the same event.
type Handler interface {
	Handle(ctx context.Context, inv *Invocation) event.HandlerResult
}

// Func adapts a function to Handler.
type Func func(ctx context.Context, inv *Invocation) event.HandlerResult

// Handle implements Handler.
func (f Func) Handle(ctx context.Context, inv *Invocation) event.HandlerResult {
	return f(ctx, inv)
}

// Invocation is what a handler receives for one binding.
type Invocation struct {
	// Event is a copy of the claimed event. Changes to it are discarded.
	Event *event.Event

	// Binding is the binding being run.
	Binding *registry.Binding

	// Vars is the evaluation context the condition was checked against.
	Vars map[string]any
}

// Table is the start-up table of handlers by name.
type Table = registry.Table[string, Handler]

// NewTable creates a handler table.
func NewTable(handlers map[string]Handler) *Table {
	return registry.NewTable(handlers)
}

// Success returns a SUCCESS result.
func Success(message string, data map[string]any) event.HandlerResult {
	return event.HandlerResult{Status: event.ResultSuccess, Message: message, Data: data}
}

// Skipped returns a SKIPPED result.
func Skipped(message string) event.HandlerResult {
	return event.HandlerResult{Status: event.ResultSkipped, Message: message}
}

// Failed returns a FAILED result carrying err's text.
func Failed(err error) event.HandlerResult {
	if err == nil {
		err = errors.New("handler failed")
	}
	return event.HandlerResult{Status: event.ResultFailed, Error: err.Error()}
}
