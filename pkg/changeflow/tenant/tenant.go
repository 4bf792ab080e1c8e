// Package tenant carries the opaque tenant handle from event creation through
// asynchronous dispatch.
//
// The handle is an explicit value threaded through context.Context. Nothing in
// this module reads tenant state from globals or connection-local storage: a
// dispatch restores the handle recorded on its event and passes the resulting
// context to every store, resolver, and handler call it makes.
package tenant

import (
	"context"
	"errors"
	"fmt"
)

// Handle identifies an isolated data partition. It is opaque to the engine.
type Handle string

// None is the zero handle, used by single-tenant deployments.
const None Handle = ""

// String returns the handle as a string.
func (h Handle) String() string { return string(h) }

type contextKey struct{}

// WithHandle returns a copy of ctx carrying h.
func WithHandle(ctx context.Context, h Handle) context.Context {
	return context.WithValue(ctx, contextKey{}, h)
}

// FromContext returns the handle carried by ctx, or None.
func FromContext(ctx context.Context) Handle {
	if ctx == nil {
		return None
	}
	h, _ := ctx.Value(contextKey{}).(Handle)
	return h
}

// ErrRestore is wrapped by every restore failure.
var ErrRestore = errors.New("tenant restore failed")

// Carrier captures and restores tenant context.
type Carrier interface {
	// Capture returns the handle active in ctx, for recording on new events.
	Capture(ctx context.Context) Handle

	// Restore activates h for the remainder of a dispatch.
	Restore(ctx context.Context, h Handle) (context.Context, error)

	// Current returns the handle active in ctx.
	Current(ctx context.Context) Handle
}

// ContextCarrier keeps the handle as a context value and nothing else.
type ContextCarrier struct{}

// Compile-time interface check.
var _ Carrier = ContextCarrier{}

// Capture implements Carrier.
func (ContextCarrier) Capture(ctx context.Context) Handle { return FromContext(ctx) }

// Restore implements Carrier.
func (ContextCarrier) Restore(ctx context.Context, h Handle) (context.Context, error) {
	return WithHandle(ctx, h), nil
}

// Current implements Carrier.
func (ContextCarrier) Current(ctx context.Context) Handle { return FromContext(ctx) }

// Router maps a handle onto an isolated data partition, for example by
// selecting a database schema. It is implemented outside this module.
type Router interface {
	Activate(ctx context.Context, h Handle) (context.Context, error)
}

// RouterFunc adapts a function to Router.
type RouterFunc func(ctx context.Context, h Handle) (context.Context, error)

// Activate implements Router.
func (f RouterFunc) Activate(ctx context.Context, h Handle) (context.Context, error) {
	return f(ctx, h)
}

// RouterCarrier restores a handle by asking a Router to activate it. The
// handle is also stored in the returned context so Current keeps working.
type RouterCarrier struct {
	Router Router
}

// Compile-time interface check.
var _ Carrier = (*RouterCarrier)(nil)

// NewRouterCarrier returns a carrier backed by r.
func NewRouterCarrier(r Router) *RouterCarrier {
	return &RouterCarrier{Router: r}
}

// Capture implements Carrier.
func (c *RouterCarrier) Capture(ctx context.Context) Handle { return FromContext(ctx) }

// Restore implements Carrier.
func (c *RouterCarrier) Restore(ctx context.Context, h Handle) (context.Context, error) {
	ctx = WithHandle(ctx, h)
	if c.Router == nil {
		return ctx, nil
	}
	routed, err := c.Router.Activate(ctx, h)
	if err != nil {
		return ctx, fmt.Errorf("%w: %q: %w", ErrRestore, h, err)
	}
	if routed == nil {
		return ctx, nil
	}
	return WithHandle(routed, h), nil
}

// Current implements Carrier.
func (c *RouterCarrier) Current(ctx context.Context) Handle { return FromContext(ctx) }
