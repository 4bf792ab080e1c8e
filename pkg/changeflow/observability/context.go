package observability

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
)

type logFieldsKey struct{}

// LogFields are structured fields added to every record logged with a
// context carrying them.
type LogFields struct {
	EventID   *int64
	EventType *string
	Tenant    *string
	Handler   *string
	Component string
}

// WithLogFields enriches ctx with log fields. Multiple calls merge fields,
// newer non-nil values winning.
func WithLogFields(ctx context.Context, fields LogFields) context.Context {
	merged := GetLogFields(ctx)
	if fields.EventID != nil {
		merged.EventID = fields.EventID
	}
	if fields.EventType != nil {
		merged.EventType = fields.EventType
	}
	if fields.Tenant != nil {
		merged.Tenant = fields.Tenant
	}
	if fields.Handler != nil {
		merged.Handler = fields.Handler
	}
	if fields.Component != "" {
		merged.Component = fields.Component
	}
	return context.WithValue(ctx, logFieldsKey{}, merged)
}

// GetLogFields returns the log fields of ctx.
func GetLogFields(ctx context.Context) LogFields {
	if ctx == nil {
		return LogFields{}
	}
	if f, ok := ctx.Value(logFieldsKey{}).(LogFields); ok {
		return f
	}
	return LogFields{}
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T { return &v }

// ContextHandler adds context log fields and the active span's trace and
// span IDs to every record.
type ContextHandler struct {
	slog.Handler
}

// NewContextHandler wraps h.
func NewContextHandler(h slog.Handler) *ContextHandler {
	return &ContextHandler{Handler: h}
}

// Handle implements slog.Handler.
func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}

	fields := GetLogFields(ctx)
	if fields.EventID != nil {
		r.AddAttrs(slog.Int64("event_id", *fields.EventID))
	}
	if fields.EventType != nil {
		r.AddAttrs(slog.String("event_type", *fields.EventType))
	}
	if fields.Tenant != nil {
		r.AddAttrs(slog.String("tenant", *fields.Tenant))
	}
	if fields.Handler != nil {
		r.AddAttrs(slog.String("handler", *fields.Handler))
	}
	if fields.Component != "" {
		r.AddAttrs(slog.String("component", fields.Component))
	}
	return h.Handler.Handle(ctx, r)
}

// WithAttrs implements slog.Handler.
func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

// WithGroup implements slog.Handler.
func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithGroup(name)}
}
