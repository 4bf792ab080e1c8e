package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/randalmurphal/changeflow/pkg/changeflow/tenant"
)

const tracerName = "changeflow"

// SpanManager handles trace span lifecycle.
// Use NewSpanManager() for OTel tracing or NoopSpanManager{} when disabled.
type SpanManager interface {
	// StartDispatchSpan starts a span for one dispatch attempt.
	StartDispatchSpan(ctx context.Context, eventID int64, eventType string, t tenant.Handle) (context.Context, trace.Span)

	// StartHandlerSpan starts a child span for one handler invocation.
	StartHandlerSpan(ctx context.Context, handler string) (context.Context, trace.Span)

	// EndSpanWithError completes a span, optionally recording an error.
	EndSpanWithError(span trace.Span, err error)

	// AddSpanEvent adds an event to the current span in context.
	AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue)
}

type otelSpanManager struct {
	tracer trace.Tracer
}

// NewSpanManager returns a SpanManager over the global OTel tracer provider.
func NewSpanManager() SpanManager {
	return NewSpanManagerWithProvider(otel.GetTracerProvider())
}

// NewSpanManagerWithProvider returns a SpanManager over tp.
func NewSpanManagerWithProvider(tp trace.TracerProvider) SpanManager {
	return &otelSpanManager{tracer: tp.Tracer(tracerName)}
}

func (m *otelSpanManager) StartDispatchSpan(ctx context.Context, eventID int64, eventType string, t tenant.Handle) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "changeflow.dispatch",
		trace.WithAttributes(
			attribute.Int64("event.id", eventID),
			attribute.String("event.type", eventType),
			attribute.String("tenant", t.String()),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
}

func (m *otelSpanManager) StartHandlerSpan(ctx context.Context, handler string) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "changeflow.handler."+handler,
		trace.WithAttributes(
			attribute.String("handler", handler),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

func (m *otelSpanManager) EndSpanWithError(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func (m *otelSpanManager) AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}
