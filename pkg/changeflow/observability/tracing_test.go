package observability_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/randalmurphal/changeflow/pkg/changeflow/observability"
)

func setupTracingTest(t *testing.T) (observability.SpanManager, *tracetest.SpanRecorder) {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return observability.NewSpanManagerWithProvider(tp), rec
}

func attr(s sdktrace.ReadOnlySpan, key string) attribute.Value {
	for _, kv := range s.Attributes() {
		if string(kv.Key) == key {
			return kv.Value
		}
	}
	return attribute.Value{}
}

func TestSpanManager(t *testing.T) {
	sm, rec := setupTracingTest(t)

	ctx, dispatch := sm.StartDispatchSpan(context.Background(), 42, "Task.status.UPDATE", "acme")
	hctx, h := sm.StartHandlerSpan(ctx, "activity")
	sm.AddSpanEvent(hctx, "record written", attribute.Int64("activity_id", 1))
	sm.EndSpanWithError(h, errors.New("boom"))
	sm.EndSpanWithError(dispatch, nil)

	spans := rec.Ended()
	require.Len(t, spans, 2)

	handlerSpan, dispatchSpan := spans[0], spans[1]
	assert.Equal(t, "changeflow.handler.activity", handlerSpan.Name())
	assert.Equal(t, codes.Error, handlerSpan.Status().Code)
	assert.Equal(t, dispatchSpan.SpanContext().SpanID(), handlerSpan.Parent().SpanID())
	require.Len(t, handlerSpan.Events(), 2, "span event plus recorded error")
	assert.Equal(t, "record written", handlerSpan.Events()[0].Name)

	assert.Equal(t, "changeflow.dispatch", dispatchSpan.Name())
	assert.Equal(t, trace.SpanKindConsumer, dispatchSpan.SpanKind())
	assert.Equal(t, codes.Ok, dispatchSpan.Status().Code)
	assert.Equal(t, int64(42), attr(dispatchSpan, "event.id").AsInt64())
	assert.Equal(t, "acme", attr(dispatchSpan, "tenant").AsString())
}

func TestSpanManager_NilSpanAndNoSpanContext(t *testing.T) {
	sm, rec := setupTracingTest(t)
	sm.EndSpanWithError(nil, nil)
	sm.AddSpanEvent(context.Background(), "ignored")
	assert.Empty(t, rec.Ended())
}

func TestNoopSpanManager(t *testing.T) {
	var sm observability.SpanManager = observability.NoopSpanManager{}
	ctx := context.Background()
	got, span := sm.StartDispatchSpan(ctx, 1, "x", "")
	assert.Equal(t, ctx, got)
	assert.False(t, span.IsRecording())
	_, span = sm.StartHandlerSpan(ctx, "h")
	sm.AddSpanEvent(ctx, "e")
	sm.EndSpanWithError(span, errors.New("x"))
	_ = observability.NewSpanManager()
}
