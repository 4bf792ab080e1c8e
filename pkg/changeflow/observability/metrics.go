package observability

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Dispatch outcomes recorded by RecordDispatch.
const (
	OutcomeCompleted = "completed"
	OutcomeRetrying  = "retrying"
	OutcomeFailed    = "failed"
	OutcomePaused    = "paused"
	OutcomeSkipped   = "skipped"
)

// MetricsRecorder records engine metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordDispatch records one dispatch attempt and its outcome.
	RecordDispatch(ctx context.Context, eventType, outcome string, duration time.Duration)

	// RecordHandler records one handler invocation.
	RecordHandler(ctx context.Context, handler, status string, duration time.Duration)

	// RecordAlert records administrator alerts sent for an exhausted event.
	RecordAlert(ctx context.Context, eventType string, recipients int)

	// RecordQueued adjusts the number of jobs waiting in the pool.
	RecordQueued(ctx context.Context, delta int64)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	dispatches      metric.Int64Counter
	dispatchLatency metric.Float64Histogram
	handlerCalls    metric.Int64Counter
	handlerLatency  metric.Float64Histogram
	alerts          metric.Int64Counter
	queued          metric.Int64UpDownCounter
}

func newOtelMetrics(mp metric.MeterProvider) (*otelMetrics, error) {
	meter := mp.Meter("changeflow")

	dispatches, err := meter.Int64Counter("changeflow.dispatch.attempts",
		metric.WithDescription("Number of dispatch attempts"),
	)
	if err != nil {
		return nil, err
	}

	dispatchLatency, err := meter.Float64Histogram("changeflow.dispatch.latency_ms",
		metric.WithDescription("Dispatch attempt latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	handlerCalls, err := meter.Int64Counter("changeflow.handler.invocations",
		metric.WithDescription("Number of handler invocations"),
	)
	if err != nil {
		return nil, err
	}

	handlerLatency, err := meter.Float64Histogram("changeflow.handler.latency_ms",
		metric.WithDescription("Handler latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	alerts, err := meter.Int64Counter("changeflow.alerts.sent",
		metric.WithDescription("Administrator alerts sent for exhausted events"),
	)
	if err != nil {
		return nil, err
	}

	queued, err := meter.Int64UpDownCounter("changeflow.pool.queued",
		metric.WithDescription("Jobs waiting in the worker pool"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		dispatches:      dispatches,
		dispatchLatency: dispatchLatency,
		handlerCalls:    handlerCalls,
		handlerLatency:  handlerLatency,
		alerts:          alerts,
		queued:          queued,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder over the global OTel meter
// provider. Configure the provider first:
//
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	return NewMetricsRecorderWithProvider(otel.GetMeterProvider())
}

// NewMetricsRecorderWithProvider returns a MetricsRecorder over mp.
// If instrument creation fails, returns a no-op recorder.
func NewMetricsRecorderWithProvider(mp metric.MeterProvider) MetricsRecorder {
	m, err := newOtelMetrics(mp)
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

func (m *otelMetrics) RecordDispatch(ctx context.Context, eventType, outcome string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.String("outcome", outcome),
	)
	m.dispatches.Add(ctx, 1, attrs)
	m.dispatchLatency.Record(ctx, ms(duration), attrs)
}

func (m *otelMetrics) RecordHandler(ctx context.Context, handler, status string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("handler", handler),
		attribute.String("status", status),
	)
	m.handlerCalls.Add(ctx, 1, attrs)
	m.handlerLatency.Record(ctx, ms(duration), attrs)
}

func (m *otelMetrics) RecordAlert(ctx context.Context, eventType string, recipients int) {
	m.alerts.Add(ctx, int64(recipients), metric.WithAttributes(attribute.String("event_type", eventType)))
}

func (m *otelMetrics) RecordQueued(ctx context.Context, delta int64) {
	m.queued.Add(ctx, delta)
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
