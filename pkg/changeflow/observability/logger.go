// Package observability provides the engine's structured logging, metrics,
// and tracing.
//
// Features:
//   - Structured logging via slog, with context fields and trace IDs
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"context"
	"log/slog"
	"time"

	"github.com/randalmurphal/changeflow/pkg/changeflow/tenant"
)

// EnrichLogger adds dispatch context to a logger.
// Returns a new logger with event_id, event_type, tenant, and attempt fields.
//
// Example:
//
//	enriched := EnrichLogger(logger, ev.ID, ev.Type, ev.Tenant, ev.RetryCount+1)
//	enriched.Info("doing work")
func EnrichLogger(logger *slog.Logger, eventID int64, eventType string, t tenant.Handle, attempt int) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.Int64("event_id", eventID),
		slog.String("event_type", eventType),
		slog.String("tenant", t.String()),
		slog.Int("attempt", attempt),
	)
}

// LogDispatchStart logs the start of a dispatch attempt.
func LogDispatchStart(logger *slog.Logger, bindings int) {
	if logger == nil {
		return
	}
	logger.Debug("dispatch starting",
		slog.Int("bindings", bindings),
	)
}

// LogDispatchComplete logs a completed event.
func LogDispatchComplete(logger *slog.Logger, durationMs float64, results int) {
	if logger == nil {
		return
	}
	logger.Info("event completed",
		slog.Float64("duration_ms", durationMs),
		slog.Int("handler_results", results),
	)
}

// LogDispatchError logs a failed attempt. retrying reports whether the event
// went back to PENDING.
func LogDispatchError(logger *slog.Logger, err error, durationMs float64, retrying bool) {
	if logger == nil {
		return
	}
	level := slog.LevelError
	msg := "event failed"
	if retrying {
		level = slog.LevelWarn
		msg = "event attempt failed, retrying"
	}
	logger.Log(context.Background(), level, msg,
		slog.String("error", err.Error()),
		slog.Float64("duration_ms", durationMs),
		slog.Bool("retrying", retrying),
	)
}

// LogHandlerResult logs one handler outcome.
func LogHandlerResult(logger *slog.Logger, handler, status, detail string, durationMs float64) {
	if logger == nil {
		return
	}
	level := slog.LevelDebug
	if status == "FAILED" {
		level = slog.LevelWarn
	}
	logger.Log(context.Background(), level, "handler finished",
		slog.String("handler", handler),
		slog.String("status", status),
		slog.String("detail", detail),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogPaused logs an attempt deferred by the global pause.
func LogPaused(logger *slog.Logger, eventID int64) {
	if logger == nil {
		return
	}
	logger.Debug("dispatch paused, event left pending",
		slog.Int64("event_id", eventID),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time in milliseconds.
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Microseconds()) / 1000
	}
}
