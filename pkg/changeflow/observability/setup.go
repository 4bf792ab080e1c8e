package observability

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
)

// LoggerOptions configures SetupLogger.
type LoggerOptions struct {
	// Level is debug, info, warn, or error. Defaults to info.
	Level string

	// Format is text or json. Defaults to text.
	Format string

	// Output defaults to stdout.
	Output io.Writer

	// OTel sends records to an OpenTelemetry logger provider instead of
	// Output.
	OTel bool

	// ServiceName names the OpenTelemetry instrumentation scope.
	ServiceName string

	// LoggerProvider defaults to the global provider.
	LoggerProvider log.LoggerProvider
}

// ParseLevel parses a level name.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}

// SetupLogger builds the process logger. Every handler is wrapped in a
// ContextHandler.
func SetupLogger(opts LoggerOptions) (*slog.Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	var h slog.Handler
	switch {
	case opts.OTel:
		name := opts.ServiceName
		if name == "" {
			name = "changeflow"
		}
		lp := opts.LoggerProvider
		if lp == nil {
			lp = global.GetLoggerProvider()
		}
		h = otelslog.NewHandler(name, otelslog.WithLoggerProvider(lp))
	default:
		ho := &slog.HandlerOptions{Level: level}
		switch strings.ToLower(opts.Format) {
		case "", "text":
			h = slog.NewTextHandler(out, ho)
		case "json":
			h = slog.NewJSONHandler(out, ho)
		default:
			return nil, fmt.Errorf("unknown log format %q", opts.Format)
		}
	}
	return slog.New(NewContextHandler(h)), nil
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
