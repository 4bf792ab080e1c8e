package dispatch

import (
	"log/slog"
	"time"

	"github.com/randalmurphal/changeflow/pkg/changeflow/control"
	"github.com/randalmurphal/changeflow/pkg/changeflow/handler"
	"github.com/randalmurphal/changeflow/pkg/changeflow/notify"
	"github.com/randalmurphal/changeflow/pkg/changeflow/observability"
	"github.com/randalmurphal/changeflow/pkg/changeflow/tenant"
)

// Defaults.
const (
	DefaultWorkers        = 8
	DefaultHandlerTimeout = 30 * time.Second
	DefaultRetryDelay     = time.Second
	DefaultSweepInterval  = 30 * time.Second
	DefaultSweepBatch     = 500
	DefaultStaleClaim     = 10 * time.Minute
)

// Option configures an Engine.
type Option func(*Engine)

// WithWorkers sets the number of serial lanes.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		e.workers = n
	}
}

// WithHandlerTimeout sets the per-handler deadline.
func WithHandlerTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.handlerTimeout = d
	}
}

// WithRetryDelay sets the fixed wait before a failed event is retried.
func WithRetryDelay(d time.Duration) Option {
	return func(e *Engine) {
		e.retryDelay = d
	}
}

// WithSweepInterval sets how often the store is scanned for pending events
// that are not queued. Zero disables the sweeper.
func WithSweepInterval(d time.Duration) Option {
	return func(e *Engine) {
		e.sweepInterval = d
	}
}

// WithSweepBatch limits how many events one sweep enqueues.
func WithSweepBatch(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.sweepBatch = n
		}
	}
}

// WithStaleClaimAfter sets how long a PROCESSING event may go unwritten
// before the sweeper fails the attempt. Zero disables it. A positive window
// must exceed the handler timeout.
func WithStaleClaimAfter(d time.Duration) Option {
	return func(e *Engine) {
		e.staleClaimAfter = d
	}
}

// WithControl sets the pause and alert source.
func WithControl(src control.Source) Option {
	return func(e *Engine) {
		if src != nil {
			e.control = src
		}
	}
}

// WithCarrier sets the tenant carrier.
func WithCarrier(c tenant.Carrier) Option {
	return func(e *Engine) {
		if c != nil {
			e.carrier = c
		}
	}
}

// WithEnricher sets the computed-field provider.
func WithEnricher(en handler.Enricher) Option {
	return func(e *Engine) {
		e.enricher = en
	}
}

// WithNotifier sets the service used for administrator alerts.
func WithNotifier(svc *notify.Service) Option {
	return func(e *Engine) {
		e.notifier = svc
	}
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics enables metrics recording.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithSpans enables tracing.
func WithSpans(s observability.SpanManager) Option {
	return func(e *Engine) {
		if s != nil {
			e.spans = s
		}
	}
}

// WithClock overrides the time source used for processed_at stamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}
