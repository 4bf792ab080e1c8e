package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	cferrors "github.com/randalmurphal/changeflow/pkg/changeflow/errors"
	"github.com/randalmurphal/changeflow/pkg/changeflow/event"
	"github.com/randalmurphal/changeflow/pkg/changeflow/observability"
	"github.com/randalmurphal/changeflow/pkg/changeflow/tenant"
)

// ResumePending re-queues unfinished work after a restart. PROCESSING events
// that this engine is not running are returned to PENDING without consuming
// a retry, then every PENDING event is queued. With no tenants given, every
// tenant the store knows about is resumed. It returns the number of events
// queued.
//
// Every PROCESSING event is treated as orphaned, so call it before other
// dispatchers sharing the store start. A peer that is still running one of
// them loses its write to the claim token and the event runs again here.
func (e *Engine) ResumePending(ctx context.Context, tenants ...tenant.Handle) (int, error) {
	if len(tenants) == 0 {
		var err error
		tenants, err = e.store.Tenants(ctx)
		if err != nil {
			return 0, fmt.Errorf("list tenants: %w", err)
		}
	}

	queued := 0
	for _, t := range tenants {
		n, err := e.resumeTenant(ctx, t)
		queued += n
		if err != nil {
			return queued, fmt.Errorf("resume tenant %q: %w", t, err)
		}
	}
	e.logger.InfoContext(ctx, "resumed pending events",
		slog.Int("tenants", len(tenants)),
		slog.Int("queued", queued),
	)
	return queued, nil
}

func (e *Engine) resumeTenant(ctx context.Context, t tenant.Handle) (int, error) {
	events, err := e.store.ListUnfinished(ctx, t, 0)
	if err != nil {
		return 0, err
	}

	queued := 0
	for _, ev := range events {
		if e.isInflight(ev.ID) {
			continue
		}
		if ev.Status == event.StatusProcessing {
			released, err := e.release(ctx, ev)
			if err != nil {
				return queued, err
			}
			if !released {
				continue
			}
		}
		if e.submit(JobFor(ev)) {
			queued++
		}
	}
	return queued, nil
}

// sweepLoop periodically queues PENDING events that nothing is holding, so
// an enqueue lost to a crash between commit and queue is still processed.
func (e *Engine) sweepLoop(ctx context.Context) {
	defer close(e.stoppedCh)

	ticker := time.NewTicker(e.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			if n, err := e.Sweep(ctx); err != nil {
				e.logger.WarnContext(ctx, "sweep failed", slog.String("error", err.Error()))
			} else if n > 0 {
				e.logger.DebugContext(ctx, "sweep queued events", slog.Int("queued", n))
			}
		}
	}
}

// Sweep queues up to the sweep batch of PENDING events that are not already
// queued or running. A PROCESSING event that this engine is not holding and
// whose claim is older than the stale-claim window counts as a failed
// attempt: it goes back to PENDING with a retry consumed, or to FAILED once
// retries are exhausted.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	events, err := e.store.ListUnfinished(ctx, tenant.None, e.sweepBatch)
	if err != nil {
		return 0, fmt.Errorf("list unfinished: %w", err)
	}
	queued := 0
	for _, ev := range events {
		if e.isInflight(ev.ID) {
			continue
		}
		if ev.Status == event.StatusProcessing {
			if !e.stale(ev) {
				continue
			}
			retrying, err := e.abandon(ctx, ev)
			if err != nil {
				return queued, err
			}
			if !retrying {
				continue
			}
		}
		if e.submit(JobFor(ev)) {
			queued++
		}
	}
	return queued, nil
}

func (e *Engine) stale(ev *event.Event) bool {
	if e.staleClaimAfter <= 0 || ev.ClaimedAt == nil {
		return false
	}
	return e.now().Sub(*ev.ClaimedAt) > e.staleClaimAfter
}

// abandon fails a stale claim under the retry rule. It reports whether the
// event is PENDING again; false also covers an event that changed since it
// was read.
func (e *Engine) abandon(ctx context.Context, ev *event.Event) (bool, error) {
	claimedAt := *ev.ClaimedAt
	cause := fmt.Errorf("claim from %s was never written", claimedAt.UTC().Format(time.RFC3339))
	retrying, err := ev.Fail(cause.Error(), e.now().UTC())
	if err != nil {
		return false, err
	}
	err = e.store.Save(ctx, ev, event.StatusProcessing)
	if errors.Is(err, event.ErrConflict) || errors.Is(err, event.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("abandon event %d: %w", ev.ID, err)
	}

	log := observability.EnrichLogger(e.logger, ev.ID, ev.Type, ev.Tenant, ev.RetryCount)
	log.WarnContext(ctx, "abandoned stale claim",
		slog.Time("claimed_at", claimedAt),
		slog.Bool("will_retry", retrying),
	)
	if retrying {
		e.metrics.RecordDispatch(ctx, ev.Type, observability.OutcomeRetrying, 0)
		return true, nil
	}
	e.metrics.RecordDispatch(ctx, ev.Type, observability.OutcomeFailed, 0)
	state, err := e.control.Load(ctx)
	if err != nil {
		log.WarnContext(ctx, "control state unavailable, alert not sent", slog.String("error", err.Error()))
		return false, nil
	}
	e.alert(ctx, log, state.Alerts, ev, cferrors.Exhausted(cause, ev.RetryCount))
	return false, nil
}

// release returns a PROCESSING event to PENDING without consuming a retry.
// It reports false when the event changed since it was read.
func (e *Engine) release(ctx context.Context, ev *event.Event) (bool, error) {
	if err := ev.Release(); err != nil {
		return false, err
	}
	err := e.store.Save(ctx, ev, event.StatusProcessing)
	if errors.Is(err, event.ErrConflict) || errors.Is(err, event.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("release event %d: %w", ev.ID, err)
	}
	e.logger.InfoContext(ctx, "released orphaned event",
		slog.Int64("event_id", ev.ID),
		slog.String("event_type", ev.Type),
	)
	return true, nil
}
