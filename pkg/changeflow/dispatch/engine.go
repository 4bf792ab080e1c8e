package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/randalmurphal/changeflow/pkg/changeflow/control"
	cferrors "github.com/randalmurphal/changeflow/pkg/changeflow/errors"
	"github.com/randalmurphal/changeflow/pkg/changeflow/event"
	"github.com/randalmurphal/changeflow/pkg/changeflow/handler"
	"github.com/randalmurphal/changeflow/pkg/changeflow/notify"
	"github.com/randalmurphal/changeflow/pkg/changeflow/observability"
	"github.com/randalmurphal/changeflow/pkg/changeflow/registry"
	"github.com/randalmurphal/changeflow/pkg/changeflow/tenant"
)

// Engine dispatches events to their bound handlers.
type Engine struct {
	store    event.Store
	bindings *registry.Bindings
	handlers *handler.Table

	control  control.Source
	carrier  tenant.Carrier
	enricher handler.Enricher
	notifier *notify.Service
	logger   *slog.Logger
	metrics  observability.MetricsRecorder
	spans    observability.SpanManager
	now      func() time.Time

	workers        int
	handlerTimeout time.Duration
	retryDelay     time.Duration
	sweepInterval  time.Duration
	sweepBatch     int

	staleClaimAfter time.Duration

	pool *Pool

	mu       sync.Mutex
	inflight map[int64]struct{}

	sweeping  bool
	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// Compile-time check that the engine accepts tracker output.
var _ interface{ Enqueue(*event.Event) } = (*Engine)(nil)

// New creates an engine. It does not start any goroutine until Start.
func New(store event.Store, bindings *registry.Bindings, handlers *handler.Table, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, errors.New("dispatch: store is required")
	}
	if bindings == nil {
		bindings = registry.NewBindings(nil)
	}
	if handlers == nil {
		handlers = handler.NewTable(nil)
	}
	e := &Engine{
		store:           store,
		bindings:        bindings,
		handlers:        handlers,
		control:         control.NewMemorySource(control.State{}),
		carrier:         tenant.ContextCarrier{},
		logger:          observability.Discard(),
		metrics:         observability.NoopMetrics{},
		spans:           observability.NoopSpanManager{},
		now:             time.Now,
		workers:         DefaultWorkers,
		handlerTimeout:  DefaultHandlerTimeout,
		retryDelay:      DefaultRetryDelay,
		sweepInterval:   DefaultSweepInterval,
		sweepBatch:      DefaultSweepBatch,
		staleClaimAfter: DefaultStaleClaim,
		inflight:        make(map[int64]struct{}),
		stopCh:          make(chan struct{}),
		stoppedCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.workers < 1 {
		return nil, fmt.Errorf("dispatch: workers must be positive, got %d", e.workers)
	}
	if e.handlerTimeout <= 0 {
		return nil, fmt.Errorf("dispatch: handler timeout must be positive, got %s", e.handlerTimeout)
	}
	if err := (cferrors.RetryPolicy{Delay: e.retryDelay}).Validate(); err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}
	if e.sweepInterval < 0 {
		return nil, fmt.Errorf("dispatch: sweep interval must not be negative, got %s", e.sweepInterval)
	}
	if e.staleClaimAfter < 0 || (e.staleClaimAfter > 0 && e.staleClaimAfter <= e.handlerTimeout) {
		return nil, fmt.Errorf("dispatch: stale claim window %s must be zero or exceed the handler timeout %s",
			e.staleClaimAfter, e.handlerTimeout)
	}
	for _, t := range bindings.Types() {
		for _, b := range bindings.Lookup(t) {
			if b.Enabled && !handlers.Has(b.Handler) {
				e.logger.Warn("binding names an unregistered handler",
					slog.String("event_type", t),
					slog.String("handler", b.Handler),
				)
			}
		}
	}

	e.pool = NewPool(e.workers, e.run, e.metrics)
	return e, nil
}

// Start launches the worker lanes and the sweeper.
func (e *Engine) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		e.pool.Start(ctx)
		if e.sweepInterval > 0 {
			e.mu.Lock()
			e.sweeping = true
			e.mu.Unlock()
			go e.sweepLoop(ctx)
		}
		e.logger.InfoContext(ctx, "dispatch engine started",
			slog.Int("workers", e.workers),
			slog.Duration("handler_timeout", e.handlerTimeout),
			slog.Duration("retry_delay", e.retryDelay),
			slog.Duration("sweep_interval", e.sweepInterval),
		)
	})
}

// Stop stops accepting jobs and waits for running handlers to return.
// Queued events stay PENDING in the store.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
		e.mu.Lock()
		sweeping := e.sweeping
		e.mu.Unlock()
		if sweeping {
			<-e.stoppedCh
		}
		dropped := e.pool.Stop()
		e.logger.Info("dispatch engine stopped", slog.Int("left_pending", dropped))
	})
}

// Enqueue schedules a dispatch attempt for ev. An event that is already
// queued or running is not queued twice.
func (e *Engine) Enqueue(ev *event.Event) {
	if ev == nil || ev.ID == 0 {
		return
	}
	e.submit(JobFor(ev))
}

func (e *Engine) submit(job Job) bool {
	e.mu.Lock()
	if _, ok := e.inflight[job.EventID]; ok {
		e.mu.Unlock()
		return false
	}
	e.inflight[job.EventID] = struct{}{}
	e.mu.Unlock()

	if err := e.pool.Submit(job); err != nil {
		e.forget(job.EventID)
		return false
	}
	return true
}

func (e *Engine) forget(id int64) {
	e.mu.Lock()
	delete(e.inflight, id)
	e.mu.Unlock()
}

func (e *Engine) isInflight(id int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.inflight[id]
	return ok
}

// run is the pool callback. The in-flight mark is kept while a retry is
// scheduled.
func (e *Engine) run(ctx context.Context, job Job) {
	requeued, err := e.dispatch(ctx, job)
	if err != nil {
		e.logger.ErrorContext(ctx, "dispatch failed",
			slog.Int64("event_id", job.EventID),
			slog.String("tenant", job.Tenant.String()),
			slog.String("error", err.Error()),
		)
	}
	if !requeued {
		e.forget(job.EventID)
	}
}

// Dispatch runs one attempt for job on the calling goroutine. It returns an
// error only for store failures; handler failures are recorded on the event.
func (e *Engine) Dispatch(ctx context.Context, job Job) error {
	_, err := e.dispatch(ctx, job)
	return err
}

func (e *Engine) dispatch(ctx context.Context, job Job) (requeued bool, err error) {
	if job.write != nil {
		return e.rewrite(ctx, job)
	}
	done := observability.TimedOperation()
	start := e.now()

	state, err := e.control.Load(ctx)
	if err != nil {
		e.logger.WarnContext(ctx, "control state unavailable, treating as paused",
			slog.Int64("event_id", job.EventID),
			slog.String("error", err.Error()),
		)
		e.metrics.RecordDispatch(ctx, "", observability.OutcomePaused, 0)
		return false, nil
	}
	if state.Paused {
		observability.LogPaused(e.logger, job.EventID)
		e.metrics.RecordDispatch(ctx, "", observability.OutcomePaused, 0)
		return false, nil
	}

	tctx, restoreErr := e.carrier.Restore(ctx, job.Tenant)
	if restoreErr != nil {
		tctx = ctx
	}
	tctx = observability.WithLogFields(tctx, observability.LogFields{
		EventID:   observability.Ptr(job.EventID),
		Tenant:    observability.Ptr(job.Tenant.String()),
		Component: "changeflow.dispatch",
	})

	ev, err := e.store.Claim(tctx, job.EventID)
	switch {
	case errors.Is(err, event.ErrNotClaimable), errors.Is(err, event.ErrNotFound):
		e.logger.DebugContext(tctx, "event not claimable, skipping", slog.Int64("event_id", job.EventID))
		e.metrics.RecordDispatch(tctx, "", observability.OutcomeSkipped, 0)
		return false, nil
	case err != nil:
		return false, cferrors.Dispatch(err, "claim event")
	}

	log := observability.EnrichLogger(e.logger, ev.ID, ev.Type, ev.Tenant, ev.RetryCount+1)
	tctx, span := e.spans.StartDispatchSpan(tctx, ev.ID, ev.Type, ev.Tenant)

	var results map[string]event.HandlerResult
	var failure error
	if restoreErr != nil {
		failure = cferrors.Dispatch(restoreErr, "restore tenant")
	} else {
		results, failure = e.runBindings(tctx, log, ev)
	}

	ev.MergeResults(results)
	if failure == nil {
		err = ev.Complete(e.now().UTC())
	} else {
		_, err = ev.Fail(failure.Error(), e.now().UTC())
	}
	if err != nil {
		e.spans.EndSpanWithError(span, err)
		return false, err
	}

	out := &outcome{ev: ev, failure: failure, handled: len(results), alerts: state.Alerts, start: start}
	requeued, err = e.record(tctx, log, job, out, done)
	if err != nil {
		e.spans.EndSpanWithError(span, err)
	} else {
		e.spans.EndSpanWithError(span, failure)
	}
	return requeued, err
}

// outcome is the finished state of a claimed event, kept until it is
// written to the store.
type outcome struct {
	ev      *event.Event
	failure error
	handled int
	alerts  control.Alerts
	start   time.Time
}

// record writes out and then queues the retry or raises the alert it calls
// for. A store error keeps the event in flight and schedules another write
// of the same outcome, so the event is not left PROCESSING and handlers are
// not invoked again.
func (e *Engine) record(ctx context.Context, log *slog.Logger, job Job, out *outcome, done func() float64) (bool, error) {
	ev := out.ev
	err := e.store.Save(ctx, ev, event.StatusProcessing)
	switch {
	case errors.Is(err, event.ErrConflict), errors.Is(err, event.ErrNotFound):
		log.WarnContext(ctx, "event changed while processing, dropping outcome",
			slog.String("status", string(ev.Status)),
			slog.String("error", err.Error()),
		)
		e.metrics.RecordDispatch(ctx, ev.Type, observability.OutcomeSkipped, e.now().Sub(out.start))
		return false, nil
	case err != nil:
		job.write = out
		return e.scheduleRetry(job), cferrors.Dispatch(err, "save "+strings.ToLower(string(ev.Status))+" event")
	}

	switch ev.Status {
	case event.StatusCompleted:
		observability.LogDispatchComplete(log, done(), out.handled)
		e.metrics.RecordDispatch(ctx, ev.Type, observability.OutcomeCompleted, e.now().Sub(out.start))
		return false, nil
	case event.StatusPending:
		observability.LogDispatchError(log, out.failure, done(), true)
		e.metrics.RecordDispatch(ctx, ev.Type, observability.OutcomeRetrying, e.now().Sub(out.start))
		job.write = nil
		return e.scheduleRetry(job), nil
	default:
		observability.LogDispatchError(log, out.failure, done(), false)
		e.metrics.RecordDispatch(ctx, ev.Type, observability.OutcomeFailed, e.now().Sub(out.start))
		e.alert(ctx, log, out.alerts, ev, cferrors.Exhausted(out.failure, ev.RetryCount))
		return false, nil
	}
}

// rewrite retries the store write of an outcome whose earlier save failed.
// It runs even while dispatch is paused, since the event is already claimed.
func (e *Engine) rewrite(ctx context.Context, job Job) (bool, error) {
	tctx, err := e.carrier.Restore(ctx, job.Tenant)
	if err != nil {
		tctx = ctx
	}
	ev := job.write.ev
	log := observability.EnrichLogger(e.logger, ev.ID, ev.Type, ev.Tenant, ev.RetryCount)
	log.InfoContext(tctx, "retrying event write", slog.String("status", string(ev.Status)))
	return e.record(tctx, log, job, job.write, observability.TimedOperation())
}

func (e *Engine) scheduleRetry(job Job) bool {
	e.mu.Lock()
	e.inflight[job.EventID] = struct{}{}
	e.mu.Unlock()

	err := e.pool.SubmitAfter(job, e.retryDelay, func() { e.forget(job.EventID) })
	if err != nil {
		e.forget(job.EventID)
		return false
	}
	return true
}

// runBindings evaluates and invokes every binding of ev. It returns the
// handler results and a non-nil error when any handler failed.
func (e *Engine) runBindings(ctx context.Context, log *slog.Logger, ev *event.Event) (map[string]event.HandlerResult, error) {
	bindings := e.bindings.Lookup(ev.Type)
	observability.LogDispatchStart(log, len(bindings))
	if len(bindings) == 0 {
		return nil, nil
	}

	var computed map[string]any
	if e.enricher != nil {
		var err error
		computed, err = e.enricher.Enrich(ctx, ev)
		if err != nil {
			return nil, cferrors.Dispatch(err, "enrich event")
		}
	}
	vars := handler.Vars(ev, computed)

	results := make(map[string]event.HandlerResult, len(bindings))
	var failed []string
	for i := range bindings {
		b := bindings[i]
		if !b.Enabled {
			continue
		}
		if b.Condition != nil {
			ok, err := b.Condition.Eval(vars)
			if err != nil || !ok {
				msg := "condition not met"
				if err != nil {
					msg = cferrors.Condition(err, "evaluate condition").Error()
				}
				results[b.Handler] = handler.Skipped(msg)
				observability.LogHandlerResult(log, b.Handler, string(event.ResultSkipped), msg, 0)
				continue
			}
		}

		res := e.invoke(ctx, log, &b, ev, vars)
		results[b.Handler] = res
		if res.Status == event.ResultFailed {
			failed = append(failed, b.Handler+": "+res.Error)
		}
	}

	if len(failed) > 0 {
		sort.Strings(failed)
		return results, errors.New(strings.Join(failed, "; "))
	}
	return results, nil
}

// invoke runs one handler under the handler timeout with panic recovery.
func (e *Engine) invoke(ctx context.Context, log *slog.Logger, b *registry.Binding, ev *event.Event, vars map[string]any) event.HandlerResult {
	done := observability.TimedOperation()
	start := e.now()

	h, ok := e.handlers.Get(b.Handler)
	if !ok {
		res := handler.Failed(&cferrors.UnknownHandlerError{Name: b.Handler})
		observability.LogHandlerResult(log, b.Handler, string(res.Status), res.Error, 0)
		e.metrics.RecordHandler(ctx, b.Handler, string(res.Status), 0)
		return res
	}

	hctx, span := e.spans.StartHandlerSpan(ctx, b.Handler)
	hctx = observability.WithLogFields(hctx, observability.LogFields{Handler: observability.Ptr(b.Handler)})
	hctx, cancel := context.WithTimeout(hctx, e.handlerTimeout)
	defer cancel()

	binding := *b
	inv := &handler.Invocation{Event: ev.Clone(), Binding: &binding, Vars: vars}

	out := make(chan event.HandlerResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				out <- handler.Failed(&cferrors.PanicError{Handler: b.Handler, Value: r, Stack: string(debug.Stack())})
			}
		}()
		out <- h.Handle(hctx, inv)
	}()

	var res event.HandlerResult
	select {
	case res = <-out:
		if res.Status == "" {
			res.Status = event.ResultSuccess
		}
		if res.Status == event.ResultFailed && res.Error == "" {
			res.Error = "handler reported failure"
		}
	case <-hctx.Done():
		var err error = &cferrors.TimeoutError{Handler: b.Handler, Duration: e.handlerTimeout}
		if !errors.Is(hctx.Err(), context.DeadlineExceeded) {
			err = &cferrors.HandlerError{Handler: b.Handler, Err: hctx.Err()}
		}
		res = handler.Failed(err)
	}

	var spanErr error
	if res.Status == event.ResultFailed {
		spanErr = errors.New(res.Error)
	}
	e.spans.EndSpanWithError(span, spanErr)
	observability.LogHandlerResult(log, b.Handler, string(res.Status), res.Message+res.Error, done())
	e.metrics.RecordHandler(ctx, b.Handler, string(res.Status), e.now().Sub(start))
	return res
}

// Stats is a point-in-time view of the engine's work.
type Stats struct {
	Workers  int
	Queued   int
	InFlight int
}

// Stats reports queued and in-flight work. In-flight counts events that are
// queued, running, or waiting for a delayed retry.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	inflight := len(e.inflight)
	e.mu.Unlock()
	return Stats{
		Workers:  e.pool.Workers(),
		Queued:   e.pool.Queued(),
		InFlight: inflight,
	}
}
