package dispatch_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/changeflow/pkg/changeflow/dispatch"
	"github.com/randalmurphal/changeflow/pkg/changeflow/event"
	"github.com/randalmurphal/changeflow/pkg/changeflow/handler"
	"github.com/randalmurphal/changeflow/pkg/changeflow/registry"
	"github.com/randalmurphal/changeflow/pkg/changeflow/tenant"
)

var errStoreDown = errors.New("store unavailable")

// flakyStore fails a set number of Save calls, and can lose the reply of a
// Claim that did take effect.
type flakyStore struct {
	event.Store
	saveFailures  atomic.Int32
	claimFailures atomic.Int32
}

func (s *flakyStore) Save(ctx context.Context, ev *event.Event, expect event.Status) error {
	if s.saveFailures.Add(-1) >= 0 {
		return errStoreDown
	}
	return s.Store.Save(ctx, ev, expect)
}

func (s *flakyStore) Claim(ctx context.Context, id int64) (*event.Event, error) {
	ev, err := s.Store.Claim(ctx, id)
	if err == nil && s.claimFailures.Add(-1) >= 0 {
		return nil, errStoreDown
	}
	return ev, err
}

func TestDispatch_SaveFailureIsRewritten(t *testing.T) {
	tests := []struct {
		name       string
		maxRetries int
		failures   int32
		result     event.HandlerResult
		want       event.Status
		wantCalls  int32
		wantRetry  int
	}{
		{name: "completed", maxRetries: 3, failures: 1, result: handler.Success("", nil), want: event.StatusCompleted, wantCalls: 1},
		{name: "completed after several failures", maxRetries: 3, failures: 3, result: handler.Success("", nil), want: event.StatusCompleted, wantCalls: 1},
		{name: "retrying", maxRetries: 1, failures: 1, result: handler.Failed(errors.New("boom")), want: event.StatusFailed, wantCalls: 2, wantRetry: 1},
		{name: "exhausted", maxRetries: 0, failures: 1, result: handler.Failed(errors.New("boom")), want: event.StatusFailed, wantCalls: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &flakyStore{Store: event.NewMemoryStore()}
			store.saveFailures.Store(tt.failures)
			ev := seed(t, store, tt.maxRetries, tenant.None)

			var calls atomic.Int32
			e := newEngine(t, store, bind(registry.Binding{Handler: "h", Enabled: true}),
				map[string]handler.Handler{"h": counting(&calls, tt.result)},
				dispatch.WithRetryDelay(10*time.Millisecond))
			e.Start(context.Background())

			e.Enqueue(ev)
			got := eventually(t, store, ev.ID, tt.want)
			assert.Equal(t, tt.wantRetry, got.RetryCount)
			assert.Equal(t, tt.wantCalls, calls.Load())
			require.Eventually(t, func() bool { return e.Stats().InFlight == 0 }, time.Second, 5*time.Millisecond)
		})
	}
}

func TestDispatch_SaveFailureKeepsEventInFlight(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Store: event.NewMemoryStore()}
	store.saveFailures.Store(1)
	ev := seed(t, store, 3, tenant.None)

	e := newEngine(t, store, bind(registry.Binding{Handler: "h", Enabled: true}),
		map[string]handler.Handler{"h": handler.Func(func(context.Context, *handler.Invocation) event.HandlerResult {
			return handler.Success("", nil)
		})})

	err := e.Dispatch(ctx, dispatch.JobFor(ev))
	require.Error(t, err)
	assert.ErrorIs(t, err, errStoreDown)
	assert.Equal(t, event.StatusProcessing, load(t, store, ev.ID).Status)

	// The pending write holds the event, so neither path queues it again.
	assert.Equal(t, 1, e.Stats().InFlight)
	n, err := e.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = e.ResumePending(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSweep_StaleClaims(t *testing.T) {
	tests := []struct {
		name       string
		maxRetries int
		clockAhead time.Duration
		wantQueued int
		want       event.Status
		wantRetry  int
	}{
		{name: "stale claim consumes a retry", maxRetries: 3, clockAhead: time.Hour, wantQueued: 1, want: event.StatusCompleted, wantRetry: 1},
		{name: "stale claim with no retries left fails", maxRetries: 0, clockAhead: time.Hour, wantQueued: 0, want: event.StatusFailed},
		{name: "recent claim is left alone", maxRetries: 3, clockAhead: 0, wantQueued: 0, want: event.StatusProcessing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := &flakyStore{Store: event.NewMemoryStore()}
			store.claimFailures.Store(1)
			ev := seed(t, store, tt.maxRetries, tenant.None)

			var calls atomic.Int32
			e := newEngine(t, store, bind(registry.Binding{Handler: "h", Enabled: true}),
				map[string]handler.Handler{"h": counting(&calls, handler.Success("", nil))},
				dispatch.WithStaleClaimAfter(time.Minute),
				dispatch.WithClock(func() time.Time { return time.Now().Add(tt.clockAhead) }))

			err := e.Dispatch(ctx, dispatch.JobFor(ev))
			require.ErrorIs(t, err, errStoreDown)
			lost := load(t, store, ev.ID)
			require.Equal(t, event.StatusProcessing, lost.Status)
			require.Equal(t, 1, lost.Claims)

			n, err := e.Sweep(ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.wantQueued, n)

			e.Start(ctx)
			got := eventually(t, store, ev.ID, tt.want)
			assert.Equal(t, tt.wantRetry, got.RetryCount)
			assert.Equal(t, int32(tt.wantQueued), calls.Load())
		})
	}
}

func TestSweep_StaleClaimDisabled(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Store: event.NewMemoryStore()}
	store.claimFailures.Store(1)
	ev := seed(t, store, 3, tenant.None)

	e := newEngine(t, store, nil, nil,
		dispatch.WithStaleClaimAfter(0),
		dispatch.WithClock(func() time.Time { return time.Now().Add(24 * time.Hour) }))

	require.Error(t, e.Dispatch(ctx, dispatch.JobFor(ev)))
	n, err := e.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, event.StatusProcessing, load(t, store, ev.ID).Status)
}
