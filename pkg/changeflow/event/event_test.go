package event_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/changeflow/pkg/changeflow/event"
	"github.com/randalmurphal/changeflow/pkg/changeflow/snapshot"
)

func processing(maxRetries int) *event.Event {
	return &event.Event{
		ID:         1,
		Type:       "Client.UPDATE",
		EntityType: "Client",
		EntityID:   10,
		Action:     event.ActionUpdate,
		Status:     event.StatusProcessing,
		MaxRetries: maxRetries,
	}
}

func TestTypeName(t *testing.T) {
	assert.Equal(t, "Client.CREATE", event.TypeName("Client", event.ActionCreate, ""))
	assert.Equal(t, "Client.assigned_to.UPDATE", event.TypeName("Client", event.ActionUpdate, "assigned_to"))
}

func TestBegin(t *testing.T) {
	ev := &event.Event{Status: event.StatusPending}
	require.NoError(t, ev.Begin())
	assert.Equal(t, event.StatusProcessing, ev.Status)
	assert.Equal(t, 1, ev.Claims)

	err := ev.Begin()
	assert.ErrorIs(t, err, event.ErrInvalidTransition)
	assert.Equal(t, 1, ev.Claims)

	require.NoError(t, ev.Release())
	require.NoError(t, ev.Begin())
	assert.Equal(t, 2, ev.Claims)
}

func TestComplete(t *testing.T) {
	ev := processing(3)
	ev.ErrorMessage = "earlier failure"
	now := time.Now()

	require.NoError(t, ev.Complete(now))
	assert.Equal(t, event.StatusCompleted, ev.Status)
	assert.Empty(t, ev.ErrorMessage)
	require.NotNil(t, ev.ProcessedAt)
	assert.Equal(t, now, *ev.ProcessedAt)

	assert.ErrorIs(t, ev.Complete(now), event.ErrInvalidTransition)
}

func TestFail_RetryMonotonic(t *testing.T) {
	ev := processing(3)
	now := time.Now()

	for want := 1; want <= 3; want++ {
		retrying, err := ev.Fail("boom", now)
		require.NoError(t, err)
		assert.True(t, retrying)
		assert.Equal(t, want, ev.RetryCount)
		assert.Equal(t, event.StatusPending, ev.Status)
		assert.Nil(t, ev.ProcessedAt)
		require.NoError(t, ev.Begin())
	}

	retrying, err := ev.Fail("boom", now)
	require.NoError(t, err)
	assert.False(t, retrying)
	assert.Equal(t, 3, ev.RetryCount)
	assert.Equal(t, event.StatusFailed, ev.Status)
	assert.Equal(t, "boom", ev.ErrorMessage)
	require.NotNil(t, ev.ProcessedAt)
}

func TestFailed_IsTerminal(t *testing.T) {
	ev := processing(0)
	_, err := ev.Fail("boom", time.Now())
	require.NoError(t, err)
	require.Equal(t, event.StatusFailed, ev.Status)

	assert.Error(t, ev.Begin())
	assert.Error(t, ev.Complete(time.Now()))
	assert.Error(t, ev.Release())
	_, err = ev.Fail("again", time.Now())
	assert.Error(t, err)
	assert.Equal(t, event.StatusFailed, ev.Status)
}

func TestRelease(t *testing.T) {
	ev := processing(3)
	require.NoError(t, ev.Release())
	assert.Equal(t, event.StatusPending, ev.Status)
	assert.Zero(t, ev.RetryCount)

	var terr *event.TransitionError
	require.ErrorAs(t, ev.Release(), &terr)
	assert.Equal(t, event.StatusPending, terr.From)
}

func TestMergeResults(t *testing.T) {
	ev := processing(3)
	ev.MergeResults(map[string]event.HandlerResult{
		"a": {Status: event.ResultFailed, Error: "x"},
		"b": {Status: event.ResultSuccess},
	})
	ev.MergeResults(map[string]event.HandlerResult{
		"a": {Status: event.ResultSuccess},
	})

	assert.Equal(t, event.ResultSuccess, ev.HandlerResults["a"].Status)
	assert.Equal(t, event.ResultSuccess, ev.HandlerResults["b"].Status)
	assert.Len(t, ev.HandlerResults, 2)
}

func TestClone_IsDeep(t *testing.T) {
	actor := int64(5)
	ev := processing(3)
	ev.PerformedBy = &actor
	ev.CurrentState = snapshot.Snapshot{"status": "OPEN"}
	ev.ChangedFields = []string{"status"}
	ev.HandlerResults = map[string]event.HandlerResult{"a": {Status: event.ResultSuccess}}

	cp := ev.Clone()
	*cp.PerformedBy = 9
	cp.CurrentState["status"] = "CLOSED"
	cp.ChangedFields[0] = "other"
	cp.HandlerResults["a"] = event.HandlerResult{Status: event.ResultFailed}

	assert.Equal(t, int64(5), *ev.PerformedBy)
	assert.Equal(t, "OPEN", ev.CurrentState["status"])
	assert.Equal(t, "status", ev.ChangedFields[0])
	assert.Equal(t, event.ResultSuccess, ev.HandlerResults["a"].Status)
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, event.StatusPending.Terminal())
	assert.False(t, event.StatusProcessing.Terminal())
	assert.True(t, event.StatusCompleted.Terminal())
	assert.True(t, event.StatusFailed.Terminal())
}
