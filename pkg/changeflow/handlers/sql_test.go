package handlers_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/changeflow/pkg/changeflow/event"
	"github.com/randalmurphal/changeflow/pkg/changeflow/handlers"
)

func TestSQLiteWriter(t *testing.T) {
	ctx := context.Background()
	events, err := event.NewSQLiteStore(filepath.Join(t.TempDir(), "changeflow.db"))
	require.NoError(t, err)
	defer events.Close()

	w, err := handlers.NewSQLiteWriter(ctx, events.DB())
	require.NoError(t, err)

	actor := int64(4)
	require.NoError(t, w.WriteActivity(ctx, handlers.ActivityRecord{
		ClientID: 77, Type: "task_completed", Description: "done",
		EventID: 1, EntityType: "Task", EntityID: 40, PerformedBy: &actor, CreatedAt: fixedNow,
	}))
	require.NoError(t, w.WriteActivity(ctx, handlers.ActivityRecord{
		ClientID: 77, Type: "note", EventID: 2, EntityType: "Client", EntityID: 77, CreatedAt: fixedNow,
	}))

	var count int
	require.NoError(t, events.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM client_activities WHERE client_id = ?`, 77).Scan(&count))
	assert.Equal(t, 2, count)

	first, err := w.CreateTask(ctx, handlers.Task{Title: "call", DueAt: fixedNow.Add(time.Hour), EntityType: "Client", EntityID: 77, EventID: 3})
	require.NoError(t, err)
	second, err := w.CreateTask(ctx, handlers.Task{Title: "email", AssigneeID: &actor, DueAt: fixedNow, EntityType: "Client", EntityID: 77, EventID: 4})
	require.NoError(t, err)
	assert.Greater(t, second, first)

	var title string
	require.NoError(t, events.DB().QueryRowContext(ctx,
		`SELECT title FROM follow_up_tasks WHERE assignee_id = ?`, actor).Scan(&title))
	assert.Equal(t, "email", title)
}
