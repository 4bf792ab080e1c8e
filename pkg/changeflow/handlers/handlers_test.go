package handlers_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/changeflow/pkg/changeflow/config"
	"github.com/randalmurphal/changeflow/pkg/changeflow/event"
	"github.com/randalmurphal/changeflow/pkg/changeflow/handler"
	"github.com/randalmurphal/changeflow/pkg/changeflow/handlers"
	"github.com/randalmurphal/changeflow/pkg/changeflow/notify"
	"github.com/randalmurphal/changeflow/pkg/changeflow/recipient"
	"github.com/randalmurphal/changeflow/pkg/changeflow/registry"
	"github.com/randalmurphal/changeflow/pkg/changeflow/snapshot"
)

var fixedNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func clientEvent() *event.Event {
	actor := int64(1)
	return &event.Event{
		ID:            900,
		Type:          "Client.assigned_to.UPDATE",
		EntityType:    "Client",
		EntityID:      77,
		Action:        event.ActionUpdate,
		PreviousState: snapshot.Snapshot{"assigned_to": int64(2), "name": "Acme"},
		CurrentState:  snapshot.Snapshot{"assigned_to": int64(3), "name": "Acme"},
		ChangedFields: []string{"assigned_to"},
		PerformedBy:   &actor,
	}
}

func invocation(ev *event.Event, b registry.Binding) *handler.Invocation {
	return &handler.Invocation{Event: ev, Binding: &b, Vars: handler.Vars(ev, nil)}
}

func directory() *recipient.MemoryDirectory {
	return recipient.NewMemoryDirectory([]recipient.User{
		{ID: 1, Name: "Ann", Role: "admin"},
		{ID: 2, Name: "Bob", Role: "agent"},
		{ID: 3, Name: "Cy", Role: "agent"},
	}, nil)
}

func TestDefault_RegistersWhatDepsServe(t *testing.T) {
	empty := handlers.Default(handlers.Deps{})
	assert.Zero(t, empty.Len())

	full := handlers.Default(handlers.Deps{
		Resolver:   recipient.NewResolver(directory(), nil),
		Notifier:   notify.NewService(notify.NewMemoryStore()),
		Activities: &handlers.MemoryActivities{},
		Tasks:      &handlers.MemoryTasks{},
	})
	assert.Equal(t, []string{handlers.ActivityName, handlers.FollowUpName, handlers.NotificationName}, full.Keys())
}

func notificationHandler(t *testing.T, store notify.Store) handler.Handler {
	t.Helper()
	table := handlers.Default(handlers.Deps{
		Resolver: recipient.NewResolver(directory(), nil),
		Notifier: notify.NewService(store),
	})
	h, ok := table.Get(handlers.NotificationName)
	require.True(t, ok)
	return h
}

func TestNotification_SendsToResolvedRecipients(t *testing.T) {
	store := notify.NewMemoryStore()
	h := notificationHandler(t, store)

	res := h.Handle(context.Background(), invocation(clientEvent(), registry.Binding{
		Handler: handlers.NotificationName,
		Enabled: true,
		Notify: &registry.Notify{
			Type:       "client_assigned",
			Title:      "New client",
			Message:    "You have been assigned ${name} (was ${previous.assigned_to})",
			Recipients: []recipient.Spec{recipient.Field("assigned_to"), recipient.IDs(3)},
		},
	}))

	require.Equal(t, event.ResultSuccess, res.Status, res.Error)
	all := store.All()
	require.Len(t, all, 1)
	n := all[0]
	assert.Equal(t, int64(3), n.UserID)
	assert.Equal(t, "client_assigned", n.Type)
	assert.Equal(t, "New client", n.Title)
	assert.Equal(t, "You have been assigned Acme (was 2)", n.Message)
	assert.Equal(t, map[string]any{
		"entity_type": "Client",
		"entity_id":   int64(77),
		"event_id":    int64(900),
		"event_type":  "Client.assigned_to.UPDATE",
	}, n.MetaInfo)
	assert.Equal(t, []int64{3}, res.Data["recipients"])
}

func TestNotification_NoRecipientsSkips(t *testing.T) {
	store := notify.NewMemoryStore()
	h := notificationHandler(t, store)

	res := h.Handle(context.Background(), invocation(clientEvent(), registry.Binding{
		Handler: handlers.NotificationName,
		Enabled: true,
		Notify:  &registry.Notify{Recipients: []recipient.Spec{recipient.Field("reviewer")}},
	}))
	assert.Equal(t, event.ResultSkipped, res.Status)
	assert.Empty(t, store.All())
}

func TestNotification_MissingBlockFails(t *testing.T) {
	h := notificationHandler(t, notify.NewMemoryStore())
	res := h.Handle(context.Background(), invocation(clientEvent(), registry.Binding{Handler: handlers.NotificationName}))
	assert.Equal(t, event.ResultFailed, res.Status)
}

type brokenStore struct{}

func (brokenStore) Create(context.Context, *notify.Notification) error {
	return errors.New("disk full")
}

func TestNotification_StoreFailureFails(t *testing.T) {
	h := notificationHandler(t, brokenStore{})
	res := h.Handle(context.Background(), invocation(clientEvent(), registry.Binding{
		Handler: handlers.NotificationName,
		Notify:  &registry.Notify{Recipients: []recipient.Spec{recipient.IDs(2)}},
	}))
	assert.Equal(t, event.ResultFailed, res.Status)
	assert.Contains(t, res.Error, "disk full")
}

type downDeliverer struct{}

func (downDeliverer) Deliver(context.Context, int64, []byte) bool { return false }

func TestNotification_DeliveryFailureStillSucceeds(t *testing.T) {
	store := notify.NewMemoryStore()
	table := handlers.Default(handlers.Deps{
		Resolver: recipient.NewResolver(directory(), nil),
		Notifier: notify.NewService(store, notify.WithDeliverer(downDeliverer{})),
	})
	h, _ := table.Get(handlers.NotificationName)

	res := h.Handle(context.Background(), invocation(clientEvent(), registry.Binding{
		Handler: handlers.NotificationName,
		Notify:  &registry.Notify{Recipients: []recipient.Spec{recipient.Role("agent", recipient.ScopeTenant)}},
	}))
	assert.Equal(t, event.ResultSuccess, res.Status)
	assert.Len(t, store.All(), 2)
	assert.Equal(t, handlers.DefaultNotificationType, store.All()[0].Type)
}

func TestActivity(t *testing.T) {
	taskEvent := &event.Event{
		ID: 5, Type: "Task.status.UPDATE", EntityType: "Task", EntityID: 40, Action: event.ActionUpdate,
		CurrentState: snapshot.Snapshot{
			"status": "COMPLETED",
			"title":  "Call back",
			"client": map[string]any{"kind": "Client", "id": int64(77)},
		},
		ChangedFields: []string{"status"},
	}

	tests := []struct {
		name       string
		ev         *event.Event
		cfg        map[string]any
		wantStatus event.ResultStatus
		wantClient int64
		wantType   string
		wantDesc   string
	}{
		{
			name:       "client entity",
			ev:         clientEvent(),
			cfg:        map[string]any{"description": "Reassigned ${name}"},
			wantStatus: event.ResultSuccess,
			wantClient: 77,
			wantType:   "Client.assigned_to.UPDATE",
			wantDesc:   "Reassigned Acme",
		},
		{
			name:       "client field with generic reference",
			ev:         taskEvent,
			cfg:        map[string]any{"client_field": "client", "activity_type": "task_completed", "description": "${title} done"},
			wantStatus: event.ResultSuccess,
			wantClient: 77,
			wantType:   "task_completed",
			wantDesc:   "Call back done",
		},
		{
			name:       "no client",
			ev:         taskEvent,
			cfg:        map[string]any{},
			wantStatus: event.ResultSkipped,
		},
		{
			name:       "client field missing",
			ev:         taskEvent,
			cfg:        map[string]any{"client_field": "account"},
			wantStatus: event.ResultSkipped,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			writer := &handlers.MemoryActivities{}
			h, ok := handlers.Default(handlers.Deps{Activities: writer, Now: func() time.Time { return fixedNow }}).Get(handlers.ActivityName)
			require.True(t, ok)

			res := h.Handle(context.Background(), invocation(tt.ev, registry.Binding{
				Handler: handlers.ActivityName, Enabled: true, Config: config.New(tt.cfg),
			}))
			require.Equal(t, tt.wantStatus, res.Status, res.Error)
			if tt.wantStatus != event.ResultSuccess {
				assert.Empty(t, writer.Records())
				return
			}
			recs := writer.Records()
			require.Len(t, recs, 1)
			assert.Equal(t, tt.wantClient, recs[0].ClientID)
			assert.Equal(t, tt.wantType, recs[0].Type)
			assert.Equal(t, tt.wantDesc, recs[0].Description)
			assert.Equal(t, tt.ev.ID, recs[0].EventID)
			assert.Equal(t, fixedNow, recs[0].CreatedAt)
		})
	}
}

type failingActivities struct{}

func (failingActivities) WriteActivity(context.Context, handlers.ActivityRecord) error {
	return errors.New("db down")
}

func TestActivity_WriteFailure(t *testing.T) {
	h, _ := handlers.Default(handlers.Deps{Activities: failingActivities{}}).Get(handlers.ActivityName)
	res := h.Handle(context.Background(), invocation(clientEvent(), registry.Binding{Handler: handlers.ActivityName}))
	assert.Equal(t, event.ResultFailed, res.Status)
	assert.Contains(t, res.Error, "db down")
}

func TestFollowUp(t *testing.T) {
	tasks := &handlers.MemoryTasks{}
	h, ok := handlers.Default(handlers.Deps{Tasks: tasks, Now: func() time.Time { return fixedNow }}).Get(handlers.FollowUpName)
	require.True(t, ok)

	res := h.Handle(context.Background(), invocation(clientEvent(), registry.Binding{
		Handler: handlers.FollowUpName,
		Config: config.New(map[string]any{
			"title":     "Welcome call for ${name}",
			"due_in":    "48h",
			"assign_to": "assigned_to",
		}),
	}))
	require.Equal(t, event.ResultSuccess, res.Status, res.Error)
	assert.Equal(t, int64(1), res.Data["task_id"])

	got := tasks.Tasks()
	require.Len(t, got, 1)
	assert.Equal(t, "Welcome call for Acme", got[0].Title)
	assert.Equal(t, fixedNow.Add(48*time.Hour), got[0].DueAt)
	require.NotNil(t, got[0].AssigneeID)
	assert.Equal(t, int64(3), *got[0].AssigneeID)
	assert.Equal(t, int64(77), got[0].EntityID)
}

func TestFollowUp_Defaults(t *testing.T) {
	tasks := &handlers.MemoryTasks{}
	h, _ := handlers.Default(handlers.Deps{Tasks: tasks, Now: func() time.Time { return fixedNow }}).Get(handlers.FollowUpName)

	res := h.Handle(context.Background(), invocation(clientEvent(), registry.Binding{Handler: handlers.FollowUpName}))
	require.Equal(t, event.ResultSuccess, res.Status)

	got := tasks.Tasks()
	require.Len(t, got, 1)
	assert.Equal(t, "Follow up on Client 77", got[0].Title)
	assert.Equal(t, fixedNow.Add(handlers.DefaultFollowUpDue), got[0].DueAt)
	assert.Nil(t, got[0].AssigneeID)
}
