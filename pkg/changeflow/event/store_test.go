package event_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/changeflow/pkg/changeflow/event"
	"github.com/randalmurphal/changeflow/pkg/changeflow/snapshot"
	"github.com/randalmurphal/changeflow/pkg/changeflow/tenant"
)

func newEvent(tenantName string) *event.Event {
	actor := int64(77)
	return &event.Event{
		Type:          "Client.assigned_to.UPDATE",
		EntityType:    "Client",
		EntityID:      42,
		Action:        event.ActionUpdate,
		PreviousState: snapshot.Snapshot{"assigned_to": json.Number("1"), "name": "Ada"},
		CurrentState:  snapshot.Snapshot{"assigned_to": json.Number("2"), "name": "Ada"},
		ChangedFields: []string{"assigned_to"},
		PerformedBy:   &actor,
		Tenant:        tenant.Handle(tenantName),
		MaxRetries:    3,
	}
}

func create(t *testing.T, s event.Store, ev *event.Event) int64 {
	t.Helper()
	var id int64
	err := s.WithTx(context.Background(), func(tx event.Tx) error {
		var err error
		id, err = tx.Create(context.Background(), ev)
		return err
	})
	require.NoError(t, err)
	return id
}

// storeContract exercises behavior every Store must share.
func storeContract(t *testing.T, open func(t *testing.T) event.Store) {
	ctx := context.Background()

	t.Run("create and get round trip", func(t *testing.T) {
		s := open(t)
		id := create(t, s, newEvent("acme"))
		require.NotZero(t, id)

		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, event.StatusPending, got.Status)
		assert.Equal(t, "Client.assigned_to.UPDATE", got.Type)
		assert.Equal(t, int64(42), got.EntityID)
		assert.Equal(t, tenant.Handle("acme"), got.Tenant)
		assert.Equal(t, []string{"assigned_to"}, got.ChangedFields)
		assert.Equal(t, json.Number("2"), got.CurrentState["assigned_to"])
		require.NotNil(t, got.PerformedBy)
		assert.Equal(t, int64(77), *got.PerformedBy)
		assert.Equal(t, 3, got.MaxRetries)
		assert.False(t, got.CreatedAt.IsZero())
		assert.Nil(t, got.ProcessedAt)
	})

	t.Run("get missing", func(t *testing.T) {
		s := open(t)
		_, err := s.Get(ctx, 12345)
		assert.ErrorIs(t, err, event.ErrNotFound)
	})

	t.Run("rollback discards events and hooks", func(t *testing.T) {
		s := open(t)
		var ran bool
		var id int64
		boom := errors.New("mutation failed")
		err := s.WithTx(ctx, func(tx event.Tx) error {
			var err error
			id, err = tx.Create(ctx, newEvent(""))
			require.NoError(t, err)
			tx.AfterCommit(func() { ran = true })
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.False(t, ran)

		_, err = s.Get(ctx, id)
		assert.ErrorIs(t, err, event.ErrNotFound)
	})

	t.Run("after commit hook sees committed event", func(t *testing.T) {
		s := open(t)
		var seen *event.Event
		err := s.WithTx(ctx, func(tx event.Tx) error {
			id, err := tx.Create(ctx, newEvent(""))
			if err != nil {
				return err
			}
			tx.AfterCommit(func() {
				seen, _ = s.Get(ctx, id)
			})
			return nil
		})
		require.NoError(t, err)
		require.NotNil(t, seen)
		assert.Equal(t, event.StatusPending, seen.Status)
	})

	t.Run("create rejects invalid events", func(t *testing.T) {
		s := open(t)
		err := s.WithTx(ctx, func(tx event.Tx) error {
			_, err := tx.Create(ctx, &event.Event{EntityType: "Client", Action: event.ActionCreate})
			return err
		})
		assert.Error(t, err)
	})

	t.Run("claim is compare and swap", func(t *testing.T) {
		s := open(t)
		id := create(t, s, newEvent(""))

		ev, err := s.Claim(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, event.StatusProcessing, ev.Status)

		_, err = s.Claim(ctx, id)
		assert.ErrorIs(t, err, event.ErrNotClaimable)

		_, err = s.Claim(ctx, 999999)
		assert.ErrorIs(t, err, event.ErrNotFound)
	})

	t.Run("concurrent claims have one winner", func(t *testing.T) {
		s := open(t)
		id := create(t, s, newEvent(""))

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := s.Claim(ctx, id); err == nil {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})

	t.Run("save checks expected status", func(t *testing.T) {
		s := open(t)
		id := create(t, s, newEvent(""))
		ev, err := s.Claim(ctx, id)
		require.NoError(t, err)

		ev.MergeResults(map[string]event.HandlerResult{
			"notification": {Status: event.ResultSuccess, Message: "sent", Data: map[string]any{"count": 1}},
		})
		require.NoError(t, ev.Complete(time.Now()))

		assert.ErrorIs(t, s.Save(ctx, ev, event.StatusPending), event.ErrConflict)
		require.NoError(t, s.Save(ctx, ev, event.StatusProcessing))

		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, event.StatusCompleted, got.Status)
		require.NotNil(t, got.ProcessedAt)
		require.Contains(t, got.HandlerResults, "notification")
		assert.Equal(t, event.ResultSuccess, got.HandlerResults["notification"].Status)
		assert.Equal(t, "sent", got.HandlerResults["notification"].Message)
	})

	t.Run("claim stamps token", func(t *testing.T) {
		s := open(t)
		id := create(t, s, newEvent(""))

		fresh, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Zero(t, fresh.Claims)
		assert.Nil(t, fresh.ClaimedAt)

		before := time.Now().Add(-time.Second)
		ev, err := s.Claim(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 1, ev.Claims)
		require.NotNil(t, ev.ClaimedAt)
		assert.True(t, ev.ClaimedAt.After(before))

		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 1, got.Claims)
		require.NotNil(t, got.ClaimedAt)
	})

	t.Run("stale claim cannot save after reclaim", func(t *testing.T) {
		s := open(t)
		id := create(t, s, newEvent(""))

		stale, err := s.Claim(ctx, id)
		require.NoError(t, err)

		released := stale.Clone()
		require.NoError(t, released.Release())
		require.NoError(t, s.Save(ctx, released, event.StatusProcessing))

		current, err := s.Claim(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, stale.Claims+1, current.Claims)

		require.NoError(t, stale.Complete(time.Now()))
		assert.ErrorIs(t, s.Save(ctx, stale, event.StatusProcessing), event.ErrConflict)

		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, event.StatusProcessing, got.Status)
		assert.Equal(t, current.Claims, got.Claims)

		require.NoError(t, current.Complete(time.Now()))
		require.NoError(t, s.Save(ctx, current, event.StatusProcessing))
	})

	t.Run("list unfinished by tenant", func(t *testing.T) {
		s := open(t)
		a1 := create(t, s, newEvent("acme"))
		a2 := create(t, s, newEvent("acme"))
		g1 := create(t, s, newEvent("globex"))
		done := create(t, s, newEvent("acme"))

		ev, err := s.Claim(ctx, done)
		require.NoError(t, err)
		require.NoError(t, ev.Complete(time.Now()))
		require.NoError(t, s.Save(ctx, ev, event.StatusProcessing))

		_, err = s.Claim(ctx, a2)
		require.NoError(t, err)

		acme, err := s.ListUnfinished(ctx, "acme", 0)
		require.NoError(t, err)
		require.Len(t, acme, 2)
		assert.Equal(t, a1, acme[0].ID)
		assert.Equal(t, a2, acme[1].ID)
		assert.Equal(t, event.StatusProcessing, acme[1].Status)

		all, err := s.ListUnfinished(ctx, tenant.None, 0)
		require.NoError(t, err)
		assert.Len(t, all, 3)

		limited, err := s.ListUnfinished(ctx, tenant.None, 1)
		require.NoError(t, err)
		require.Len(t, limited, 1)
		assert.Equal(t, a1, limited[0].ID)

		tenants, err := s.Tenants(ctx)
		require.NoError(t, err)
		assert.Equal(t, []tenant.Handle{"acme", "globex"}, tenants)
		_ = g1
	})

	t.Run("closed store", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.Close())
		_, err := s.Get(ctx, 1)
		assert.ErrorIs(t, err, event.ErrStoreClosed)
		assert.NoError(t, s.Close())
	})
}

func TestMemoryStore(t *testing.T) {
	storeContract(t, func(t *testing.T) event.Store {
		s := event.NewMemoryStore()
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestSQLiteStore(t *testing.T) {
	storeContract(t, func(t *testing.T) event.Store {
		s, err := event.NewSQLiteStore(filepath.Join(t.TempDir(), "events.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestSQLiteStore_Persistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")

	s1, err := event.NewSQLiteStore(path)
	require.NoError(t, err)
	id := create(t, s1, newEvent("acme"))
	require.NoError(t, s1.Close())

	s2, err := event.NewSQLiteStore(path)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, tenant.Handle("acme"), got.Tenant)
}

func TestSQLiteStore_SharedTransaction(t *testing.T) {
	s, err := event.NewSQLiteStore(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	err = s.WithTx(ctx, func(tx event.Tx) error {
		sqlTx := tx.(*event.SQLiteTx).SQL()
		if _, err := sqlTx.ExecContext(ctx, `CREATE TABLE clients (id INTEGER PRIMARY KEY, name TEXT)`); err != nil {
			return err
		}
		if _, err := sqlTx.ExecContext(ctx, `INSERT INTO clients (id, name) VALUES (42, 'Ada')`); err != nil {
			return err
		}
		_, err := tx.Create(ctx, newEvent(""))
		return err
	})
	require.NoError(t, err)

	all, err := s.ListUnfinished(ctx, tenant.None, 0)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestSQLiteStore_InvalidPath(t *testing.T) {
	_, err := event.NewSQLiteStore("/nonexistent/path/events.db")
	assert.Error(t, err)
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("CHANGEFLOW_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CHANGEFLOW_TEST_POSTGRES_DSN not set")
	}

	storeContract(t, func(t *testing.T) event.Store {
		ctx := context.Background()
		s, err := event.NewPostgresStore(ctx, event.PostgresConfig{DSN: dsn})
		require.NoError(t, err)
		err = s.WithTx(ctx, func(tx event.Tx) error {
			_, err := tx.(*event.PostgresTx).PGX().Exec(ctx, `TRUNCATE events`)
			return err
		})
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}
