package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/rueidis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/changeflow/pkg/changeflow/event"
	"github.com/randalmurphal/changeflow/pkg/changeflow/notify"
)

type recordingDeliverer struct {
	users    []int64
	payloads [][]byte
	ok       bool
}

func (d *recordingDeliverer) Deliver(_ context.Context, userID int64, payload []byte) bool {
	d.users = append(d.users, userID)
	d.payloads = append(d.payloads, payload)
	return d.ok
}

func TestService_Send(t *testing.T) {
	store := notify.NewMemoryStore()
	d := &recordingDeliverer{ok: true}
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	svc := notify.NewService(store, notify.WithDeliverer(d), notify.WithClock(func() time.Time { return now }))

	n := &notify.Notification{
		UserID:   7,
		Type:     "client_assigned",
		Title:    "New client",
		Message:  "You have been assigned Acme",
		MetaInfo: map[string]any{"entity_id": int64(3)},
	}
	require.NoError(t, svc.Send(context.Background(), n))

	assert.NotEqual(t, uuid.Nil, n.ID)
	assert.Equal(t, now, n.CreatedAt)

	stored := store.ForUser(7)
	require.Len(t, stored, 1)
	assert.Equal(t, n.ID, stored[0].ID)

	require.Equal(t, []int64{7}, d.users)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(d.payloads[0], &decoded))
	assert.Equal(t, "client_assigned", decoded["type"])
	assert.Equal(t, n.ID.String(), decoded["id"])
}

func TestService_DeliveryFailureDoesNotFail(t *testing.T) {
	store := notify.NewMemoryStore()
	svc := notify.NewService(store, notify.WithDeliverer(&recordingDeliverer{ok: false}))
	require.NoError(t, svc.Send(context.Background(), &notify.Notification{UserID: 1, Type: "x"}))
	assert.Len(t, store.All(), 1)
}

type failingStore struct{}

var errWrite = errors.New("write failed")

func (failingStore) Create(context.Context, *notify.Notification) error { return errWrite }

func TestService_Errors(t *testing.T) {
	svc := notify.NewService(failingStore{})
	require.ErrorIs(t, svc.Send(context.Background(), &notify.Notification{UserID: 1}), errWrite)
	require.Error(t, svc.Send(context.Background(), nil))
	require.Error(t, svc.Send(context.Background(), &notify.Notification{}))
}

func newRedis(t *testing.T) (*miniredis.Miniredis, rueidis.Client) {
	t.Helper()
	m := miniredis.RunT(t)
	rc, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:  []string{m.Addr()},
		DisableCache: true,
	})
	require.NoError(t, err)
	t.Cleanup(rc.Close)
	return m, rc
}

func TestRedisDeliverer(t *testing.T) {
	ctx := context.Background()
	_, rc := newRedis(t)

	d := notify.NewRedisDeliverer(rc, "", nil)
	assert.True(t, d.Deliver(ctx, 42, []byte(`{"title":"hi"}`)))
	assert.True(t, d.Deliver(ctx, 7, []byte(`{"title":"yo"}`)))

	entries, err := rc.Do(ctx, rc.B().Xrange().Key(notify.DefaultStream).Start("-").End("+").Build()).AsXRange()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "42", entries[0].FieldValues["user_id"])
	assert.Equal(t, `{"title":"hi"}`, entries[0].FieldValues["payload"])
	assert.Equal(t, "7", entries[1].FieldValues["user_id"])
}

func TestRedisDeliverer_Down(t *testing.T) {
	m, rc := newRedis(t)
	m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.False(t, notify.NewRedisDeliverer(rc, "custom", nil).Deliver(ctx, 1, []byte("{}")))
}

func TestSQLiteStore(t *testing.T) {
	ctx := context.Background()
	events, err := event.NewSQLiteStore(filepath.Join(t.TempDir(), "changeflow.db"))
	require.NoError(t, err)
	defer events.Close()

	store, err := notify.NewSQLiteStore(ctx, events.DB())
	require.NoError(t, err)

	svc := notify.NewService(store)
	require.NoError(t, svc.Send(ctx, &notify.Notification{UserID: 5, Type: "t", MetaInfo: map[string]any{"k": "v"}}))
	require.NoError(t, svc.Send(ctx, &notify.Notification{UserID: 5, Type: "t"}))

	var count int
	require.NoError(t, events.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM notifications WHERE user_id = ?`, 5).Scan(&count))
	assert.Equal(t, 2, count)
}
