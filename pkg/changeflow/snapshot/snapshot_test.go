package snapshot_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/changeflow/pkg/changeflow/snapshot"
)

type user struct {
	ID   int64
	Name string
}

func (u *user) SnapshotID() any { return u.ID }

type tag struct{ ID int64 }

func (t tag) SnapshotID() any { return t.ID }

type client struct {
	ID         int64
	Name       string
	AssignedTo *user
	Tags       []tag
	Fee        snapshot.Money
	Owner      snapshot.GenericRef
	Referrer   *client
	Notes      map[string]any
	UpdatedAt  time.Time
	Secret     string `snapshot:"-"`
	Status     string `json:"status"`
	internal   int
	Callback   func()
}

func sampleClient() *client {
	return &client{
		ID:         42,
		Name:       "Ada",
		AssignedTo: &user{ID: 7, Name: "Grace"},
		Tags:       []tag{{ID: 3}, {ID: 1}},
		Fee:        snapshot.Money{Amount: decimal.RequireFromString("1250.50"), Currency: "AUD"},
		Owner:      snapshot.GenericRef{Kind: "branch", ID: 9},
		Notes:      map[string]any{"priority": 2, "labels": []string{"vip"}},
		UpdatedAt:  time.Date(2024, 3, 1, 12, 0, 0, 0, time.FixedZone("AEST", 10*3600)),
		Secret:     "hunter2",
		Status:     "ACTIVE",
		internal:   1,
	}
}

func TestCapture_FieldRules(t *testing.T) {
	c := sampleClient()
	c.Referrer = &client{ID: 1}

	snap := snapshot.New().Capture(c)

	assert.Equal(t, json.Number("42"), snap["id"])
	assert.Equal(t, "Ada", snap["name"])
	assert.Equal(t, json.Number("7"), snap["assigned_to"])
	assert.Equal(t, []any{json.Number("3"), json.Number("1")}, snap["tags"])
	assert.Equal(t, map[string]any{"amount": "1250.5", "currency": "AUD"}, snap["fee"])
	assert.Equal(t, map[string]any{"kind": "branch", "id": json.Number("9")}, snap["owner"])
	assert.Equal(t, "2024-03-01T02:00:00Z", snap["updated_at"])
	assert.Equal(t, "ACTIVE", snap["status"])

	assert.NotContains(t, snap, "secret")
	assert.NotContains(t, snap, "referrer", "self-referential fields are excluded")
	assert.NotContains(t, snap, "internal")
}

func TestCapture_NilReference(t *testing.T) {
	c := sampleClient()
	c.AssignedTo = nil

	snap := snapshot.New().Capture(c)

	require.Contains(t, snap, "assigned_to")
	assert.Nil(t, snap["assigned_to"])
}

func TestCapture_UnserializableFieldIsCoerced(t *testing.T) {
	c := sampleClient()
	c.Callback = func() {}

	var snap snapshot.Snapshot
	require.NotPanics(t, func() { snap = snapshot.New().Capture(c) })

	assert.IsType(t, "", snap["callback"])
}

type exploding struct{}

func (exploding) MarshalJSON() ([]byte, error) { panic("boom") }

func (exploding) String() string { panic("boom again") }

type withExploding struct {
	ID   int64
	Bad  exploding
	Name string
}

func TestCapture_PanickingFieldIsOmitted(t *testing.T) {
	var snap snapshot.Snapshot
	require.NotPanics(t, func() {
		snap = snapshot.New().Capture(withExploding{ID: 1, Name: "ok"})
	})

	assert.NotContains(t, snap, "bad")
	assert.Equal(t, "ok", snap["name"])
}

func TestCapture_Idempotent(t *testing.T) {
	s := snapshot.New()
	c := sampleClient()

	first := s.Capture(c)
	second := s.Capture(c)

	assert.Equal(t, first, second)
	assert.True(t, snapshot.Equal(map[string]any(first), map[string]any(second)))
}

func TestCapture_Map(t *testing.T) {
	snap := snapshot.New().Capture(map[string]any{
		"id":     5,
		"status": "OPEN",
		"when":   time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	})

	assert.Equal(t, json.Number("5"), snap["id"])
	assert.Equal(t, "OPEN", snap["status"])
	assert.Equal(t, "2024-01-02T03:04:05Z", snap["when"])
}

func TestCapture_Nil(t *testing.T) {
	assert.Equal(t, snapshot.Snapshot{}, snapshot.New().Capture(nil))
	var c *client
	assert.Equal(t, snapshot.Snapshot{}, snapshot.New().Capture(c))
}

func TestSnapshot_JSONRoundTrip(t *testing.T) {
	snap := snapshot.New().Capture(sampleClient())

	data, err := json.Marshal(snap)
	require.NoError(t, err)

	back, err := snapshot.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, snap, back)
}

func TestSnapshot_NilMarshalsAsObject(t *testing.T) {
	var s snapshot.Snapshot
	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(data))
}

func TestSnapshot_CloneIsDeep(t *testing.T) {
	orig := snapshot.Snapshot{"notes": map[string]any{"a": "b"}, "tags": []any{"x"}}
	cp := orig.Clone()

	cp["notes"].(map[string]any)["a"] = "changed"
	cp["tags"].([]any)[0] = "y"

	assert.Equal(t, "b", orig["notes"].(map[string]any)["a"])
	assert.Equal(t, "x", orig["tags"].([]any)[0])
}

func TestSnapshot_Keys(t *testing.T) {
	s := snapshot.Snapshot{"b": 1, "a": 2, "c": 3}
	assert.Equal(t, []string{"a", "b", "c"}, s.Keys())
}

func TestEqual(t *testing.T) {
	tests := []struct {
		name string
		a, b any
		want bool
	}{
		{"same string", "x", "x", true},
		{"different string", "x", "y", false},
		{"int vs number", int64(5), json.Number("5"), true},
		{"number forms", json.Number("5"), json.Number("5.0"), true},
		{"number vs string", json.Number("5"), "5", false},
		{"nil vs nil", nil, nil, true},
		{"nil vs value", nil, "x", false},
		{"nested equal", map[string]any{"a": []any{json.Number("1")}}, map[string]any{"a": []any{int64(1)}}, true},
		{"nested differ", map[string]any{"a": []any{"x"}}, map[string]any{"a": []any{"y"}}, false},
		{"map size differs", map[string]any{"a": 1}, map[string]any{"a": 1, "b": 2}, false},
		{"list order matters", []any{"a", "b"}, []any{"b", "a"}, false},
		{"bool", true, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, snapshot.Equal(tt.a, tt.b))
		})
	}
}

func TestInt64(t *testing.T) {
	tests := []struct {
		in   any
		want int64
		ok   bool
	}{
		{int64(3), 3, true},
		{7, 7, true},
		{json.Number("12"), 12, true},
		{float64(4), 4, true},
		{float64(4.5), 0, false},
		{"19", 19, true},
		{"abc", 0, false},
		{nil, 0, false},
	}

	for _, tt := range tests {
		got, ok := snapshot.Int64(tt.in)
		assert.Equal(t, tt.ok, ok, "%v", tt.in)
		assert.Equal(t, tt.want, got, "%v", tt.in)
	}
}

func TestAsGenericRef(t *testing.T) {
	ref, ok := snapshot.AsGenericRef(map[string]any{"kind": "client", "id": json.Number("8")})
	require.True(t, ok)
	assert.Equal(t, snapshot.GenericRef{Kind: "client", ID: 8}, ref)

	_, ok = snapshot.AsGenericRef(json.Number("8"))
	assert.False(t, ok)
}
