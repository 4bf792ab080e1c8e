package recipient_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/changeflow/pkg/changeflow/config"
	"github.com/randalmurphal/changeflow/pkg/changeflow/event"
	"github.com/randalmurphal/changeflow/pkg/changeflow/recipient"
	"github.com/randalmurphal/changeflow/pkg/changeflow/snapshot"
)

func ptr(v int64) *int64 { return &v }

// Branches 10 and 11 are in region 1, branch 20 in region 2.
func fixture() *recipient.MemoryDirectory {
	return recipient.NewMemoryDirectory(
		[]recipient.User{
			{ID: 1, Name: "Ann", Role: "admin"},
			{ID: 2, Name: "Bob", Role: "manager", BranchID: ptr(10)},
			{ID: 3, Name: "Cid", Role: "manager", BranchID: ptr(11)},
			{ID: 4, Name: "Dee", Role: "manager", BranchID: ptr(20)},
			{ID: 5, Name: "Eve", Role: "manager", RegionID: ptr(1)},
			{ID: 6, Name: "Fay", Role: "agent", BranchID: ptr(10)},
		},
		[]recipient.Branch{
			{ID: 10, RegionID: ptr(1)},
			{ID: 11, RegionID: ptr(1)},
			{ID: 20, RegionID: ptr(2)},
		},
	)
}

func clientEvent(state snapshot.Snapshot) *event.Event {
	return &event.Event{ID: 99, Type: "Client.UPDATE", EntityType: "Client", EntityID: 7, CurrentState: state}
}

func ids(users []recipient.User) []int64 {
	out := make([]int64, 0, len(users))
	for _, u := range users {
		out = append(out, u.ID)
	}
	return out
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	dir := fixture()
	clients := recipient.LoaderMap{
		"client": recipient.LoaderFunc(func(_ context.Context, id int64) (snapshot.Snapshot, error) {
			if id != 7 {
				return nil, recipient.ErrNotFound
			}
			return snapshot.Snapshot{"assigned_to": json.Number("3")}, nil
		}),
	}
	r := recipient.NewResolver(dir, clients)

	state := snapshot.Snapshot{
		"assigned_to": json.Number("2"),
		"branch":      json.Number("10"),
		"client":      json.Number("7"),
		"subject":     map[string]any{"kind": "client", "id": json.Number("7")},
		"watchers":    []any{json.Number("6"), json.Number("1")},
		"nobody":      nil,
		"ghost":       json.Number("404"),
	}

	tests := []struct {
		name  string
		specs []recipient.Spec
		want  []int64
	}{
		{name: "direct field", specs: []recipient.Spec{recipient.Field("assigned_to")}, want: []int64{2}},
		{name: "list field", specs: []recipient.Spec{recipient.Field("watchers")}, want: []int64{6, 1}},
		{name: "related field by id", specs: []recipient.Spec{recipient.Field("client.assigned_to")}, want: []int64{3}},
		{name: "related field by generic ref", specs: []recipient.Spec{recipient.Field("subject.assigned_to")}, want: []int64{3}},
		{name: "explicit ids", specs: []recipient.Spec{recipient.IDs(5, 1)}, want: []int64{5, 1}},
		{name: "role in tenant", specs: []recipient.Spec{recipient.Role("manager", "")}, want: []int64{2, 3, 4, 5}},
		{name: "role in branch", specs: []recipient.Spec{recipient.Role("manager", recipient.ScopeBranch)}, want: []int64{2}},
		{name: "role in region", specs: []recipient.Spec{recipient.Role("manager", recipient.ScopeRegion)}, want: []int64{2, 3, 5}},
		{name: "team in branch", specs: []recipient.Spec{recipient.Team(recipient.ScopeBranch)}, want: []int64{2, 6}},
		{
			name:  "dedupe keeps first seen order",
			specs: []recipient.Spec{recipient.Field("watchers"), recipient.Team(recipient.ScopeBranch), recipient.IDs(1)},
			want:  []int64{6, 1, 2},
		},
		{name: "missing field", specs: []recipient.Spec{recipient.Field("owner")}, want: []int64{}},
		{name: "null field", specs: []recipient.Spec{recipient.Field("nobody")}, want: []int64{}},
		{name: "unknown user", specs: []recipient.Spec{recipient.Field("ghost")}, want: []int64{}},
		{name: "unknown related kind", specs: []recipient.Spec{recipient.Field("assigned_to.manager")}, want: []int64{}},
		{name: "too many segments", specs: []recipient.Spec{recipient.Field("a.b.c")}, want: []int64{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Resolve(ctx, clientEvent(state), tt.specs)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(got))
		})
	}
}

func TestResolve_NoBranch(t *testing.T) {
	r := recipient.NewResolver(fixture(), nil)
	got, err := r.Resolve(context.Background(), clientEvent(snapshot.Snapshot{}), []recipient.Spec{
		recipient.Role("manager", recipient.ScopeBranch),
		recipient.Team(recipient.ScopeRegion),
	})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestResolve_BranchFieldOverride(t *testing.T) {
	r := recipient.NewResolver(fixture(), nil, recipient.WithBranchField("Client", "office"))
	got, err := r.Resolve(context.Background(), clientEvent(snapshot.Snapshot{"office": json.Number("20")}),
		[]recipient.Spec{recipient.Role("manager", recipient.ScopeBranch)})
	require.NoError(t, err)
	assert.Equal(t, []int64{4}, ids(got))
}

func TestResolve_Deterministic(t *testing.T) {
	r := recipient.NewResolver(fixture(), nil)
	ev := clientEvent(snapshot.Snapshot{"branch": json.Number("11")})
	specs := []recipient.Spec{recipient.Role("manager", recipient.ScopeRegion), recipient.IDs(1)}

	first, err := r.Resolve(context.Background(), ev, specs)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := r.Resolve(context.Background(), ev, specs)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

type brokenDirectory struct{ *recipient.MemoryDirectory }

var errDown = errors.New("directory down")

func (brokenDirectory) Users(context.Context, recipient.Filter) ([]recipient.User, error) {
	return nil, errDown
}

func TestResolve_InfrastructureError(t *testing.T) {
	r := recipient.NewResolver(brokenDirectory{fixture()}, nil)
	_, err := r.Resolve(context.Background(), clientEvent(snapshot.Snapshot{}), []recipient.Spec{recipient.Role("admin", "")})
	require.ErrorIs(t, err, errDown)
}

func TestFromConfig(t *testing.T) {
	specs, err := recipient.FromConfigList([]config.RecipientSpec{
		{Field: "client.assigned_to"},
		{Role: "manager", Scope: "branch"},
		{Role: "admin"},
		{Team: "region"},
		{IDs: []int64{1, 2}},
	})
	require.NoError(t, err)
	assert.Equal(t, []recipient.Spec{
		{Kind: recipient.KindField, Path: []string{"client", "assigned_to"}},
		{Kind: recipient.KindRole, Role: "manager", Scope: recipient.ScopeBranch},
		{Kind: recipient.KindRole, Role: "admin", Scope: recipient.ScopeTenant},
		{Kind: recipient.KindTeam, Scope: recipient.ScopeRegion},
		{Kind: recipient.KindIDs, IDs: []int64{1, 2}},
	}, specs)

	_, err = recipient.FromConfigList([]config.RecipientSpec{{}})
	require.Error(t, err)
}
