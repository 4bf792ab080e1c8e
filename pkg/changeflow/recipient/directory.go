package recipient

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/randalmurphal/changeflow/pkg/changeflow/snapshot"
)

// ErrNotFound is returned by directories and loaders for missing records.
var ErrNotFound = errors.New("not found")

// User is a notification recipient.
type User struct {
	ID       int64
	Name     string
	Email    string
	Role     string
	BranchID *int64
	RegionID *int64
}

// Branch is an organizational unit belonging to at most one region.
type Branch struct {
	ID       int64
	Name     string
	RegionID *int64
}

// Filter selects users. An empty Role selects everyone.
type Filter struct {
	Role string
}

// Directory gives read access to users and branches in the record store.
// Calls run inside the restored tenant context.
type Directory interface {
	// User returns one user, or ErrNotFound.
	User(ctx context.Context, id int64) (*User, error)

	// Users returns the users matching f, ordered by ID.
	Users(ctx context.Context, f Filter) ([]User, error)

	// Branch returns one branch, or ErrNotFound.
	Branch(ctx context.Context, id int64) (*Branch, error)
}

// Loader loads a related entity's snapshot by ID. One Loader is registered
// per entity kind.
type Loader interface {
	Load(ctx context.Context, id int64) (snapshot.Snapshot, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, id int64) (snapshot.Snapshot, error)

// Load implements Loader.
func (f LoaderFunc) Load(ctx context.Context, id int64) (snapshot.Snapshot, error) {
	return f(ctx, id)
}

// MemoryDirectory is an in-memory Directory for tests and examples.
type MemoryDirectory struct {
	mu       sync.RWMutex
	users    map[int64]User
	branches map[int64]Branch
}

// Compile-time interface check.
var _ Directory = (*MemoryDirectory)(nil)

// NewMemoryDirectory creates a directory holding users and branches.
func NewMemoryDirectory(users []User, branches []Branch) *MemoryDirectory {
	d := &MemoryDirectory{
		users:    make(map[int64]User, len(users)),
		branches: make(map[int64]Branch, len(branches)),
	}
	for _, u := range users {
		d.users[u.ID] = u
	}
	for _, b := range branches {
		d.branches[b.ID] = b
	}
	return d
}

// PutUser adds or replaces a user.
func (d *MemoryDirectory) PutUser(u User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[u.ID] = u
}

// User implements Directory.
func (d *MemoryDirectory) User(_ context.Context, id int64) (*User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

// Users implements Directory.
func (d *MemoryDirectory) Users(_ context.Context, f Filter) ([]User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []User
	for _, u := range d.users {
		if f.Role != "" && u.Role != f.Role {
			continue
		}
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Branch implements Directory.
func (d *MemoryDirectory) Branch(_ context.Context, id int64) (*Branch, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	b, ok := d.branches[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &b, nil
}
