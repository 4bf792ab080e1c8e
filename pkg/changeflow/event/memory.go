package event

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/randalmurphal/changeflow/pkg/changeflow/tenant"
)

// MemoryStore is an in-memory event store for tests and examples.
// Data is lost when the process exits.
type MemoryStore struct {
	mu     sync.RWMutex
	events map[int64]*Event
	closed bool
}

// Compile-time interface check.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events: make(map[int64]*Event),
	}
}

type memoryTx struct {
	staged []*Event
	hooks  hooks
}

func (tx *memoryTx) Create(_ context.Context, ev *Event) (int64, error) {
	if err := prepare(ev, time.Now()); err != nil {
		return 0, err
	}
	tx.staged = append(tx.staged, ev.Clone())
	return ev.ID, nil
}

func (tx *memoryTx) AfterCommit(fn func()) {
	tx.hooks.add(fn)
}

// WithTx implements Store.
func (m *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return ErrStoreClosed
	}

	tx := &memoryTx{}
	if err := fn(tx); err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrStoreClosed
	}
	for _, ev := range tx.staged {
		m.events[ev.ID] = ev
	}
	m.mu.Unlock()

	tx.hooks.run()
	return nil
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, id int64) (*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}
	ev, ok := m.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	return ev.Clone(), nil
}

// Claim implements Store.
func (m *MemoryStore) Claim(_ context.Context, id int64) (*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrStoreClosed
	}
	ev, ok := m.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	if err := ev.Begin(); err != nil {
		return nil, ErrNotClaimable
	}
	now := time.Now().UTC()
	ev.ClaimedAt = &now
	return ev.Clone(), nil
}

// Save implements Store.
func (m *MemoryStore) Save(_ context.Context, ev *Event, expect Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	cur, ok := m.events[ev.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != expect || cur.Claims != ev.Claims {
		return ErrConflict
	}
	m.events[ev.ID] = ev.Clone()
	return nil
}

// ListUnfinished implements Store.
func (m *MemoryStore) ListUnfinished(_ context.Context, t tenant.Handle, limit int) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	var out []*Event
	for _, ev := range m.events {
		if ev.Status.Terminal() {
			continue
		}
		if t != tenant.None && ev.Tenant != t {
			continue
		}
		out = append(out, ev.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Tenants implements Store.
func (m *MemoryStore) Tenants(_ context.Context) ([]tenant.Handle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	seen := make(map[tenant.Handle]struct{})
	var out []tenant.Handle
	for _, ev := range m.events {
		if ev.Status.Terminal() {
			continue
		}
		if _, ok := seen[ev.Tenant]; ok {
			continue
		}
		seen[ev.Tenant] = struct{}{}
		out = append(out, ev.Tenant)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// All returns every stored event in ID order.
func (m *MemoryStore) All() []*Event {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Event, 0, len(m.events))
	for _, ev := range m.events {
		out = append(out, ev.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	return nil
}
