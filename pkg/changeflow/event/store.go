package event

import (
	"context"

	"github.com/randalmurphal/changeflow/pkg/changeflow/tenant"
)

// Store persists events. Implementations must be safe for concurrent use.
type Store interface {
	// WithTx runs fn in a transaction. Events created through tx become
	// visible to Get and Claim only once fn returns nil and the transaction
	// commits; AfterCommit hooks run after that. If fn returns an error the
	// transaction rolls back and no hook runs.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// Get loads an event. Returns ErrNotFound if it doesn't exist.
	Get(ctx context.Context, id int64) (*Event, error)

	// Claim atomically moves a PENDING event to PROCESSING, increments its
	// Claims and stamps ClaimedAt, and returns it. Returns ErrNotClaimable if
	// the event is in any other state.
	Claim(ctx context.Context, id int64) (*Event, error)

	// Save writes ev if the stored status still equals expect and the
	// stored Claims still equals ev.Claims. Returns ErrConflict otherwise.
	Save(ctx context.Context, ev *Event, expect Status) error

	// ListUnfinished returns PENDING and PROCESSING events in ID order, at
	// most limit of them (0 means no limit). tenant.None lists all tenants.
	ListUnfinished(ctx context.Context, t tenant.Handle, limit int) ([]*Event, error)

	// Tenants returns every tenant that has unfinished events.
	Tenants(ctx context.Context) ([]tenant.Handle, error)

	// Close releases any resources (connections, files).
	Close() error
}

// Tx is the write side of a store transaction.
type Tx interface {
	// Create stores a new PENDING event and assigns its ID if unset.
	Create(ctx context.Context, ev *Event) (int64, error)

	// AfterCommit registers fn to run once the transaction has committed.
	AfterCommit(fn func())
}

// hooks collects after-commit callbacks for a transaction.
type hooks struct {
	fns []func()
}

func (h *hooks) add(fn func()) {
	if fn != nil {
		h.fns = append(h.fns, fn)
	}
}

func (h *hooks) run() {
	for _, fn := range h.fns {
		fn()
	}
}
