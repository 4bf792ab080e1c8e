package change

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/randalmurphal/changeflow/pkg/changeflow/event"
	"github.com/randalmurphal/changeflow/pkg/changeflow/snapshot"
)

// Enqueuer accepts committed events for dispatch. The dispatch engine
// implements it.
type Enqueuer interface {
	Enqueue(ev *event.Event)
}

// Tracker connects the record store to the event store and the dispatcher.
type Tracker struct {
	detector    *Detector
	store       event.Store
	queue       Enqueuer
	snapshotter *snapshot.Snapshotter
	logger      *slog.Logger
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithSnapshotter sets the snapshotter used by Capture.
func WithSnapshotter(s *snapshot.Snapshotter) TrackerOption {
	return func(t *Tracker) {
		if s != nil {
			t.snapshotter = s
		}
	}
}

// WithTrackerLogger sets the tracker logger.
func WithTrackerLogger(logger *slog.Logger) TrackerOption {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// NewTracker creates a tracker. queue may be nil, in which case events are
// left for the dispatcher's sweeper.
func NewTracker(d *Detector, store event.Store, queue Enqueuer, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		detector: d,
		store:    store,
		queue:    queue,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.snapshotter == nil {
		t.snapshotter = snapshot.New(snapshot.WithLogger(t.logger))
	}
	return t
}

// Capture snapshots entity with the tracker's snapshotter.
func (t *Tracker) Capture(entity any) snapshot.Snapshot {
	return t.snapshotter.Capture(entity)
}

// Record detects the events for m and creates them inside tx. They are
// enqueued only after tx commits; a rollback discards them.
func (t *Tracker) Record(ctx context.Context, tx event.Tx, m Mutation) ([]*event.Event, error) {
	events := t.detector.Detect(m)
	if len(events) == 0 {
		return nil, nil
	}
	for _, ev := range events {
		if _, err := tx.Create(ctx, ev); err != nil {
			return nil, fmt.Errorf("create %s event: %w", ev.Type, err)
		}
	}
	if t.queue != nil {
		tx.AfterCommit(func() {
			for _, ev := range events {
				t.queue.Enqueue(ev)
			}
		})
	}
	return events, nil
}

// Observe records m in a transaction of its own. Use it from a post-commit
// mutation hook when the record store cannot share its transaction.
func (t *Tracker) Observe(ctx context.Context, m Mutation) ([]*event.Event, error) {
	if !t.detector.Tracks(m.EntityType) {
		return nil, nil
	}
	var out []*event.Event
	err := t.store.WithTx(ctx, func(tx event.Tx) error {
		var err error
		out, err = t.Record(ctx, tx, m)
		return err
	})
	if err != nil {
		t.logger.ErrorContext(ctx, "record change failed",
			slog.String("entity_type", m.EntityType),
			slog.Int64("entity_id", m.EntityID),
			slog.String("tenant", m.Tenant.String()),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	return out, nil
}
