package handlers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/randalmurphal/changeflow/pkg/changeflow/event"
	"github.com/randalmurphal/changeflow/pkg/changeflow/handler"
)

// ClientEntity is the entity type whose events default to their own timeline.
const ClientEntity = "Client"

// ActivityRecord is one timeline entry on a client.
type ActivityRecord struct {
	ClientID    int64
	Type        string
	Description string
	EventID     int64
	EntityType  string
	EntityID    int64
	PerformedBy *int64
	CreatedAt   time.Time
}

// ActivityWriter stores timeline entries.
type ActivityWriter interface {
	WriteActivity(ctx context.Context, rec ActivityRecord) error
}

// Activity writes a timeline entry for the client an event concerns.
//
// Config keys: activity_type (defaults to the event type), description (a
// template) and client_field (a field holding the client ID; without it
// only Client events have a client).
type Activity struct {
	base
	writer ActivityWriter
}

// Handle implements handler.Handler.
func (h *Activity) Handle(ctx context.Context, inv *handler.Invocation) event.HandlerResult {
	cfg := inv.Binding.Config
	ev := inv.Event

	var clientID int64
	if field := cfg.String("client_field", ""); field != "" {
		id, ok := refID(inv.Vars, field)
		if !ok {
			return handler.Skipped(fmt.Sprintf("no client in field %s", field))
		}
		clientID = id
	} else if ev.EntityType == ClientEntity {
		clientID = ev.EntityID
	} else {
		return handler.Skipped("event has no client")
	}

	rec := ActivityRecord{
		ClientID:    clientID,
		Type:        cfg.String("activity_type", ev.Type),
		Description: h.render(cfg.String("description", ""), inv.Vars),
		EventID:     ev.ID,
		EntityType:  ev.EntityType,
		EntityID:    ev.EntityID,
		PerformedBy: ev.PerformedBy,
		CreatedAt:   h.now().UTC(),
	}
	if err := h.writer.WriteActivity(ctx, rec); err != nil {
		return handler.Failed(fmt.Errorf("write activity: %w", err))
	}
	return handler.Success("activity recorded", map[string]any{"client_id": clientID, "activity_type": rec.Type})
}

// MemoryActivities is an in-memory ActivityWriter.
type MemoryActivities struct {
	mu      sync.Mutex
	records []ActivityRecord
}

// WriteActivity implements ActivityWriter.
func (m *MemoryActivities) WriteActivity(_ context.Context, rec ActivityRecord) error {
	m.mu.Lock()
	m.records = append(m.records, rec)
	m.mu.Unlock()
	return nil
}

// Records returns a copy of the stored entries in write order.
func (m *MemoryActivities) Records() []ActivityRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ActivityRecord(nil), m.records...)
}
