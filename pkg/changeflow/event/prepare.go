package event

import (
	"errors"
	"fmt"
	"time"

	"github.com/randalmurphal/changeflow/pkg/changeflow/id"
	"github.com/randalmurphal/changeflow/pkg/changeflow/snapshot"
)

// prepare validates a new event and fills its creation defaults.
func prepare(ev *Event, now time.Time) error {
	if ev == nil {
		return errors.New("event is nil")
	}
	if ev.Type == "" {
		return errors.New("event type is required")
	}
	if ev.EntityType == "" {
		return errors.New("entity type is required")
	}
	if !ev.Action.Valid() {
		return fmt.Errorf("invalid action %q", ev.Action)
	}
	if ev.Status != "" && ev.Status != StatusPending {
		return fmt.Errorf("new event must be PENDING, got %s", ev.Status)
	}
	if ev.MaxRetries < 0 {
		return errors.New("max retries must not be negative")
	}
	if ev.RetryCount != 0 {
		return errors.New("new event must have zero retry count")
	}

	if ev.ID == 0 {
		ev.ID = id.New()
	}
	ev.Status = StatusPending
	ev.Claims = 0
	ev.ClaimedAt = nil
	if ev.PreviousState == nil {
		ev.PreviousState = snapshot.Snapshot{}
	}
	if ev.CurrentState == nil {
		ev.CurrentState = snapshot.Snapshot{}
	}
	if ev.ChangedFields == nil {
		ev.ChangedFields = []string{}
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = now.UTC()
	}
	return nil
}
