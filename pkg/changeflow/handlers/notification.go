package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/randalmurphal/changeflow/pkg/changeflow/event"
	"github.com/randalmurphal/changeflow/pkg/changeflow/handler"
	"github.com/randalmurphal/changeflow/pkg/changeflow/notify"
	"github.com/randalmurphal/changeflow/pkg/changeflow/recipient"
)

// DefaultNotificationType is used when a notify block names no type.
const DefaultNotificationType = "event"

// Notification sends one notification per resolved recipient of the
// binding's notify block.
type Notification struct {
	base
	resolver *recipient.Resolver
	notifier *notify.Service
}

// Handle implements handler.Handler.
func (h *Notification) Handle(ctx context.Context, inv *handler.Invocation) event.HandlerResult {
	spec := inv.Binding.Notify
	if spec == nil {
		return handler.Failed(errors.New("notification binding has no notify block"))
	}

	users, err := h.resolver.Resolve(ctx, inv.Event, spec.Recipients)
	if err != nil {
		return handler.Failed(err)
	}
	if len(users) == 0 {
		return handler.Skipped("no recipients")
	}

	typ := spec.Type
	if typ == "" {
		typ = DefaultNotificationType
	}
	title := h.render(spec.Title, inv.Vars)
	message := h.render(spec.Message, inv.Vars)

	ev := inv.Event
	sent := make([]int64, 0, len(users))
	var lastErr error
	for _, u := range users {
		n := &notify.Notification{
			UserID:  u.ID,
			Type:    typ,
			Title:   title,
			Message: message,
			MetaInfo: map[string]any{
				"entity_type": ev.EntityType,
				"entity_id":   ev.EntityID,
				"event_id":    ev.ID,
				"event_type":  ev.Type,
			},
		}
		if err := h.notifier.Send(ctx, n); err != nil {
			lastErr = err
			h.logger.WarnContext(ctx, "notification not created",
				slog.Int64("user_id", u.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		sent = append(sent, u.ID)
	}

	// Nothing was persisted, so a retry cannot duplicate anything.
	if len(sent) == 0 {
		return handler.Failed(fmt.Errorf("no notification created: %w", lastErr))
	}
	return handler.Success(
		fmt.Sprintf("notified %d of %d recipients", len(sent), len(users)),
		map[string]any{"recipients": sent},
	)
}
