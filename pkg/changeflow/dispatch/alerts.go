package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/randalmurphal/changeflow/pkg/changeflow/control"
	"github.com/randalmurphal/changeflow/pkg/changeflow/event"
	"github.com/randalmurphal/changeflow/pkg/changeflow/notify"
)

// Alert notification fields.
const (
	AlertType  = "event_failed"
	AlertTitle = "Event processing failed"
)

// alert tells every configured administrator that ev has exhausted its
// retries. Delivery problems are logged and never change the event.
func (e *Engine) alert(ctx context.Context, log *slog.Logger, cfg control.Alerts, ev *event.Event, cause error) {
	if !cfg.Enabled {
		return
	}
	admins := uniqueIDs(cfg.AdminIDs)
	if len(admins) == 0 {
		return
	}
	if e.notifier == nil {
		log.ErrorContext(ctx, "event failed permanently, no notifier for alerts",
			slog.String("error", cause.Error()),
		)
		return
	}

	message := fmt.Sprintf("%s on %s %d failed after %d attempts: %s",
		ev.Type, ev.EntityType, ev.EntityID, ev.RetryCount+1, ev.ErrorMessage)

	sent := 0
	for _, id := range admins {
		n := &notify.Notification{
			UserID:  id,
			Type:    AlertType,
			Title:   AlertTitle,
			Message: message,
			MetaInfo: map[string]any{
				"event_id":    ev.ID,
				"event_type":  ev.Type,
				"entity_type": ev.EntityType,
				"entity_id":   ev.EntityID,
				"tenant":      ev.Tenant.String(),
			},
		}
		if err := e.notifier.Send(ctx, n); err != nil {
			log.WarnContext(ctx, "alert not sent",
				slog.Int64("admin_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		sent++
	}
	e.metrics.RecordAlert(ctx, ev.Type, sent)
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id == 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
