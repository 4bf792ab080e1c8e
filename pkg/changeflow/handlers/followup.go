package handlers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/randalmurphal/changeflow/pkg/changeflow/event"
	"github.com/randalmurphal/changeflow/pkg/changeflow/handler"
)

// Follow-up defaults.
const (
	DefaultFollowUpTitle = "Follow up on ${entity_type} ${entity_id}"
	DefaultFollowUpDue   = 24 * time.Hour
)

// Task is a follow-up task.
type Task struct {
	Title      string
	AssigneeID *int64
	DueAt      time.Time
	EntityType string
	EntityID   int64
	EventID    int64
}

// TaskWriter creates tasks and returns their IDs.
type TaskWriter interface {
	CreateTask(ctx context.Context, t Task) (int64, error)
}

// FollowUp creates a follow-up task for the entity an event concerns.
//
// Config keys: title (a template), due_in (a duration, default 24h) and
// assign_to (a field holding the assignee's user ID; unassigned without it).
type FollowUp struct {
	base
	writer TaskWriter
}

// Handle implements handler.Handler.
func (h *FollowUp) Handle(ctx context.Context, inv *handler.Invocation) event.HandlerResult {
	cfg := inv.Binding.Config
	ev := inv.Event

	t := Task{
		Title:      h.render(cfg.String("title", DefaultFollowUpTitle), inv.Vars),
		DueAt:      h.now().UTC().Add(cfg.Duration("due_in", DefaultFollowUpDue)),
		EntityType: ev.EntityType,
		EntityID:   ev.EntityID,
		EventID:    ev.ID,
	}
	if field := cfg.String("assign_to", ""); field != "" {
		if id, ok := refID(inv.Vars, field); ok {
			t.AssigneeID = &id
		}
	}

	id, err := h.writer.CreateTask(ctx, t)
	if err != nil {
		return handler.Failed(fmt.Errorf("create task: %w", err))
	}
	return handler.Success("follow-up created", map[string]any{"task_id": id})
}

// MemoryTasks is an in-memory TaskWriter.
type MemoryTasks struct {
	mu    sync.Mutex
	tasks []Task
}

// CreateTask implements TaskWriter. IDs start at 1.
func (m *MemoryTasks) CreateTask(_ context.Context, t Task) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = append(m.tasks, t)
	return int64(len(m.tasks)), nil
}

// Tasks returns a copy of the created tasks in creation order.
func (m *MemoryTasks) Tasks() []Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Task(nil), m.tasks...)
}
