// Package notify stores in-app notifications and pushes them to connected
// clients.
//
// Service.Send persists first and delivers second. Delivery is best effort:
// a user who is not connected, or a broker that is down, never fails the
// send, because the stored notification is the source of truth.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Notification is one in-app notification for one user.
type Notification struct {
	ID        uuid.UUID      `json:"id"`
	UserID    int64          `json:"user_id"`
	Type      string         `json:"type"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	MetaInfo  map[string]any `json:"meta_info,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Store persists notifications.
type Store interface {
	Create(ctx context.Context, n *Notification) error
}

// Deliverer pushes an encoded notification to a user's live connections.
// It reports whether the payload was handed to a transport.
type Deliverer interface {
	Deliver(ctx context.Context, userID int64, payload []byte) bool
}

// NopDeliverer drops every payload.
type NopDeliverer struct{}

// Deliver implements Deliverer.
func (NopDeliverer) Deliver(context.Context, int64, []byte) bool { return false }

// MemoryStore keeps notifications in memory.
type MemoryStore struct {
	mu    sync.RWMutex
	items []Notification
}

// Compile-time interface check.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Create implements Store.
func (m *MemoryStore) Create(_ context.Context, n *Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append(m.items, *n)
	return nil
}

// ForUser returns a user's notifications, oldest first.
func (m *MemoryStore) ForUser(userID int64) []Notification {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Notification
	for _, n := range m.items {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	return out
}

// All returns every notification, oldest first.
func (m *MemoryStore) All() []Notification {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := append([]Notification(nil), m.items...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Service creates and delivers notifications.
type Service struct {
	store     Store
	deliverer Deliverer
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithDeliverer sets the real-time transport.
func WithDeliverer(d Deliverer) Option {
	return func(s *Service) {
		if d != nil {
			s.deliverer = d
		}
	}
}

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the creation time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService creates a service over store.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:     store,
		deliverer: NopDeliverer{},
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send persists n, filling ID and CreatedAt when unset, then delivers it.
func (s *Service) Send(ctx context.Context, n *Notification) error {
	if n == nil {
		return errors.New("notification is nil")
	}
	if n.UserID == 0 {
		return errors.New("notification has no recipient")
	}
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now().UTC()
	}
	if err := s.store.Create(ctx, n); err != nil {
		return fmt.Errorf("store notification: %w", err)
	}

	payload, err := json.Marshal(n)
	if err != nil {
		s.logger.WarnContext(ctx, "encode notification failed",
			slog.String("notification_id", n.ID.String()),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if !s.deliverer.Deliver(ctx, n.UserID, payload) {
		s.logger.DebugContext(ctx, "notification not delivered live",
			slog.String("notification_id", n.ID.String()),
			slog.Int64("user_id", n.UserID),
		)
	}
	return nil
}
