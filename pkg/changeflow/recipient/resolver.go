// Package recipient turns declarative recipient rules into concrete users
// for a given event.
//
// Resolution never fails because data is missing: a rule that cannot be
// resolved (absent field, unknown user, unknown related kind, event without
// a branch) contributes nobody and is logged at DEBUG. Only infrastructure
// errors from the Directory or a Loader are returned.
package recipient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/randalmurphal/changeflow/pkg/changeflow/event"
	"github.com/randalmurphal/changeflow/pkg/changeflow/snapshot"
)

// DefaultBranchField is the current-state field holding an event's branch.
const DefaultBranchField = "branch"

// Loaders looks up the Loader for a related entity kind.
// registry.Table[string, Loader] satisfies it.
type Loaders interface {
	Get(kind string) (Loader, bool)
}

// LoaderMap is a fixed Loaders backed by a map.
type LoaderMap map[string]Loader

// Get implements Loaders.
func (m LoaderMap) Get(kind string) (Loader, bool) {
	l, ok := m[kind]
	return l, ok
}

// Resolver resolves recipient rules against a Directory.
type Resolver struct {
	dir          Directory
	loaders      Loaders
	branchFields map[string]string
	logger       *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger for resolution diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithBranchField overrides the branch field for one entity type.
func WithBranchField(entityType, field string) Option {
	return func(r *Resolver) {
		if field != "" {
			r.branchFields[entityType] = field
		}
	}
}

// WithBranchFields overrides branch fields for several entity types.
func WithBranchFields(fields map[string]string) Option {
	return func(r *Resolver) {
		for et, f := range fields {
			if f != "" {
				r.branchFields[et] = f
			}
		}
	}
}

// NewResolver creates a resolver. loaders may be nil when no rule uses a
// related entity.
func NewResolver(dir Directory, loaders Loaders, opts ...Option) *Resolver {
	if loaders == nil {
		loaders = LoaderMap(nil)
	}
	r := &Resolver{
		dir:          dir,
		loaders:      loaders,
		branchFields: make(map[string]string),
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the distinct users addressed by specs, in first-seen
// order.
func (r *Resolver) Resolve(ctx context.Context, ev *event.Event, specs []Spec) ([]User, error) {
	state := &resolution{r: r, ev: ev, seen: make(map[int64]bool)}
	for _, spec := range specs {
		var err error
		switch spec.Kind {
		case KindField:
			err = state.field(ctx, spec)
		case KindRole:
			err = state.scoped(ctx, spec, Filter{Role: spec.Role})
		case KindTeam:
			err = state.scoped(ctx, spec, Filter{})
		case KindIDs:
			for _, id := range spec.IDs {
				if err = state.addID(ctx, spec, id); err != nil {
					break
				}
			}
		default:
			r.skip(ctx, ev, spec, "unknown recipient kind")
		}
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", spec, err)
		}
	}
	return state.out, nil
}

func (r *Resolver) skip(ctx context.Context, ev *event.Event, spec Spec, reason string) {
	r.logger.DebugContext(ctx, "recipient unresolved",
		slog.Int64("event_id", ev.ID),
		slog.String("event_type", ev.Type),
		slog.String("tenant", ev.Tenant.String()),
		slog.String("spec", spec.String()),
		slog.String("reason", reason),
	)
}

func (r *Resolver) branchField(entityType string) string {
	if f, ok := r.branchFields[entityType]; ok {
		return f
	}
	return DefaultBranchField
}

// resolution holds the accumulated result of one Resolve call.
type resolution struct {
	r        *Resolver
	ev       *event.Event
	out      []User
	seen     map[int64]bool
	branches map[int64]*Branch
}

func (s *resolution) add(u User) {
	if s.seen[u.ID] {
		return
	}
	s.seen[u.ID] = true
	s.out = append(s.out, u)
}

func (s *resolution) addID(ctx context.Context, spec Spec, id int64) error {
	if s.seen[id] {
		return nil
	}
	u, err := s.r.dir.User(ctx, id)
	if errors.Is(err, ErrNotFound) {
		s.r.skip(ctx, s.ev, spec, fmt.Sprintf("user %d not found", id))
		return nil
	}
	if err != nil {
		return err
	}
	s.add(*u)
	return nil
}

// addValue adds the user (or users, for a list) referenced by a field value.
func (s *resolution) addValue(ctx context.Context, spec Spec, v any) error {
	if list, ok := v.([]any); ok {
		for _, item := range list {
			if err := s.addValue(ctx, spec, item); err != nil {
				return err
			}
		}
		return nil
	}
	if v == nil {
		s.r.skip(ctx, s.ev, spec, "field is null")
		return nil
	}
	id, ok := snapshot.Int64(v)
	if !ok {
		s.r.skip(ctx, s.ev, spec, "field is not a user id")
		return nil
	}
	return s.addID(ctx, spec, id)
}

func (s *resolution) field(ctx context.Context, spec Spec) error {
	state := s.ev.CurrentState
	switch len(spec.Path) {
	case 1:
		v, ok := state[spec.Path[0]]
		if !ok {
			s.r.skip(ctx, s.ev, spec, "field missing")
			return nil
		}
		return s.addValue(ctx, spec, v)
	case 2:
		related, field := spec.Path[0], spec.Path[1]
		v, ok := state[related]
		if !ok || v == nil {
			s.r.skip(ctx, s.ev, spec, "related field missing")
			return nil
		}
		kind, id := related, int64(0)
		if ref, ok := snapshot.AsGenericRef(v); ok {
			kind, id = ref.Kind, ref.ID
		} else if id, ok = snapshot.Int64(v); !ok {
			s.r.skip(ctx, s.ev, spec, "related field is not a reference")
			return nil
		}
		loader, ok := s.r.loaders.Get(kind)
		if !ok {
			s.r.skip(ctx, s.ev, spec, "no loader for "+kind)
			return nil
		}
		rel, err := loader.Load(ctx, id)
		if errors.Is(err, ErrNotFound) {
			s.r.skip(ctx, s.ev, spec, fmt.Sprintf("%s %d not found", kind, id))
			return nil
		}
		if err != nil {
			return err
		}
		fv, ok := rel[field]
		if !ok {
			s.r.skip(ctx, s.ev, spec, "related entity has no "+field)
			return nil
		}
		return s.addValue(ctx, spec, fv)
	default:
		s.r.skip(ctx, s.ev, spec, "field path must have one or two segments")
		return nil
	}
}

func (s *resolution) branch(ctx context.Context, id int64) (*Branch, error) {
	if b, ok := s.branches[id]; ok {
		return b, nil
	}
	b, err := s.r.dir.Branch(ctx, id)
	if errors.Is(err, ErrNotFound) {
		b, err = nil, nil
	}
	if err != nil {
		return nil, err
	}
	if s.branches == nil {
		s.branches = make(map[int64]*Branch)
	}
	s.branches[id] = b
	return b, nil
}

func (s *resolution) scoped(ctx context.Context, spec Spec, f Filter) error {
	scope := spec.Scope
	if scope == "" {
		scope = ScopeTenant
	}
	if spec.Kind == KindTeam && scope == ScopeTenant {
		s.r.skip(ctx, s.ev, spec, "team requires branch or region scope")
		return nil
	}

	var branchID int64
	var regionID *int64
	if scope != ScopeTenant {
		raw := s.ev.CurrentState[s.r.branchField(s.ev.EntityType)]
		id, ok := snapshot.Int64(raw)
		if !ok {
			s.r.skip(ctx, s.ev, spec, "event has no branch")
			return nil
		}
		branchID = id
		if scope == ScopeRegion {
			b, err := s.branch(ctx, id)
			if err != nil {
				return err
			}
			if b == nil || b.RegionID == nil {
				s.r.skip(ctx, s.ev, spec, "event branch has no region")
				return nil
			}
			regionID = b.RegionID
		}
	}

	users, err := s.r.dir.Users(ctx, f)
	if err != nil {
		return err
	}
	before := len(s.out)
	for _, u := range users {
		switch scope {
		case ScopeBranch:
			if u.BranchID == nil || *u.BranchID != branchID {
				continue
			}
		case ScopeRegion:
			in, err := s.inRegion(ctx, u, *regionID)
			if err != nil {
				return err
			}
			if !in {
				continue
			}
		}
		s.add(u)
	}
	if len(s.out) == before {
		s.r.skip(ctx, s.ev, spec, "no new users match")
	}
	return nil
}

func (s *resolution) inRegion(ctx context.Context, u User, region int64) (bool, error) {
	if u.RegionID != nil && *u.RegionID == region {
		return true, nil
	}
	if u.BranchID == nil {
		return false, nil
	}
	b, err := s.branch(ctx, *u.BranchID)
	if err != nil {
		return false, err
	}
	return b != nil && b.RegionID != nil && *b.RegionID == region, nil
}
