package control

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/rueidis"
)

// DefaultKey is the Redis hash holding the control state.
const DefaultKey = "changeflow:control"

// Hash fields.
const (
	FieldPaused        = "paused"
	FieldAlertsEnabled = "alerts_enabled"
	FieldAlertAdminIDs = "alert_admin_ids"
)

// RedisSource reads the control state from a Redis hash on every Load, so
// all dispatcher processes see a toggle on their next attempt. Missing
// fields fall back to the defaults given at construction.
type RedisSource struct {
	rc       rueidis.Client
	key      string
	defaults State
}

// Compile-time interface check.
var _ Source = (*RedisSource)(nil)

// NewRedisSource creates a source over the hash key (DefaultKey if empty).
func NewRedisSource(rc rueidis.Client, key string, defaults State) *RedisSource {
	if key == "" {
		key = DefaultKey
	}
	return &RedisSource{rc: rc, key: key, defaults: defaults}
}

// Load implements Source.
func (r *RedisSource) Load(ctx context.Context) (State, error) {
	fields, err := r.rc.Do(ctx, r.rc.B().Hgetall().Key(r.key).Build()).AsStrMap()
	if err != nil {
		return State{}, fmt.Errorf("read control state: %w", err)
	}
	s := r.defaults
	s.Alerts.AdminIDs = append([]int64(nil), r.defaults.Alerts.AdminIDs...)

	if v, ok := fields[FieldPaused]; ok {
		if s.Paused, err = strconv.ParseBool(v); err != nil {
			return State{}, fmt.Errorf("control field %s: %w", FieldPaused, err)
		}
	}
	if v, ok := fields[FieldAlertsEnabled]; ok {
		if s.Alerts.Enabled, err = strconv.ParseBool(v); err != nil {
			return State{}, fmt.Errorf("control field %s: %w", FieldAlertsEnabled, err)
		}
	}
	if v, ok := fields[FieldAlertAdminIDs]; ok {
		if s.Alerts.AdminIDs, err = parseIDs(v); err != nil {
			return State{}, fmt.Errorf("control field %s: %w", FieldAlertAdminIDs, err)
		}
	}
	return s, nil
}

// SetPaused writes the pause flag.
func (r *RedisSource) SetPaused(ctx context.Context, paused bool) error {
	cmd := r.rc.B().Hset().Key(r.key).FieldValue().
		FieldValue(FieldPaused, strconv.FormatBool(paused)).
		Build()
	return r.rc.Do(ctx, cmd).Error()
}

// SetAlerts writes the alert settings.
func (r *RedisSource) SetAlerts(ctx context.Context, a Alerts) error {
	ids := make([]string, len(a.AdminIDs))
	for i, id := range a.AdminIDs {
		ids[i] = strconv.FormatInt(id, 10)
	}
	cmd := r.rc.B().Hset().Key(r.key).FieldValue().
		FieldValue(FieldAlertsEnabled, strconv.FormatBool(a.Enabled)).
		FieldValue(FieldAlertAdminIDs, strings.Join(ids, ",")).
		Build()
	return r.rc.Do(ctx, cmd).Error()
}

func parseIDs(s string) ([]int64, error) {
	var out []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}
