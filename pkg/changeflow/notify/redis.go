package notify

import (
	"context"
	"io"
	"log/slog"
	"strconv"

	"github.com/redis/rueidis"
)

// DefaultStream is the Redis stream notifications are appended to.
const DefaultStream = "changeflow:notifications"

// RedisDeliverer appends notifications to a Redis stream, where the
// connection gateway reads them with a consumer group and fans them out to
// open sockets.
type RedisDeliverer struct {
	rc     rueidis.Client
	stream string
	logger *slog.Logger
}

// Compile-time interface check.
var _ Deliverer = (*RedisDeliverer)(nil)

// NewRedisDeliverer creates a deliverer writing to stream (DefaultStream if
// empty).
func NewRedisDeliverer(rc rueidis.Client, stream string, logger *slog.Logger) *RedisDeliverer {
	if stream == "" {
		stream = DefaultStream
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &RedisDeliverer{rc: rc, stream: stream, logger: logger}
}

// Deliver implements Deliverer. It reports false when the append fails.
func (d *RedisDeliverer) Deliver(ctx context.Context, userID int64, payload []byte) bool {
	cmd := d.rc.B().Xadd().Key(d.stream).Id("*").
		FieldValue().
		FieldValue("user_id", strconv.FormatInt(userID, 10)).
		FieldValue("payload", string(payload)).
		Build()
	if err := d.rc.Do(ctx, cmd).Error(); err != nil {
		d.logger.WarnContext(ctx, "publish notification failed",
			slog.Int64("user_id", userID),
			slog.String("stream", d.stream),
			slog.String("error", err.Error()),
		)
		return false
	}
	return true
}
