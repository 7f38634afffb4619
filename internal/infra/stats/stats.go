package stats

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// redisSink counts resolved images in redis: a total plus one counter
// per resolution status. Counting is best effort; a failed increment is
// logged and never surfaces to the pipeline.
type redisSink struct {
	rdb redis.Cmdable
}

func NewRedisSink(rdb redis.Cmdable) *redisSink {
	return &redisSink{rdb: rdb}
}

func (s *redisSink) Inc(ctx context.Context, status string) {
	if err := s.rdb.Incr(ctx, countKey()).Err(); err != nil {
		slog.Warn("stats: incr image count", slog.String("error", err.Error()))
		return
	}

	if err := s.rdb.Incr(ctx, statusKey(status)).Err(); err != nil {
		slog.Warn("stats: incr status count",
			slog.String("status", status),
			slog.String("error", err.Error()),
		)
	}
}

func countKey() string { return "media:image_count" }

func statusKey(status string) string { return "media:image_status_count:" + status }
