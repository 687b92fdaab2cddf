package infra

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"canvas-gateway/realtime/canvas/domain"

	"github.com/redis/go-redis/v9"
)

// RedisPixelStats acumula pixels commitados em hashes do Redis, para
// rankings e painéis externos.
type RedisPixelStats struct {
	rdb *redis.Client

	prefix string
	// ttl aplica apenas em chaves de série temporal / por identidade.
	// total é cumulativo e não expira.
	ttl time.Duration

	bucket string // "minute" (padrão), "day" ou "none"

	trackIdentities bool
}

type RedisStatsOption func(*RedisPixelStats)

func WithStatsPrefix(prefix string) RedisStatsOption {
	return func(s *RedisPixelStats) {
		s.prefix = strings.Trim(prefix, ":")
	}
}

func WithStatsTTL(d time.Duration) RedisStatsOption {
	return func(s *RedisPixelStats) { s.ttl = d }
}

func WithStatsBucket(bucket string) RedisStatsOption {
	return func(s *RedisPixelStats) { s.bucket = strings.ToLower(strings.TrimSpace(bucket)) }
}

func WithStatsTrackIdentities(track bool) RedisStatsOption {
	return func(s *RedisPixelStats) { s.trackIdentities = track }
}

func NewRedisPixelStats(rdb *redis.Client, opts ...RedisStatsOption) *RedisPixelStats {
	s := &RedisPixelStats{
		rdb:    rdb,
		prefix: "pixels:stats",
		ttl:    24 * time.Hour,
		bucket: "minute",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisPixelStats) bucketKey(at time.Time) string {
	switch s.bucket {
	case "minute":
		return fmt.Sprintf("%s:minute:%s", s.prefix, at.UTC().Format("200601021504"))
	case "day":
		return fmt.Sprintf("%s:day:%s", s.prefix, at.UTC().Format("20060102"))
	}
	return ""
}

func (s *RedisPixelStats) Record(ctx context.Context, ev domain.PixelEvent) error {
	if s == nil || s.rdb == nil || ev.Count <= 0 {
		return nil
	}

	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	n := int64(ev.Count)
	canvas := strconv.Itoa(int(ev.Canvas))

	pipe := s.rdb.Pipeline()
	pipe.HIncrBy(ctx, s.prefix+":total", canvas, n)
	if ev.Ranked {
		pipe.HIncrBy(ctx, s.prefix+":ranked", canvas, n)
	}

	if bk := s.bucketKey(at); bk != "" {
		pipe.HIncrBy(ctx, bk, canvas, n)
		if s.ttl > 0 {
			pipe.Expire(ctx, bk, s.ttl)
		}
	}

	if c := strings.TrimSpace(ev.Country); c != "" {
		pipe.HIncrBy(ctx, s.prefix+":country:"+canvas, strings.ToLower(c), n)
	}

	if s.trackIdentities {
		id := strings.TrimSpace(string(ev.Identity))
		if id != "" {
			idKey := s.prefix + ":identity:" + id
			pipe.HIncrBy(ctx, idKey, canvas, n)
			if s.ttl > 0 {
				pipe.Expire(ctx, idKey, s.ttl)
			}
		}
	}

	_, err := pipe.Exec(ctx)
	return err
}
