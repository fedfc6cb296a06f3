package ratelimit

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultKey is the shared counter key used when none is given.
const DefaultKey = "kibble:regen"

// redisCounter is the subset of redis.Cmdable the limiter uses.
type redisCounter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Incr(ctx context.Context, key string) *redis.IntCmd
	TTL(ctx context.Context, key string) *redis.DurationCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// RedisWindow shares one fixed window between every process pointing at the
// same Redis. Redis failures admit the request.
type RedisWindow struct {
	rdb    redisCounter
	key    string
	limit  int
	window time.Duration
	log    zerolog.Logger
}

var _ Limiter = (*RedisWindow)(nil)

func NewRedisWindow(rdb redisCounter, key string, limit int, window time.Duration, logger zerolog.Logger) *RedisWindow {
	if key == "" {
		key = DefaultKey
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &RedisWindow{
		rdb:    rdb,
		key:    key,
		limit:  limit,
		window: window,
		log:    logger.With().Str("component", "ratelimit").Logger(),
	}
}

func (r *RedisWindow) Allow(ctx context.Context) bool {
	count := 0
	val, err := r.rdb.Get(ctx, r.key).Result()
	switch {
	case errors.Is(err, redis.Nil):
	case err != nil:
		r.log.Warn().Err(err).Str("key", r.key).Msg("limiter unavailable, admitting")
		return true
	default:
		if count, err = strconv.Atoi(val); err != nil {
			r.log.Warn().Err(err).Str("key", r.key).Str("value", val).Msg("corrupt limiter counter, admitting")
			return true
		}
	}

	if count >= r.limit {
		r.rearm(ctx)
		return false
	}

	// the counter is created together with its expiry so a window always ends
	if err := r.rdb.SetNX(ctx, r.key, 0, r.window).Err(); err != nil {
		r.log.Warn().Err(err).Str("key", r.key).Msg("limiter window start failed, admitting")
		return true
	}
	if err := r.rdb.Incr(ctx, r.key).Err(); err != nil {
		r.log.Warn().Err(err).Str("key", r.key).Msg("limiter increment failed, admitting")
	}
	return true
}

// rearm restores the expiry of a full counter that has none, e.g. one that
// expired between SETNX and INCR and was recreated by INCR.
func (r *RedisWindow) rearm(ctx context.Context) {
	ttl, err := r.rdb.TTL(ctx, r.key).Result()
	if err != nil || ttl != -1 {
		return
	}
	if err := r.rdb.Expire(ctx, r.key, r.window).Err(); err != nil {
		r.log.Warn().Err(err).Str("key", r.key).Msg("limiter expire failed")
		return
	}
	r.log.Warn().Str("key", r.key).Msg("limiter counter had no expiry, window restarted")
}

func (r *RedisWindow) RetryAfter() time.Duration {
	return r.window
}
