package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Trims the log, then admits by adding a member scored with the request time in ms.
// Returns {allowed, remaining, retry_after_ms}.
var slidingLogScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count < limit then
	redis.call('ZADD', key, now, ARGV[4])
	redis.call('PEXPIRE', key, window)
	return {1, limit - count - 1, 0}
end
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local retry = window
if oldest[2] then
	retry = tonumber(oldest[2]) + window - now
end
return {0, 0, retry}
`)

// RedisLimiter keeps the sliding log in a Redis sorted set per key so several API instances share budgets.
type RedisLimiter struct {
	redis  redis.UniversalClient
	prefix string
	max    int
	window time.Duration
	nowF   func() time.Time
}

// NewRedisLimiter creates a sliding-log limiter backed by the given Redis client.
func NewRedisLimiter(client redis.UniversalClient, max int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{
		redis:  client,
		prefix: "memocrm:throttle:",
		max:    max,
		window: window,
		nowF:   time.Now,
	}
}

// NewRedisClient parses url (redis://host:6379/0) into a client.
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	return redis.NewClient(opts), nil
}

// Allow runs the admission script atomically on the server. Backend errors wrap ErrUnavailable.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (Result, error) {
	now := l.nowF().UnixMilli()
	member := strconv.FormatInt(now, 10) + "-" + uuid.NewString()
	vals, err := slidingLogScript.Run(ctx, l.redis,
		[]string{l.prefix + key},
		now, l.window.Milliseconds(), l.max, member,
	).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(vals) != 3 {
		return Result{}, fmt.Errorf("%w: unexpected script reply %v", ErrUnavailable, vals)
	}
	if vals[0] == 1 {
		return Result{Allowed: true, Remaining: int(vals[1])}, nil
	}
	return Result{Allowed: false, RetryAfter: time.Duration(vals[2]) * time.Millisecond}, nil
}
