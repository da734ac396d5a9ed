package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "modelrouter:ratelimit:"

// allowScript trims the sliding window, then records the request only if
// the key is under its limit. Rejected requests do not extend the window.
//
// KEYS[1] window key
// ARGV: now_ms, window_ms, limit, member
// Returns {allowed, count, oldest_ms}.
var allowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)

local count = redis.call('ZCARD', key)
local allowed = 0
if count < limit then
	redis.call('ZADD', key, now, ARGV[4])
	redis.call('PEXPIRE', key, window)
	count = count + 1
	allowed = 1
end

local oldest = now
local first = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if first[2] then
	oldest = tonumber(first[2])
end

return {allowed, count, oldest}
`)

// RedisRateLimiter keeps a sliding one-minute window per client key so
// every replica enforces the same quota.
type RedisRateLimiter struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisRateLimiter(redisURL string) (*RedisRateLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return NewRedisRateLimiterWithClient(client), nil
}

func NewRedisRateLimiterWithClient(client *redis.Client) *RedisRateLimiter {
	return &RedisRateLimiter{client: client, now: time.Now}
}

func (r *RedisRateLimiter) Allow(ctx context.Context, key string, limit int) (bool, int, time.Time, error) {
	now := r.now()
	nowMs := now.UnixMilli()

	res, err := allowScript.Run(ctx, r.client,
		[]string{keyPrefix + key},
		nowMs, windowDuration.Milliseconds(), limit, uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("rate limit %s: %w", key, err)
	}

	allowed, count, oldest := res[0] == 1, int(res[1]), res[2]
	resetAt := time.UnixMilli(oldest).Add(windowDuration)

	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}

	return allowed, remaining, resetAt, nil
}

func (r *RedisRateLimiter) Close() error {
	return r.client.Close()
}
