package defense

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const smsLimitPrefix = "sms_limit:"

// reserveScript prunes the window, then either denies (returning the ms until
// the oldest entry ages out) or records the request, in one atomic step.
var reserveScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
local count = redis.call('ZCARD', key)
if count >= max then
  local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
  return {0, count, tonumber(oldest[2]) + window - now}
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return {1, count + 1, 0}
`)

// checkScript is the read-only variant of reserveScript.
var checkScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
local count = redis.call('ZCARD', key)
if count >= max then
  local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
  return {0, count, tonumber(oldest[2]) + window - now}
end
return {1, count, 0}
`)

// RedisLimiter is the sliding-window limiter shared across replicas: one
// sorted set of request timestamps per phone.
type RedisLimiter struct {
	client  *redis.Client
	window  time.Duration
	maxReqs int
}

// NewRedisLimiter creates a Redis-backed SMS rate limiter.
func NewRedisLimiter(client *redis.Client, window time.Duration, maxReqs int) *RedisLimiter {
	return &RedisLimiter{client: client, window: window, maxReqs: maxReqs}
}

func (l *RedisLimiter) key(phone string) string { return smsLimitPrefix + phone }

// Check previews the current window without reserving a slot.
func (l *RedisLimiter) Check(ctx context.Context, phone string) (Decision, error) {
	return l.run(ctx, checkScript, phone)
}

// Increment atomically reserves a slot or denies.
func (l *RedisLimiter) Increment(ctx context.Context, phone string) (Decision, error) {
	return l.run(ctx, reserveScript, phone)
}

// ResetAt returns when the oldest in-window request ages out.
func (l *RedisLimiter) ResetAt(ctx context.Context, phone string) (time.Time, error) {
	vals, err := l.client.ZRangeWithScores(ctx, l.key(phone), 0, 0).Result()
	if err != nil {
		return time.Time{}, fmt.Errorf("rate limit reset_at: %w", err)
	}
	if len(vals) == 0 {
		return time.Time{}, nil
	}
	oldest := time.UnixMilli(int64(vals[0].Score))
	return oldest.Add(l.window), nil
}

func (l *RedisLimiter) run(ctx context.Context, script *redis.Script, phone string) (Decision, error) {
	now := time.Now().UnixMilli()
	args := []interface{}{now, l.window.Milliseconds(), l.maxReqs, uuid.NewString()}
	res, err := script.Run(ctx, l.client, []string{l.key(phone)}, args...).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit script: %w", err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("rate limit script: unexpected reply %v", res)
	}
	return Decision{
		Allowed:    res[0] == 1,
		Count:      int(res[1]),
		RetryAfter: time.Duration(res[2]) * time.Millisecond,
	}, nil
}
