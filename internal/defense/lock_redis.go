package defense

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quickgig/auth-service/internal/model"
)

const lockKeyPrefix = "account_lock:"

// bumpScript increments the failure count and refreshes the TTL in one atomic
// step, returning the new count plus any lock already on the record.
var bumpScript = redis.NewScript(`
local key = KEYS[1]
local ttl = tonumber(ARGV[1])
local failures = redis.call('HINCRBY', key, 'failures', 1)
redis.call('PEXPIRE', key, ttl)
local until_ms = redis.call('HGET', key, 'locked_until')
local reason = redis.call('HGET', key, 'reason')
return {failures, until_ms or '0', reason or ''}
`)

// RedisLockStore shares account-lock state across replicas. One hash per
// phone: failures, locked_until (unix ms) and reason.
type RedisLockStore struct {
	client *redis.Client
}

// NewRedisLockStore creates a Redis-backed lock store.
func NewRedisLockStore(client *redis.Client) *RedisLockStore {
	return &RedisLockStore{client: client}
}

func (s *RedisLockStore) Get(ctx context.Context, phone string) (*model.LockState, error) {
	fields, err := s.client.HGetAll(ctx, lockKeyPrefix+phone).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lock get: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	state, err := lockStateFromFields(phone, fields["failures"], fields["locked_until"], fields["reason"])
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *RedisLockStore) Bump(ctx context.Context, phone string, ttl time.Duration) (model.LockState, error) {
	res, err := bumpScript.Run(ctx, s.client, []string{lockKeyPrefix + phone}, ttl.Milliseconds()).Slice()
	if err != nil {
		return model.LockState{}, fmt.Errorf("redis lock bump: %w", err)
	}
	if len(res) != 3 {
		return model.LockState{}, fmt.Errorf("redis lock bump: unexpected reply %v", res)
	}
	failures, ok := res[0].(int64)
	if !ok {
		return model.LockState{}, fmt.Errorf("redis lock bump: unexpected reply %v", res)
	}
	return lockStateFromFields(phone,
		strconv.FormatInt(failures, 10), stringReply(res[1]), stringReply(res[2]))
}

func (s *RedisLockStore) SetLock(ctx context.Context, phone string, until time.Time, reason string, ttl time.Duration) error {
	key := lockKeyPrefix + phone
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, "locked_until", until.UnixMilli(), "reason", reason)
	pipe.PExpire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis lock set: %w", err)
	}
	return nil
}

func (s *RedisLockStore) Delete(ctx context.Context, phone string) error {
	if err := s.client.Del(ctx, lockKeyPrefix+phone).Err(); err != nil {
		return fmt.Errorf("redis lock delete: %w", err)
	}
	return nil
}

func lockStateFromFields(phone, failures, untilMs, reason string) (model.LockState, error) {
	state := model.LockState{Phone: phone, Reason: reason}
	if failures != "" {
		n, err := strconv.Atoi(failures)
		if err != nil {
			return model.LockState{}, fmt.Errorf("redis lock decode failures: %w", err)
		}
		state.ConsecutiveFailures = n
	}
	if untilMs != "" && untilMs != "0" {
		ms, err := strconv.ParseInt(untilMs, 10, 64)
		if err != nil {
			return model.LockState{}, fmt.Errorf("redis lock decode locked_until: %w", err)
		}
		state.LockedUntil = time.UnixMilli(ms)
	}
	return state, nil
}

func stringReply(v any) string {
	s, _ := v.(string)
	return s
}
