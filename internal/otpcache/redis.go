package otpcache

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quickgig/auth-service/internal/model"
)

const otpKeyPrefix = "otp:"

// incrAttemptScript bumps the attempt counter only if a record exists, so a
// stale increment can never resurrect a cleared key.
var incrAttemptScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return redis.call('HINCRBY', KEYS[1], 'attempts', 1)
end
return -1
`)

// RedisStore is the primary OTP backend: one hash per phone with a TTL.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates the Redis OTP backend.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func otpKey(phoneE164 string) string { return otpKeyPrefix + phoneE164 }

// Store overwrites any existing record for the phone and sets the TTL from
// the record's expiry.
func (s *RedisStore) Store(ctx context.Context, rec model.EncryptedOTP) error {
	key := otpKey(rec.Phone)
	fields := map[string]interface{}{
		"ct":         base64.StdEncoding.EncodeToString(rec.Ciphertext),
		"nonce":      base64.StdEncoding.EncodeToString(rec.Nonce),
		"kv":         rec.KeyVersion,
		"attempts":   rec.Attempts,
		"created_at": rec.CreatedAt.Unix(),
		"expires_at": rec.ExpiresAt.Unix(),
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, fields)
	pipe.ExpireAt(ctx, key, rec.ExpiresAt)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis otp store: %w", err)
	}
	return nil
}

// Get returns the record or (nil, nil) when absent; Redis TTL handles expiry.
func (s *RedisStore) Get(ctx context.Context, phoneE164 string) (*model.EncryptedOTP, error) {
	vals, err := s.client.HGetAll(ctx, otpKey(phoneE164)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis otp get: %w", err)
	}
	if len(vals) == 0 {
		return nil, nil
	}

	rec, err := recordFromHash(phoneE164, vals)
	if err != nil {
		return nil, fmt.Errorf("redis otp get: %w", err)
	}
	return rec, nil
}

// IncrementAttempt atomically bumps the attempt counter via a Lua script.
func (s *RedisStore) IncrementAttempt(ctx context.Context, phoneE164 string) (int, error) {
	n, err := incrAttemptScript.Run(ctx, s.client, []string{otpKey(phoneE164)}).Int()
	if err != nil {
		return 0, fmt.Errorf("redis otp increment: %w", err)
	}
	if n < 0 {
		return 0, ErrNoAttempt
	}
	return n, nil
}

// Clear deletes the record.
func (s *RedisStore) Clear(ctx context.Context, phoneE164 string) error {
	if err := s.client.Del(ctx, otpKey(phoneE164)).Err(); err != nil {
		return fmt.Errorf("redis otp clear: %w", err)
	}
	return nil
}

// TTL returns the remaining lifetime, or 0 when no record exists.
func (s *RedisStore) TTL(ctx context.Context, phoneE164 string) (time.Duration, error) {
	ttl, err := s.client.PTTL(ctx, otpKey(phoneE164)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis otp ttl: %w", err)
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

func recordFromHash(phoneE164 string, vals map[string]string) (*model.EncryptedOTP, error) {
	ct, err := base64.StdEncoding.DecodeString(vals["ct"])
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(vals["nonce"])
	if err != nil {
		return nil, fmt.Errorf("decode nonce: %w", err)
	}
	kv, err := strconv.Atoi(vals["kv"])
	if err != nil {
		return nil, fmt.Errorf("parse key version: %w", err)
	}
	attempts, err := strconv.Atoi(vals["attempts"])
	if err != nil {
		return nil, fmt.Errorf("parse attempts: %w", err)
	}
	createdAt, err := strconv.ParseInt(vals["created_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	expiresAt, err := strconv.ParseInt(vals["expires_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse expires_at: %w", err)
	}

	return &model.EncryptedOTP{
		Phone:      phoneE164,
		Ciphertext: ct,
		Nonce:      nonce,
		KeyVersion: kv,
		Attempts:   attempts,
		CreatedAt:  time.Unix(createdAt, 0),
		ExpiresAt:  time.Unix(expiresAt, 0),
	}, nil
}
