// Package otpcache stores encrypted OTP records with a TTL. Redis is the
// primary backend; a Postgres table serves as fallback behind a circuit
// breaker. Every operation reports which backend served it.
package otpcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/quickgig/auth-service/internal/model"
	"github.com/quickgig/auth-service/internal/phone"
)

// Backend names reported by cache operations.
const (
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// ErrNoAttempt is returned by IncrementAttempt when no record exists.
var ErrNoAttempt = errors.New("no OTP record to increment")

// Backend is the storage contract both Redis and the Postgres fallback
// implement. Get returns (nil, nil) when no live record exists. Store
// overwrites any prior record for the same phone.
type Backend interface {
	Store(ctx context.Context, rec model.EncryptedOTP) error
	Get(ctx context.Context, phoneE164 string) (*model.EncryptedOTP, error)
	IncrementAttempt(ctx context.Context, phoneE164 string) (int, error)
	Clear(ctx context.Context, phoneE164 string) error
	TTL(ctx context.Context, phoneE164 string) (time.Duration, error)
}

// Options configures the cache orchestrator.
type Options struct {
	// MirrorWrite writes every Store and Clear to both backends, so a Redis
	// outage between send and verify still finds the record in Postgres.
	// When false the fallback is written only while the breaker is open.
	MirrorWrite bool
	// PrimaryTimeout bounds each Redis call. Default 250ms.
	PrimaryTimeout time.Duration
	// FallbackTimeout bounds each Postgres call. Default 2s.
	FallbackTimeout time.Duration
}

// Cache routes OTP storage operations between the primary and fallback
// backends according to the circuit breaker state.
type Cache struct {
	primary  Backend
	fallback Backend
	breaker  *Breaker
	opts     Options
	log      *slog.Logger
}

// New builds the cache with its two backends and breaker.
func New(primary, fallback Backend, breaker *Breaker, opts Options, log *slog.Logger) *Cache {
	if opts.PrimaryTimeout <= 0 {
		opts.PrimaryTimeout = 250 * time.Millisecond
	}
	if opts.FallbackTimeout <= 0 {
		opts.FallbackTimeout = 2 * time.Second
	}
	return &Cache{primary: primary, fallback: fallback, breaker: breaker, opts: opts, log: log}
}

// Store writes the record, overwriting any prior entry for the phone.
// Returns the backend that authoritatively holds the record.
func (c *Cache) Store(ctx context.Context, rec model.EncryptedOTP) (string, error) {
	if c.breaker.Allow() {
		err := c.withRetry(ctx, c.opts.PrimaryTimeout, func(ctx context.Context) error {
			return c.primary.Store(ctx, rec)
		})
		if err == nil {
			c.breaker.RecordSuccess()
			if c.opts.MirrorWrite {
				c.mirror(ctx, "store", rec.Phone, func(ctx context.Context) error {
					return c.fallback.Store(ctx, rec)
				})
			}
			return BackendRedis, nil
		}
		c.breaker.RecordFailure()
		c.log.Warn("otp cache primary store failed, using fallback",
			"phone", phone.Mask(rec.Phone), "error", err)
	}

	err := c.withRetry(ctx, c.opts.FallbackTimeout, func(ctx context.Context) error {
		return c.fallback.Store(ctx, rec)
	})
	if err != nil {
		return "", fmt.Errorf("otp store: %w", err)
	}
	return BackendPostgres, nil
}

// Get returns the live record for the phone, or nil when none exists.
func (c *Cache) Get(ctx context.Context, phoneE164 string) (*model.EncryptedOTP, string, error) {
	if c.breaker.Allow() {
		var rec *model.EncryptedOTP
		err := c.withRetry(ctx, c.opts.PrimaryTimeout, func(ctx context.Context) error {
			var err error
			rec, err = c.primary.Get(ctx, phoneE164)
			return err
		})
		if err == nil {
			c.breaker.RecordSuccess()
			if rec != nil || !c.opts.MirrorWrite {
				return rec, BackendRedis, nil
			}
			// Mirror mode: a primary miss may be data loss; the fallback
			// row from the same send is still authoritative.
		} else {
			c.breaker.RecordFailure()
			c.log.Warn("otp cache primary get failed, using fallback",
				"phone", phone.Mask(phoneE164), "error", err)
		}
	}

	var rec *model.EncryptedOTP
	err := c.withRetry(ctx, c.opts.FallbackTimeout, func(ctx context.Context) error {
		var err error
		rec, err = c.fallback.Get(ctx, phoneE164)
		return err
	})
	if err != nil {
		return nil, "", fmt.Errorf("otp get: %w", err)
	}
	return rec, BackendPostgres, nil
}

// IncrementAttempt atomically bumps the attempt counter and returns the new
// count. In mirror mode the other backend is bumped best-effort so both stay
// close after a failover.
func (c *Cache) IncrementAttempt(ctx context.Context, phoneE164 string) (int, string, error) {
	if c.breaker.Allow() {
		var count int
		err := c.withRetry(ctx, c.opts.PrimaryTimeout, func(ctx context.Context) error {
			var err error
			count, err = c.primary.IncrementAttempt(ctx, phoneE164)
			return err
		})
		if err == nil {
			c.breaker.RecordSuccess()
			if c.opts.MirrorWrite {
				c.mirror(ctx, "increment", phoneE164, func(ctx context.Context) error {
					_, err := c.fallback.IncrementAttempt(ctx, phoneE164)
					return err
				})
			}
			return count, BackendRedis, nil
		}
		if errors.Is(err, ErrNoAttempt) {
			return 0, BackendRedis, err
		}
		c.breaker.RecordFailure()
		c.log.Warn("otp cache primary increment failed, using fallback",
			"phone", phone.Mask(phoneE164), "error", err)
	}

	var count int
	err := c.withRetry(ctx, c.opts.FallbackTimeout, func(ctx context.Context) error {
		var err error
		count, err = c.fallback.IncrementAttempt(ctx, phoneE164)
		return err
	})
	if err != nil && !errors.Is(err, ErrNoAttempt) {
		err = fmt.Errorf("otp increment attempt: %w", err)
	}
	return count, BackendPostgres, err
}

// Clear removes the record for the phone from every backend that may hold it.
func (c *Cache) Clear(ctx context.Context, phoneE164 string) error {
	var firstErr error
	if c.breaker.Allow() {
		err := c.withRetry(ctx, c.opts.PrimaryTimeout, func(ctx context.Context) error {
			return c.primary.Clear(ctx, phoneE164)
		})
		if err != nil {
			c.breaker.RecordFailure()
			firstErr = err
		} else {
			c.breaker.RecordSuccess()
		}
	}

	err := c.withRetry(ctx, c.opts.FallbackTimeout, func(ctx context.Context) error {
		return c.fallback.Clear(ctx, phoneE164)
	})
	if err != nil && firstErr == nil {
		firstErr = err
	}
	if firstErr != nil {
		return fmt.Errorf("otp clear: %w", firstErr)
	}
	return nil
}

// TTL reports the remaining lifetime of the record on the serving backend.
func (c *Cache) TTL(ctx context.Context, phoneE164 string) (time.Duration, error) {
	if c.breaker.Allow() {
		var ttl time.Duration
		err := c.withRetry(ctx, c.opts.PrimaryTimeout, func(ctx context.Context) error {
			var err error
			ttl, err = c.primary.TTL(ctx, phoneE164)
			return err
		})
		if err == nil {
			c.breaker.RecordSuccess()
			return ttl, nil
		}
		c.breaker.RecordFailure()
	}

	var ttl time.Duration
	err := c.withRetry(ctx, c.opts.FallbackTimeout, func(ctx context.Context) error {
		var err error
		ttl, err = c.fallback.TTL(ctx, phoneE164)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("otp ttl: %w", err)
	}
	return ttl, nil
}

// Exists reports whether a live record exists for the phone.
func (c *Cache) Exists(ctx context.Context, phoneE164 string) (bool, error) {
	rec, _, err := c.Get(ctx, phoneE164)
	if err != nil {
		return false, err
	}
	return rec != nil, nil
}

// withRetry runs op once under the deadline and retries a single time with
// jitter on transient failure.
func (c *Cache) withRetry(ctx context.Context, timeout time.Duration, op func(context.Context) error) error {
	backoff := retry.WithJitter(20*time.Millisecond, retry.NewConstant(40*time.Millisecond))
	backoff = retry.WithMaxRetries(1, backoff)
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		opCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := op(opCtx); err != nil {
			if errors.Is(err, ErrNoAttempt) {
				return err // terminal, not transient
			}
			return retry.RetryableError(err)
		}
		return nil
	})
}

// mirror applies a best-effort secondary write; failures are logged only.
func (c *Cache) mirror(ctx context.Context, op, phoneE164 string, fn func(context.Context) error) {
	if err := c.withRetry(ctx, c.opts.FallbackTimeout, fn); err != nil && !errors.Is(err, ErrNoAttempt) {
		c.log.Warn("otp cache mirror write failed",
			"op", op, "phone", phone.Mask(phoneE164), "error", err)
	}
}
