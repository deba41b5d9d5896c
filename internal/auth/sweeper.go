package auth

import (
	"context"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
)

// purgeStore is a table the sweeper can purge expired rows from.
type purgeStore interface {
	PurgeExpired(ctx context.Context, before time.Time, limit int) (int64, error)
}

// leaseStore hands out the sweep lease so only one replica sweeps at a time.
type leaseStore interface {
	AcquireSweepLease(ctx context.Context) (release func(), acquired bool, err error)
}

// Sweeper periodically purges expired refresh tokens, revoked jtis and OTP
// fallback rows. Replicas race for an advisory-lock lease; losers skip the
// round.
type Sweeper struct {
	lease     leaseStore
	stores    []purgeStore
	interval  time.Duration
	grace     time.Duration
	batchSize int
	log       *slog.Logger
	now       func() time.Time
}

// NewSweeper creates a Sweeper over the given purgeable stores. Rows are
// purged only once they are grace past expiry, so an in-flight request
// holding a just-expired token still finds its row.
func NewSweeper(lease leaseStore, interval, grace time.Duration, batchSize int, log *slog.Logger, stores ...purgeStore) *Sweeper {
	return &Sweeper{
		lease:     lease,
		stores:    stores,
		interval:  interval,
		grace:     grace,
		batchSize: batchSize,
		log:       log,
		now:       time.Now,
	}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	release, acquired, err := s.lease.AcquireSweepLease(ctx)
	if err != nil {
		s.log.Error("failed to acquire sweep lease", "error", err)
		return
	}
	if !acquired {
		return
	}
	defer release()

	var total int64
	for _, store := range s.stores {
		n, err := s.purgeAll(ctx, store)
		total += n
		if err != nil {
			s.log.Error("sweep pass failed", "error", err)
			return
		}
	}
	if total > 0 {
		s.log.Info("sweep completed", "purged", total)
	}
}

// purgeAll drains one store in bounded batches until a batch comes back
// short, retrying transient failures with backoff.
func (s *Sweeper) purgeAll(ctx context.Context, store purgeStore) (int64, error) {
	cutoff := s.now().Add(-s.grace)
	var total int64
	for {
		var n int64
		backoff := retry.WithMaxRetries(2, retry.WithJitter(100*time.Millisecond, retry.NewExponential(250*time.Millisecond)))
		err := retry.Do(ctx, backoff, func(ctx context.Context) error {
			var err error
			n, err = store.PurgeExpired(ctx, cutoff, s.batchSize)
			if err != nil {
				return retry.RetryableError(err)
			}
			return nil
		})
		if err != nil {
			return total, err
		}
		total += n
		if n < int64(s.batchSize) {
			return total, nil
		}
	}
}
