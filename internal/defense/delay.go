package defense

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Delayer enforces a randomized minimum response latency so success and
// failure paths are indistinguishable by timing. Both paths draw the target
// from the same distribution.
type Delayer struct {
	base     time.Duration
	variance time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

// NewDelayer creates a delayer with the given base and jitter variance.
// Defaults: 250ms base, 150ms variance.
func NewDelayer(base, variance time.Duration) *Delayer {
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	if variance < 0 {
		variance = 150 * time.Millisecond
	}
	return &Delayer{
		base:     base,
		variance: variance,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Hold sleeps until at least base+jitter(+extra) has elapsed since start.
// Returns the context error if the caller aborts first.
func (d *Delayer) Hold(ctx context.Context, start time.Time, extra time.Duration) error {
	target := d.base + extra
	if d.variance > 0 {
		d.mu.Lock()
		target += time.Duration(d.rng.Int63n(int64(d.variance)))
		d.mu.Unlock()
	}

	remaining := target - time.Since(start)
	if remaining <= 0 {
		return nil
	}

	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
