package otpcache

import (
	"sync"
	"time"
)

// Breaker is a simple failure-count circuit breaker: Threshold failures
// within Window open the circuit for Cooldown, during which the fallback
// backend serves all traffic.
type Breaker struct {
	mu        sync.Mutex
	failures  []time.Time
	openUntil time.Time

	threshold int
	window    time.Duration
	cooldown  time.Duration

	now func() time.Time
}

// NewBreaker creates a breaker. Defaults: 3 failures within 10s open the
// circuit for 30s.
func NewBreaker(threshold int, window, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 3
	}
	if window <= 0 {
		window = 10 * time.Second
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		threshold: threshold,
		window:    window,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Allow reports whether the primary backend may be tried.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.now().Before(b.openUntil)
}

// RecordFailure notes a primary failure; crossing the threshold opens the
// circuit.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	cutoff := now.Add(-b.window)

	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = append(kept, now)

	if len(b.failures) >= b.threshold {
		b.openUntil = now.Add(b.cooldown)
		b.failures = b.failures[:0]
	}
}

// RecordSuccess clears the failure history. On recovery the primary becomes
// authoritative again; no backfill is performed.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = b.failures[:0]
}
