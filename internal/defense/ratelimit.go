// Package defense implements the abuse-protection layer around the
// verification flows: per-phone SMS rate limiting, escalating account locks,
// attack pattern detection, and response delay shaping.
package defense

import (
	"context"
	"sync"
	"time"
)

// Decision is the outcome of a rate-limit check or reservation.
type Decision struct {
	Allowed    bool
	Count      int
	RetryAfter time.Duration
}

// SMSLimiter is the sliding-window per-phone rate limit contract.
// Increment is the atomic gate: it reserves a slot or denies, race-free.
// Check is a read-only preview so callers can deny early without reserving.
type SMSLimiter interface {
	Check(ctx context.Context, phoneE164 string) (Decision, error)
	Increment(ctx context.Context, phoneE164 string) (Decision, error)
	ResetAt(ctx context.Context, phoneE164 string) (time.Time, error)
}

// MemoryLimiter is an in-memory sliding-window limiter for single-node
// deployments and tests.
type MemoryLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	window   time.Duration
	maxReqs  int
	now      func() time.Time
	stop     chan struct{}
}

// NewMemoryLimiter creates an in-memory limiter and starts its cleanup loop.
func NewMemoryLimiter(window time.Duration, maxReqs int) *MemoryLimiter {
	l := &MemoryLimiter{
		requests: make(map[string][]time.Time),
		window:   window,
		maxReqs:  maxReqs,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
	go l.cleanup()
	return l
}

// Check reports whether a request would currently be allowed.
func (l *MemoryLimiter) Check(_ context.Context, phone string) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.decide(phone, false), nil
}

// Increment atomically reserves a slot in the window, or denies with the time
// until the oldest request ages out.
func (l *MemoryLimiter) Increment(_ context.Context, phone string) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.decide(phone, true), nil
}

// ResetAt returns when the oldest in-window request ages out, or the zero
// time when the window is empty.
func (l *MemoryLimiter) ResetAt(_ context.Context, phone string) (time.Time, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	live := l.prune(phone)
	if len(live) == 0 {
		return time.Time{}, nil
	}
	return live[0].Add(l.window), nil
}

// Close stops the cleanup loop.
func (l *MemoryLimiter) Close() { close(l.stop) }

func (l *MemoryLimiter) decide(phone string, reserve bool) Decision {
	live := l.prune(phone)
	if len(live) >= l.maxReqs {
		retry := live[0].Add(l.window).Sub(l.now())
		if retry < 0 {
			retry = 0
		}
		return Decision{Allowed: false, Count: len(live), RetryAfter: retry}
	}
	if reserve {
		live = append(live, l.now())
		l.requests[phone] = live
	}
	return Decision{Allowed: true, Count: len(live)}
}

// prune drops requests outside the window; caller holds the lock.
func (l *MemoryLimiter) prune(phone string) []time.Time {
	cutoff := l.now().Add(-l.window)
	reqs := l.requests[phone]
	kept := reqs[:0]
	for _, t := range reqs {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) == 0 {
		delete(l.requests, phone)
		return nil
	}
	l.requests[phone] = kept
	return kept
}

func (l *MemoryLimiter) cleanup() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.mu.Lock()
			for phone := range l.requests {
				l.prune(phone)
			}
			l.mu.Unlock()
		}
	}
}
