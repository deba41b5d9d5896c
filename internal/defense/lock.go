package defense

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/quickgig/auth-service/internal/model"
)

// LockThreshold maps a consecutive-failure count to a lock duration.
type LockThreshold struct {
	Failures int
	Lock     time.Duration
}

// DefaultLockThresholds is the escalating policy: 5 failures lock 15 minutes,
// 10 lock an hour, 20 lock a day.
func DefaultLockThresholds() []LockThreshold {
	return []LockThreshold{
		{Failures: 5, Lock: 15 * time.Minute},
		{Failures: 10, Lock: time.Hour},
		{Failures: 20, Lock: 24 * time.Hour},
	}
}

// lockStateTTL bounds how long a failure streak is remembered.
const lockStateTTL = 24 * time.Hour

// LockStore persists per-phone lock state. Redis in production (shared
// across replicas), in-memory for tests. Bump must be atomic so concurrent
// failures across replicas never lose a count.
type LockStore interface {
	Get(ctx context.Context, phoneE164 string) (*model.LockState, error)
	Bump(ctx context.Context, phoneE164 string, ttl time.Duration) (model.LockState, error)
	SetLock(ctx context.Context, phoneE164 string, until time.Time, reason string, ttl time.Duration) error
	Delete(ctx context.Context, phoneE164 string) error
}

// AccountLock tracks consecutive verification failures per phone and applies
// escalating lock durations. Any success clears the state.
type AccountLock struct {
	store      LockStore
	thresholds []LockThreshold
	now        func() time.Time
}

// NewAccountLock creates the lock policy over the given store. Thresholds are
// sorted ascending by failure count.
func NewAccountLock(store LockStore, thresholds []LockThreshold) *AccountLock {
	if len(thresholds) == 0 {
		thresholds = DefaultLockThresholds()
	}
	sorted := append([]LockThreshold(nil), thresholds...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Failures < sorted[j].Failures })
	return &AccountLock{store: store, thresholds: sorted, now: time.Now}
}

// Check returns the lock state if the phone is currently locked, nil otherwise.
func (l *AccountLock) Check(ctx context.Context, phone string) (*model.LockState, error) {
	state, err := l.store.Get(ctx, phone)
	if err != nil {
		return nil, fmt.Errorf("account lock check: %w", err)
	}
	if state == nil || !state.Locked(l.now()) {
		return nil, nil
	}
	return state, nil
}

// RecordFailure bumps the consecutive-failure count and applies the highest
// threshold it crosses. Returns the updated state. The bump itself is atomic
// in the store; writing an escalated lock is not, but both racers compute the
// same lock from the same count, so the last write is harmless.
func (l *AccountLock) RecordFailure(ctx context.Context, phone string) (model.LockState, error) {
	state, err := l.store.Bump(ctx, phone, lockStateTTL)
	if err != nil {
		return model.LockState{}, fmt.Errorf("account lock record failure: %w", err)
	}

	escalated := false
	for _, t := range l.thresholds {
		if state.ConsecutiveFailures >= t.Failures {
			until := l.now().Add(t.Lock)
			if until.After(state.LockedUntil) {
				state.LockedUntil = until
				state.Reason = fmt.Sprintf("%d consecutive verification failures", state.ConsecutiveFailures)
				escalated = true
			}
		}
	}

	if escalated {
		if err := l.store.SetLock(ctx, phone, state.LockedUntil, state.Reason, lockStateTTL); err != nil {
			return model.LockState{}, fmt.Errorf("account lock record failure: %w", err)
		}
	}
	return state, nil
}

// Reset clears the failure streak and any active lock.
func (l *AccountLock) Reset(ctx context.Context, phone string) error {
	if err := l.store.Delete(ctx, phone); err != nil {
		return fmt.Errorf("account lock reset: %w", err)
	}
	return nil
}

// MemoryLockStore is an in-memory LockStore.
type MemoryLockStore struct {
	mu     sync.Mutex
	states map[string]memLockEntry
	now    func() time.Time
}

type memLockEntry struct {
	state     model.LockState
	expiresAt time.Time
}

// NewMemoryLockStore creates an in-memory lock store.
func NewMemoryLockStore() *MemoryLockStore {
	return &MemoryLockStore{states: make(map[string]memLockEntry), now: time.Now}
}

func (s *MemoryLockStore) Get(_ context.Context, phone string) (*model.LockState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.states[phone]
	if !ok || s.now().After(e.expiresAt) {
		delete(s.states, phone)
		return nil, nil
	}
	cp := e.state
	return &cp, nil
}

func (s *MemoryLockStore) Bump(_ context.Context, phone string, ttl time.Duration) (model.LockState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.states[phone]
	if !ok || s.now().After(e.expiresAt) {
		e = memLockEntry{state: model.LockState{Phone: phone}}
	}
	e.state.ConsecutiveFailures++
	e.expiresAt = s.now().Add(ttl)
	s.states[phone] = e
	return e.state, nil
}

func (s *MemoryLockStore) SetLock(_ context.Context, phone string, until time.Time, reason string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.states[phone]
	if !ok {
		e = memLockEntry{state: model.LockState{Phone: phone}}
	}
	e.state.LockedUntil = until
	e.state.Reason = reason
	e.expiresAt = s.now().Add(ttl)
	s.states[phone] = e
	return nil
}

func (s *MemoryLockStore) Delete(_ context.Context, phone string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, phone)
	return nil
}
