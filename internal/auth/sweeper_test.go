package auth

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePurgeStore struct {
	mu         sync.Mutex
	pending    int64
	calls      int
	lastBefore time.Time
}

func (s *fakePurgeStore) PurgeExpired(_ context.Context, before time.Time, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.lastBefore = before
	n := int64(limit)
	if s.pending < n {
		n = s.pending
	}
	s.pending -= n
	return n, nil
}

type fakeLease struct {
	mu       sync.Mutex
	acquired bool
	grants   int
	releases int
}

func (l *fakeLease) AcquireSweepLease(context.Context) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.acquired {
		return nil, false, nil
	}
	l.grants++
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.releases++
	}, true, nil
}

func TestSweeperDrainsInBatches(t *testing.T) {
	log := slog.New(slog.NewTextHandler(testWriter{t}, nil))
	lease := &fakeLease{acquired: true}
	store := &fakePurgeStore{pending: 1050}

	s := NewSweeper(lease, 5*time.Millisecond, 0, 500, log, store)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.pending == 0
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	// 1050 rows at batch 500 takes three passes: 500, 500, 50.
	store.mu.Lock()
	assert.GreaterOrEqual(t, store.calls, 3)
	store.mu.Unlock()

	lease.mu.Lock()
	assert.Equal(t, lease.grants, lease.releases)
	lease.mu.Unlock()
}

func TestSweeperPurgesGracePastExpiry(t *testing.T) {
	log := slog.New(slog.NewTextHandler(testWriter{t}, nil))
	lease := &fakeLease{acquired: true}
	store := &fakePurgeStore{pending: 1}

	s := NewSweeper(lease, time.Hour, time.Minute, 500, log, store)
	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	s.sweep(context.Background())

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Equal(t, 1, store.calls)
	assert.Equal(t, fixed.Add(-time.Minute), store.lastBefore)
}

func TestSweeperSkipsWithoutLease(t *testing.T) {
	log := slog.New(slog.NewTextHandler(testWriter{t}, nil))
	lease := &fakeLease{acquired: false}
	store := &fakePurgeStore{pending: 100}

	s := NewSweeper(lease, 5*time.Millisecond, 0, 500, log, store)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_ = s.Run(ctx)

	store.mu.Lock()
	assert.Zero(t, store.calls)
	assert.Equal(t, int64(100), store.pending)
	store.mu.Unlock()
}
