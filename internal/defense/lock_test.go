package defense

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLock(t *testing.T) (*AccountLock, func(time.Time)) {
	t.Helper()
	now := time.Now()
	store := NewMemoryLockStore()
	store.now = func() time.Time { return now }
	l := NewAccountLock(store, nil)
	l.now = func() time.Time { return now }
	return l, func(at time.Time) { now = at }
}

func TestAccountLock_EscalatingThresholds(t *testing.T) {
	l, _ := newTestLock(t)
	ctx := context.Background()
	const p = "+8613812345678"

	// Four failures: not locked yet.
	for i := 0; i < 4; i++ {
		state, err := l.RecordFailure(ctx, p)
		require.NoError(t, err)
		assert.False(t, state.Locked(l.now()), "failure %d should not lock", i+1)
	}

	// Fifth failure: 15 minute lock.
	state, err := l.RecordFailure(ctx, p)
	require.NoError(t, err)
	assert.True(t, state.Locked(l.now()))
	assert.Equal(t, l.now().Add(15*time.Minute), state.LockedUntil)

	// Tenth failure: one hour lock.
	for i := 0; i < 5; i++ {
		state, err = l.RecordFailure(ctx, p)
		require.NoError(t, err)
	}
	assert.Equal(t, l.now().Add(time.Hour), state.LockedUntil)

	// Twentieth failure: 24 hour lock.
	for i := 0; i < 10; i++ {
		state, err = l.RecordFailure(ctx, p)
		require.NoError(t, err)
	}
	assert.Equal(t, l.now().Add(24*time.Hour), state.LockedUntil)
}

func TestAccountLock_CheckAndExpiry(t *testing.T) {
	l, advance := newTestLock(t)
	ctx := context.Background()
	const p = "+8613812345678"

	for i := 0; i < 5; i++ {
		_, err := l.RecordFailure(ctx, p)
		require.NoError(t, err)
	}

	state, err := l.Check(ctx, p)
	require.NoError(t, err)
	require.NotNil(t, state, "phone should be locked after fifth failure")

	// Lock expires on its own after 15 minutes.
	advance(time.Now().Add(16 * time.Minute))
	state, err = l.Check(ctx, p)
	require.NoError(t, err)
	assert.Nil(t, state, "lock should expire")
}

func TestAccountLock_ConcurrentFailuresAllCount(t *testing.T) {
	l := NewAccountLock(NewMemoryLockStore(), nil)
	ctx := context.Background()
	const p = "+8613812345678"
	const n = 50

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.RecordFailure(ctx, p)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	state, err := l.store.Get(ctx, p)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, n, state.ConsecutiveFailures, "no failure may be lost to a racing bump")
	assert.True(t, state.Locked(time.Now()))
}

func TestAccountLock_ResetClearsState(t *testing.T) {
	l, _ := newTestLock(t)
	ctx := context.Background()
	const p = "+61412345678"

	for i := 0; i < 5; i++ {
		_, err := l.RecordFailure(ctx, p)
		require.NoError(t, err)
	}
	require.NoError(t, l.Reset(ctx, p))

	state, err := l.Check(ctx, p)
	require.NoError(t, err)
	assert.Nil(t, state)

	// Streak restarts from zero after a reset.
	s, err := l.RecordFailure(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, 1, s.ConsecutiveFailures)
}
