package defense

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelayer_EnforcesMinimumLatency(t *testing.T) {
	d := NewDelayer(50*time.Millisecond, 0)

	start := time.Now()
	require.NoError(t, d.Hold(context.Background(), start, 0))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestDelayer_NoSleepWhenAlreadyPastTarget(t *testing.T) {
	d := NewDelayer(20*time.Millisecond, 0)

	// Work already took longer than the target.
	start := time.Now().Add(-100 * time.Millisecond)
	before := time.Now()
	require.NoError(t, d.Hold(context.Background(), start, 0))
	assert.Less(t, time.Since(before), 15*time.Millisecond)
}

func TestDelayer_ExtraRaisesFloor(t *testing.T) {
	d := NewDelayer(10*time.Millisecond, 0)

	start := time.Now()
	require.NoError(t, d.Hold(context.Background(), start, 40*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestDelayer_CancelledContextReturnsEarly(t *testing.T) {
	d := NewDelayer(5*time.Second, 0)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := d.Hold(ctx, start, 0)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDelayer_JitterStaysWithinVariance(t *testing.T) {
	d := NewDelayer(10*time.Millisecond, 20*time.Millisecond)

	for i := 0; i < 10; i++ {
		start := time.Now()
		require.NoError(t, d.Hold(context.Background(), start, 0))
		elapsed := time.Since(start)
		assert.GreaterOrEqual(t, elapsed, 10*time.Millisecond)
		assert.Less(t, elapsed, 100*time.Millisecond)
	}
}
