package common

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_AdmitsBurstImmediately(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(1, 3)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	for i := 0; i < 3; i++ {
		require.NoError(t, rl.Wait(ctx), "event %d should fit in the burst", i)
	}
}

func TestRateLimiter_BlocksPastBurst(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(0.1, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.NoError(t, rl.Wait(ctx))

	// The second event needs ~10s at 0.1 rps; the context expires first.
	err := rl.Wait(ctx)
	require.Error(t, err)
}

func TestRateLimiter_UpdateLimitsTakesEffect(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(0.1, 1)
	require.NoError(t, rl.Wait(context.Background()))

	rl.UpdateLimits(1000, 10)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	start := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, rl.Wait(ctx))
	}
	assert.Less(t, time.Since(start), time.Second)
}
