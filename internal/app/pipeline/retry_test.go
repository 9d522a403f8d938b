package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
		Multiplier:      1.0,
	}
}

func TestRetryPolicy_BoundsTotalAttempts(t *testing.T) {
	t.Parallel()

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		return fmt.Errorf("transient")
	}, fastPolicy().backOff(context.Background(), 3))

	require.Error(t, err)
	assert.Equal(t, 3, attempts, "max attempts counts tries, not retries")
}

func TestRetryPolicy_PermanentErrorStopsImmediately(t *testing.T) {
	t.Parallel()

	sentinel := errors.New("unrecoverable")
	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		return backoff.Permanent(sentinel)
	}, fastPolicy().backOff(context.Background(), 5))

	assert.Equal(t, 1, attempts)
	// The permanent wrapper is stripped on return.
	require.ErrorIs(t, err, sentinel)
}

func TestRetryPolicy_CancelledContextStopsRetries(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		cancel()
		return fmt.Errorf("transient")
	}, fastPolicy().backOff(ctx, 0))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "transient")
	assert.Equal(t, 1, attempts)
}
