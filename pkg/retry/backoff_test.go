package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(maxRetries int) BackoffConfig {
	return BackoffConfig{
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2.0,
		MaxRetries:      maxRetries,
	}
}

func TestExponentialBackoffGrowth(t *testing.T) {
	backoff := ExponentialBackoff(BackoffConfig{
		InitialInterval: time.Second,
		MaxInterval:     10 * time.Second,
		Multiplier:      2.0,
	})

	assert.Equal(t, time.Second, backoff(0))
	assert.Equal(t, time.Second, backoff(1))
	assert.Equal(t, 2*time.Second, backoff(2))
	assert.Equal(t, 4*time.Second, backoff(3))
	assert.Equal(t, 8*time.Second, backoff(4))
	// Capped at the maximum interval.
	assert.Equal(t, 10*time.Second, backoff(5))
	assert.Equal(t, 10*time.Second, backoff(20))
}

func TestExponentialBackoffJitterBounds(t *testing.T) {
	backoff := ExponentialBackoff(BackoffConfig{
		InitialInterval: time.Second,
		MaxInterval:     time.Second,
		Multiplier:      2.0,
		Jitter:          true,
	})

	for i := 0; i < 100; i++ {
		delay := backoff(1)
		assert.GreaterOrEqual(t, delay, 500*time.Millisecond)
		assert.Less(t, delay, time.Second)
	}
}

func TestWithRetrySucceedsEventually(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}, fastConfig(5))

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	sentinel := errors.New("still broken")
	err := WithRetry(context.Background(), func() error {
		calls++
		return sentinel
	}, fastConfig(2))

	require.Error(t, err)
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 3, calls, "initial attempt plus two retries")
}

func TestWithRetryStopError(t *testing.T) {
	calls := 0
	fatal := errors.New("bad credentials")
	err := WithRetry(context.Background(), func() error {
		calls++
		return Stop(fatal)
	}, fastConfig(5))

	require.Error(t, err)
	assert.Equal(t, fatal, err)
	assert.Equal(t, 1, calls, "stop errors must not be retried")
}

func TestWithRetryContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := WithRetry(ctx, func() error {
		return errors.New("transient")
	}, fastConfig(5))

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
