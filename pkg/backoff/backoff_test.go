package backoff_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingsync/pkg/backoff"
)

func TestExponential_Next(t *testing.T) {
	t.Parallel()

	b := backoff.Exponential{Initial: 100 * time.Millisecond, Max: time.Second, Multiplier: 2}

	assert.Equal(t, time.Duration(0), b.Next(0))
	assert.Equal(t, 100*time.Millisecond, b.Next(1))
	assert.Equal(t, 200*time.Millisecond, b.Next(2))
	assert.Equal(t, 400*time.Millisecond, b.Next(3))
	assert.Equal(t, time.Second, b.Next(10), "capped at max")
}

func TestExponential_JitterStaysInRange(t *testing.T) {
	t.Parallel()

	b := backoff.Exponential{Initial: time.Second, Max: time.Minute, Multiplier: 2, Jitter: 0.5}
	for range 100 {
		d := b.Next(1)
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.LessOrEqual(t, d, 1500*time.Millisecond)
	}
}

func TestRetry(t *testing.T) {
	t.Parallel()

	errTransient := errors.New("transient")
	errFatal := errors.New("fatal")

	t.Run("succeeds after transient failures", func(t *testing.T) {
		t.Parallel()
		calls := 0
		err := backoff.Retry(context.Background(), backoff.Fixed(time.Millisecond), 3, nil, func(context.Context) error {
			calls++
			if calls < 3 {
				return errTransient
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("stops on non-retryable error", func(t *testing.T) {
		t.Parallel()
		calls := 0
		err := backoff.Retry(context.Background(), backoff.Fixed(time.Millisecond), 5,
			func(err error) bool { return errors.Is(err, errTransient) },
			func(context.Context) error {
				calls++
				return errFatal
			})
		require.ErrorIs(t, err, errFatal)
		assert.Equal(t, 1, calls)
	})

	t.Run("returns last error when retries are exhausted", func(t *testing.T) {
		t.Parallel()
		calls := 0
		err := backoff.Retry(context.Background(), backoff.Fixed(time.Millisecond), 2, nil, func(context.Context) error {
			calls++
			return errTransient
		})
		require.ErrorIs(t, err, errTransient)
		assert.Equal(t, 3, calls)
	})

	t.Run("honors context cancellation between attempts", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		err := backoff.Retry(ctx, backoff.Fixed(time.Hour), 3, nil, func(context.Context) error {
			calls++
			cancel()
			return errTransient
		})
		require.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	})
}
