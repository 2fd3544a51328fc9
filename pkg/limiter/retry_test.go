package limiter

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(attempts int) *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   attempts,
		BaseDelay:     time.Millisecond,
		MaxDelay:      8 * time.Millisecond,
		BackoffFactor: 2.0,
	}
}

func TestRetryManager_SucceedsAfterTransientErrors(t *testing.T) {
	rm := NewRetryManager(fastConfig(3))
	calls := 0

	result, err := rm.Execute(context.Background(), func(ctx context.Context) (any, error) {
		calls++
		if calls < 3 {
			return nil, Transient(errors.New("throttled"))
		}
		return "done", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "done", result)
	assert.Equal(t, 3, calls)
}

func TestRetryManager_NonTransientAbortsImmediately(t *testing.T) {
	rm := NewRetryManager(fastConfig(5))
	calls := 0

	_, err := rm.Execute(context.Background(), func(ctx context.Context) (any, error) {
		calls++
		return nil, errors.New("validation failed")
	})

	assert.ErrorContains(t, err, "validation failed")
	assert.Equal(t, 1, calls)
}

func TestRetryManager_ExhaustsAttempts(t *testing.T) {
	rm := NewRetryManager(fastConfig(3))
	calls := 0

	_, err := rm.Execute(context.Background(), func(ctx context.Context) (any, error) {
		calls++
		return nil, Transient(errors.New("still throttled"))
	})

	assert.ErrorContains(t, err, "max retries exceeded")
	assert.ErrorContains(t, err, "still throttled")
	assert.Equal(t, 3, calls)
}

func TestRetryManager_ContextCancelDuringBackoff(t *testing.T) {
	rm := NewRetryManager(&RetryConfig{
		MaxAttempts:   3,
		BaseDelay:     time.Hour,
		MaxDelay:      time.Hour,
		BackoffFactor: 2.0,
	})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := rm.Execute(ctx, func(ctx context.Context) (any, error) {
			return nil, Transient(errors.New("busy"))
		})
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("retry did not honor context cancellation")
	}
}

func TestRetryManager_DelayGrowsExponentially(t *testing.T) {
	rm := NewRetryManager(&RetryConfig{
		BaseDelay:     time.Second,
		MaxDelay:      60 * time.Second,
		BackoffFactor: 2.0,
	})

	assert.Equal(t, time.Second, rm.Delay(0))
	assert.Equal(t, 2*time.Second, rm.Delay(1))
	assert.Equal(t, 4*time.Second, rm.Delay(2))
	assert.Equal(t, 60*time.Second, rm.Delay(10))
}

func TestIsTransient_SurvivesWrapping(t *testing.T) {
	err := Transient(errors.New("inner"))
	assert.True(t, IsTransient(err))
	assert.True(t, IsTransient(fmt.Errorf("outer: %w", err)))
	assert.False(t, IsTransient(errors.New("plain")))
	assert.False(t, IsTransient(nil))
}

func TestIsRetryableStatus(t *testing.T) {
	for _, code := range []int{429, 500, 502, 503, 504} {
		assert.True(t, IsRetryableStatus(code), code)
	}
	for _, code := range []int{200, 400, 401, 403, 404} {
		assert.False(t, IsRetryableStatus(code), code)
	}
}
