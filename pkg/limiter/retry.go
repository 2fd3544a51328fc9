package limiter

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// RetryConfig holds retry configuration
type RetryConfig struct {
	MaxAttempts   int           `json:"max_attempts"`
	BaseDelay     time.Duration `json:"base_delay"`
	MaxDelay      time.Duration `json:"max_delay"`
	BackoffFactor float64       `json:"backoff_factor"`
}

// DefaultRetryConfig returns the retry configuration used against the
// inference endpoint: exponential backoff, base 2, attempt-indexed.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   3,
		BaseDelay:     1 * time.Second,
		MaxDelay:      60 * time.Second,
		BackoffFactor: 2.0,
	}
}

// RetryableFunc represents an operation that can be retried
type RetryableFunc func(ctx context.Context) (any, error)

// RetryManager executes operations with bounded retry. It is independent of
// any particular provider's error taxonomy: callers decide what is transient
// by wrapping errors in TransientError.
type RetryManager struct {
	config *RetryConfig
}

// NewRetryManager creates a new retry manager
func NewRetryManager(config *RetryConfig) *RetryManager {
	if config == nil {
		config = DefaultRetryConfig()
	}
	return &RetryManager{config: config}
}

// Execute runs fn up to MaxAttempts times, sleeping between attempts with
// exponential backoff. Non-transient errors abort immediately. The sleep
// honors context cancellation.
func (rm *RetryManager) Execute(ctx context.Context, fn RetryableFunc) (any, error) {
	var lastErr error

	for attempt := 0; attempt < rm.config.MaxAttempts; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if attempt == rm.config.MaxAttempts-1 {
			break
		}
		if !IsTransient(err) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(rm.Delay(attempt)):
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// Delay returns the backoff delay for the given zero-based attempt index.
func (rm *RetryManager) Delay(attempt int) time.Duration {
	delay := float64(rm.config.BaseDelay) * math.Pow(rm.config.BackoffFactor, float64(attempt))
	if delay > float64(rm.config.MaxDelay) {
		delay = float64(rm.config.MaxDelay)
	}
	return time.Duration(delay)
}

// TransientError marks an error as retryable.
type TransientError struct {
	Err error
}

// Error implements the error interface
func (e *TransientError) Error() string {
	return e.Err.Error()
}

// Unwrap returns the wrapped error
func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err so the retry manager will retry it.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err was marked retryable.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	return errors.As(err, &te)
}

// IsRetryableStatus reports whether an HTTP status code signals a transient
// provider condition.
func IsRetryableStatus(statusCode int) bool {
	switch statusCode {
	case 429, 500, 502, 503, 504:
		return true
	}
	return false
}
