package limiter

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter manages per-model rate limiters. Remote inference endpoints
// throttle per model family, so each model id gets its own token bucket.
type RateLimiter struct {
	limiters map[string]*rate.Limiter
	rpm      float64
	mu       sync.RWMutex
}

// NewRateLimiter creates a rate limiter allowing rpm requests per minute
// per model. rpm <= 0 disables limiting.
func NewRateLimiter(rpm float64) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rpm:      rpm,
	}
}

// GetLimiter returns or creates the limiter for a model
func (rl *RateLimiter) GetLimiter(modelID string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if limiter, exists := rl.limiters[modelID]; exists {
		return limiter
	}

	burst := int(rl.rpm / 10)
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(rl.rpm/60.0), burst)
	rl.limiters[modelID] = limiter
	return limiter
}

// Wait blocks until the model's limiter allows a request.
func (rl *RateLimiter) Wait(ctx context.Context, modelID string) error {
	if rl.rpm <= 0 {
		return nil
	}
	if err := rl.GetLimiter(modelID).Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter wait failed: %w", err)
	}
	return nil
}

// Allow reports whether a request is allowed without waiting.
func (rl *RateLimiter) Allow(modelID string) bool {
	if rl.rpm <= 0 {
		return true
	}
	return rl.GetLimiter(modelID).Allow()
}
