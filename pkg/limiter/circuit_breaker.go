package limiter

import (
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	MaxRequests uint32
	Interval    time.Duration
	Timeout     time.Duration
}

// DefaultCircuitBreakerConfig returns the default circuit breaker settings
// for a model endpoint.
func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
	}
}

// CircuitBreakerManager manages one circuit breaker per model id so a
// misbehaving model family cannot burn the retry budget of every task.
type CircuitBreakerManager struct {
	breakers map[string]*gobreaker.CircuitBreaker
	config   *CircuitBreakerConfig
	onChange func(name string, from, to gobreaker.State)
	mu       sync.Mutex
}

// NewCircuitBreakerManager creates a new circuit breaker manager
func NewCircuitBreakerManager(config *CircuitBreakerConfig, onChange func(name string, from, to gobreaker.State)) *CircuitBreakerManager {
	if config == nil {
		config = DefaultCircuitBreakerConfig()
	}
	return &CircuitBreakerManager{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		config:   config,
		onChange: onChange,
	}
}

// GetBreaker returns or creates the circuit breaker for a model
func (cbm *CircuitBreakerManager) GetBreaker(modelID string) *gobreaker.CircuitBreaker {
	cbm.mu.Lock()
	defer cbm.mu.Unlock()

	if breaker, exists := cbm.breakers[modelID]; exists {
		return breaker
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        fmt.Sprintf("model-%s", modelID),
		MaxRequests: cbm.config.MaxRequests,
		Interval:    cbm.config.Interval,
		Timeout:     cbm.config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// Open when failure rate exceeds 50% over at least 5 requests
			return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
		},
		OnStateChange: cbm.onChange,
	})

	cbm.breakers[modelID] = breaker
	return breaker
}

// Execute runs fn through the model's circuit breaker.
func (cbm *CircuitBreakerManager) Execute(modelID string, fn func() (any, error)) (any, error) {
	return cbm.GetBreaker(modelID).Execute(fn)
}

// IsOpen reports whether the model's breaker is currently open.
func (cbm *CircuitBreakerManager) IsOpen(modelID string) bool {
	return cbm.GetBreaker(modelID).State() == gobreaker.StateOpen
}
