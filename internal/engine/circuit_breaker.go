package engine

import (
	"sync"
	"time"

	"github.com/rendis/ensemble/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, rejecting calls
	CircuitHalfOpen                     // Testing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures the circuit breaker behavior.
// A zero FailureThreshold disables breaking.
type CircuitBreakerConfig struct {
	FailureThreshold int
	Cooldown         time.Duration
	HalfOpenMax      int
}

// DefaultCircuitBreakerConfig returns the configuration used by the CLI.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

type circuitBreaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailureTime     time.Time
	halfOpenAttempts    int
}

// CircuitBreakerRegistry keeps one breaker per agent name.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*circuitBreaker
	config   CircuitBreakerConfig
	now      func() time.Time
}

// NewCircuitBreakerRegistry creates a new registry with the given config.
func NewCircuitBreakerRegistry(config CircuitBreakerConfig) *CircuitBreakerRegistry {
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*circuitBreaker),
		config:   config,
		now:      time.Now,
	}
}

// AllowRequest returns nil when a call to agent may proceed, or a CIRCUIT_OPEN error.
func (r *CircuitBreakerRegistry) AllowRequest(agent string) error {
	if r == nil || r.config.FailureThreshold <= 0 {
		return nil
	}
	cb := r.getOrCreate(agent)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		elapsed := r.now().Sub(cb.lastFailureTime)
		if elapsed >= r.config.Cooldown {
			cb.state = CircuitHalfOpen
			cb.halfOpenAttempts = 1
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit breaker open for agent %q after %d consecutive failures", agent, cb.consecutiveFailures).
			WithDetails(map[string]any{
				"agent":                agent,
				"consecutive_failures": cb.consecutiveFailures,
				"cooldown_remaining":   (r.config.Cooldown - elapsed).String(),
			})

	case CircuitHalfOpen:
		if cb.halfOpenAttempts >= r.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit breaker half-open for agent %q: max test requests reached", agent)
		}
		cb.halfOpenAttempts++
	}
	return nil
}

// RecordSuccess closes the agent's circuit.
func (r *CircuitBreakerRegistry) RecordSuccess(agent string) {
	if r == nil || r.config.FailureThreshold <= 0 {
		return
	}
	cb := r.getOrCreate(agent)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	cb.halfOpenAttempts = 0
	cb.state = CircuitClosed
}

// RecordFailure counts a failure and returns the resulting state.
func (r *CircuitBreakerRegistry) RecordFailure(agent string) CircuitState {
	if r == nil || r.config.FailureThreshold <= 0 {
		return CircuitClosed
	}
	cb := r.getOrCreate(agent)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.lastFailureTime = r.now()

	// Any failure while half-open reopens the circuit.
	if cb.state == CircuitHalfOpen || cb.consecutiveFailures >= r.config.FailureThreshold {
		cb.state = CircuitOpen
	}
	return cb.state
}

// GetState returns the current state of the agent's circuit.
func (r *CircuitBreakerRegistry) GetState(agent string) CircuitState {
	cb := r.getOrCreate(agent)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && r.now().Sub(cb.lastFailureTime) >= r.config.Cooldown {
		cb.state = CircuitHalfOpen
		cb.halfOpenAttempts = 0
	}
	return cb.state
}

// GetStats returns diagnostic information about an agent's breaker.
func (r *CircuitBreakerRegistry) GetStats(agent string) map[string]any {
	cb := r.getOrCreate(agent)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return map[string]any{
		"agent":                agent,
		"state":                cb.state.String(),
		"consecutive_failures": cb.consecutiveFailures,
		"failure_threshold":    r.config.FailureThreshold,
		"cooldown":             r.config.Cooldown.String(),
	}
}

func (r *CircuitBreakerRegistry) getOrCreate(agent string) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[agent]
	if !ok {
		cb = &circuitBreaker{state: CircuitClosed}
		r.breakers[agent] = cb
	}
	return cb
}
