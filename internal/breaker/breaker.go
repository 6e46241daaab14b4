// Package breaker implements a circuit breaker around external LLM
// providers.
//
// Each provider has its own circuit with three states:
//
//   - Closed: normal operation, requests allowed, consecutive failures counted
//   - Open: too many failures, all requests rejected until the cooldown elapses
//   - Half-Open: one trial request allowed to test recovery
//
// State transitions:
//   - Closed -> Open: after N consecutive failures (FailureThreshold)
//   - Open -> Half-Open: after the cooldown (Cooldown)
//   - Half-Open -> Closed: trial request succeeds
//   - Half-Open -> Open: trial request fails
package breaker

import (
	"fmt"
	"sync"
	"time"
)

// State represents the current state of a circuit.
type State int

const (
	// StateClosed means normal operation, requests allowed.
	StateClosed State = iota

	// StateOpen means requests are rejected immediately.
	StateOpen

	// StateHalfOpen means the circuit is testing recovery.
	StateHalfOpen
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker tuning.
type Config struct {
	// FailureThreshold is the number of consecutive failures before the
	// circuit opens. Default: 5.
	FailureThreshold int

	// Cooldown is how long an open circuit rejects requests before
	// transitioning to half-open. Default: 60 seconds.
	Cooldown time.Duration

	// HalfOpenMaxRequests is the number of trial requests admitted in
	// half-open state. Default: 1.
	HalfOpenMaxRequests int
}

// DefaultConfig returns the default breaker tuning.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:    5,
		Cooldown:            60 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}

// circuit tracks breaker state for a single key.
type circuit struct {
	state         State
	failures      int
	openedAt      time.Time
	halfOpenTests int
	lastFailure   time.Time
}

// Breaker manages circuits for multiple keys (provider names).
// All methods are safe for concurrent use.
type Breaker struct {
	config   Config
	mu       sync.Mutex
	circuits map[string]*circuit

	// now is replaceable in tests.
	now func() time.Time
}

// New creates a Breaker with the given configuration. Zero-valued config
// fields fall back to defaults.
func New(config Config) *Breaker {
	defaults := DefaultConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = defaults.Cooldown
	}
	if config.HalfOpenMaxRequests <= 0 {
		config.HalfOpenMaxRequests = defaults.HalfOpenMaxRequests
	}
	return &Breaker{
		config:   config,
		circuits: make(map[string]*circuit),
		now:      time.Now,
	}
}

// Allow checks whether a request for the key may proceed. It returns nil
// when the request is admitted, or an *OpenError when the circuit is open.
// An open circuit whose cooldown has elapsed transitions to half-open and
// admits the trial request.
func (b *Breaker) Allow(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.getOrCreate(key)

	switch c.state {
	case StateClosed:
		return nil

	case StateOpen:
		if b.now().Sub(c.openedAt) >= b.config.Cooldown {
			c.state = StateHalfOpen
			c.halfOpenTests = 1
			return nil
		}
		return &OpenError{
			Key:        key,
			OpenedAt:   c.openedAt,
			RetryAfter: c.openedAt.Add(b.config.Cooldown),
		}

	case StateHalfOpen:
		if c.halfOpenTests < b.config.HalfOpenMaxRequests {
			c.halfOpenTests++
			return nil
		}
		return &OpenError{
			Key:        key,
			OpenedAt:   c.openedAt,
			RetryAfter: c.openedAt.Add(b.config.Cooldown),
		}

	default:
		return nil
	}
}

// RecordSuccess records a successful request. A success in half-open state
// fully closes the circuit.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.getOrCreate(key)
	c.state = StateClosed
	c.failures = 0
	c.halfOpenTests = 0
}

// RecordFailure records a failed request, opening the circuit when the
// consecutive-failure threshold is reached or when a half-open trial fails.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.getOrCreate(key)
	c.lastFailure = b.now()

	switch c.state {
	case StateClosed:
		c.failures++
		if c.failures >= b.config.FailureThreshold {
			c.state = StateOpen
			c.openedAt = b.now()
		}
	case StateHalfOpen:
		c.state = StateOpen
		c.openedAt = b.now()
		c.failures = b.config.FailureThreshold
		c.halfOpenTests = 0
	case StateOpen:
		// Already open; counter stays at threshold.
	}
}

// CurrentState returns the effective state for the key, accounting for an
// elapsed cooldown on open circuits.
func (b *Breaker) CurrentState(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return StateClosed
	}
	if c.state == StateOpen && b.now().Sub(c.openedAt) >= b.config.Cooldown {
		return StateHalfOpen
	}
	return c.state
}

// Reset returns the circuit for the key to closed state.
func (b *Breaker) Reset(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.circuits[key]; ok {
		c.state = StateClosed
		c.failures = 0
		c.halfOpenTests = 0
	}
}

func (b *Breaker) getOrCreate(key string) *circuit {
	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{state: StateClosed}
		b.circuits[key] = c
	}
	return c
}

// OpenError is returned when a circuit is open and requests are rejected.
type OpenError struct {
	Key        string
	OpenedAt   time.Time
	RetryAfter time.Time
}

// Error implements the error interface.
func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit open for %s (opened at %s, retry after %s)",
		e.Key, e.OpenedAt.Format(time.RFC3339), e.RetryAfter.Format(time.RFC3339))
}
