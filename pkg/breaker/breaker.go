// Package breaker implements a sliding-window circuit breaker used to guard
// hardware-facing repair actions against rapid retry loops.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// CircuitBreaker tracks recent attempt timestamps inside a cooldown window.
// Once the window holds the configured maximum, further attempts are refused
// until enough old attempts age out or Reset is called.
type CircuitBreaker struct {
	maxAttempts int
	cooldown    time.Duration

	mu       sync.Mutex
	attempts []time.Time
}

// New constructs a CircuitBreaker.
func New(maxAttempts int, cooldown time.Duration) (*CircuitBreaker, error) {
	if maxAttempts <= 0 {
		return nil, errors.New("max attempts must be positive")
	}
	if cooldown <= 0 {
		return nil, errors.New("cooldown must be positive")
	}
	return &CircuitBreaker{maxAttempts: maxAttempts, cooldown: cooldown}, nil
}

// Allow reports whether a new attempt may proceed at the given instant. It
// does not record the attempt; call Record when the attempt actually starts.
func (b *CircuitBreaker) Allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prune(now)
	return len(b.attempts) < b.maxAttempts
}

// Record registers an attempt at the given instant.
func (b *CircuitBreaker) Record(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prune(now)
	b.attempts = append(b.attempts, now)
}

// Reset clears the attempt window, re-arming the breaker immediately.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts = nil
}

// Remaining returns how many attempts are still allowed at the given instant.
func (b *CircuitBreaker) Remaining(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prune(now)
	remaining := b.maxAttempts - len(b.attempts)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// prune drops attempts older than the cooldown window. Callers hold b.mu.
func (b *CircuitBreaker) prune(now time.Time) {
	cutoff := now.Add(-b.cooldown)
	kept := b.attempts[:0]
	for _, at := range b.attempts {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	b.attempts = kept
}
