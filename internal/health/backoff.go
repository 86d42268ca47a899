package health

import (
	"sync"
	"time"
)

// Backoff tracks the reconnect delay for the upstream event source
// (SPEC_FULL.md §C.4: starts at 100ms, doubles on every failed attempt,
// capped at 60s).
type Backoff struct {
	mu      sync.Mutex
	initial time.Duration
	max     time.Duration
	current time.Duration
	nextAt  time.Time
}

// NewBackoff builds a Backoff starting at initial and capped at max.
func NewBackoff(initial, max time.Duration) *Backoff {
	return &Backoff{initial: initial, max: max, current: initial}
}

// Advance doubles the current delay (capped at max) and records the
// resulting retry deadline.
func (b *Backoff) Advance() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextAt = time.Now().Add(b.current)
	delay := b.current
	b.current *= 2
	if b.current > b.max {
		b.current = b.max
	}
	return delay
}

// Reset returns the delay to its initial value, called on successful
// reconnection.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = b.initial
	b.nextAt = time.Time{}
}

// NextRetryAt reports when the most recently advanced attempt is due.
func (b *Backoff) NextRetryAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextAt
}
