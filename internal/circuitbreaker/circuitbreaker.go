// Package circuitbreaker implements the three-state (closed/open/half-open)
// breaker from spec §4.3. Hand-rolled per the teacher's house style — the
// teacher never reaches for a resilience library for its own primitives
// (internal/homeassistant.Retry is hand-written too), so no sony/gobreaker
// or similar is introduced here even though third-party breakers exist in
// the wider ecosystem (Design Note 9).
package circuitbreaker

import (
	"sync"
	"time"
)

// State is one of the three breaker states.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

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

// Defaults per spec §4.3.
const (
	DefaultThreshold = 10
	DefaultCooldown  = 5 * time.Minute
)

// Breaker is a single-counter, single-timestamp circuit breaker. The zero
// value is not usable; construct with New.
type Breaker struct {
	threshold int
	cooldown  time.Duration

	mu            sync.Mutex
	state         State
	failureCount  int
	openedAt      time.Time
	halfOpenTrial bool
	now           func() time.Time
}

// New creates a Breaker with the given failure threshold and cooldown. A
// threshold <= 0 defaults to DefaultThreshold; a cooldown <= 0 defaults to
// DefaultCooldown.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		state:     StateClosed,
		now:       time.Now,
	}
}

// IsOpen reports whether calls should currently be blocked. As a side
// effect, if the breaker is open and the cooldown has elapsed, it
// transitions to half-open and permits the next caller through as a trial
// (spec §4.3: "the next caller observation transitions to half-open").
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.isOpenLocked()
}

func (b *Breaker) isOpenLocked() bool {
	switch b.state {
	case StateClosed:
		return false
	case StateHalfOpen:
		// A trial call is already outstanding, or none has been issued yet;
		// either way, a half-open breaker is not "open" to the one caller
		// permitted to try — callers coordinate the single trial externally
		// (e.g. via the poll/report async lock) so this method never hands
		// out more than one implicit trial before the result is recorded.
		return false
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.cooldown {
			b.state = StateHalfOpen
			b.halfOpenTrial = true
			return false
		}
		return true
	default:
		return false
	}
}

// GetCooldownRemaining returns how long until an open breaker allows a
// trial call, or 0 if the breaker is not open or the cooldown has elapsed.
func (b *Breaker) GetCooldownRemaining() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return 0
	}
	remaining := b.cooldown - b.now().Sub(b.openedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// GetFailureCount returns the current consecutive-failure counter.
func (b *Breaker) GetFailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// RecordSuccess resets the breaker. In half-open state, a success closes the
// breaker (spec §4.3: "success → closed (count 0)").
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failureCount = 0
	b.halfOpenTrial = false
}

// RecordFailure increments the failure counter and trips the breaker open if
// the threshold is reached, or re-opens immediately from half-open. Returns
// true if this call caused a transition into the open state.
func (b *Breaker) RecordFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.state = StateOpen
		b.openedAt = b.now()
		b.halfOpenTrial = false
		return true
	}

	b.failureCount++
	if b.state == StateClosed && b.failureCount >= b.threshold {
		b.state = StateOpen
		b.openedAt = b.now()
		return true
	}
	return false
}
