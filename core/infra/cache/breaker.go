package cache

import (
	"sync"
	"time"
)

const (
	circuitOpenFor     = 30 * time.Second
	circuitFailBudget  = 3
	circuitHalfOpenMax = 3
	circuitCloseAfter  = 2
)

type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

func (s circuitState) String() string {
	switch s {
	case circuitOpen:
		return "open"
	case circuitHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// breaker stops calling the cache after repeated failures and probes it again
// with a few requests once the open period ends.
type breaker struct {
	mu              sync.Mutex
	state           circuitState
	failures        int
	successes       int
	openUntil       time.Time
	halfOpenAllowed int
	now             func() time.Time
}

func newBreaker() *breaker {
	return &breaker{now: time.Now}
}

// allow reports whether a request may be attempted.
func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == circuitOpen && b.openUntil.Before(b.now()) {
		b.state = circuitHalfOpen
		b.successes = 0
		b.halfOpenAllowed = circuitHalfOpenMax
	}
	switch b.state {
	case circuitOpen:
		return false
	case circuitHalfOpen:
		if b.halfOpenAllowed == 0 {
			return false
		}
		b.halfOpenAllowed--
	}
	return true
}

// failure records a failed call and returns true when it opened the circuit.
func (b *breaker) failure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case circuitClosed:
		b.failures++
		if b.failures < circuitFailBudget {
			return false
		}
	case circuitOpen:
		return false
	}
	b.state = circuitOpen
	b.openUntil = b.now().Add(circuitOpenFor)
	b.failures = 0
	return true
}

func (b *breaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case circuitHalfOpen:
		b.successes++
		if b.successes >= circuitCloseAfter {
			b.state = circuitClosed
			b.successes = 0
			b.halfOpenAllowed = 0
		}
	default:
		b.failures = 0
	}
}

func (b *breaker) current() circuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
