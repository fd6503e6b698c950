package orchestrator

import (
	"log"
	"sync"
	"time"

	"github.com/supportflow/supportflow/pkg/chat"
	"github.com/supportflow/supportflow/pkg/observability"
)

// Default breaker tuning for the orchestrator endpoint.
const (
	// DefaultFailureThreshold is how many consecutive failures open
	// the breaker.
	DefaultFailureThreshold = 5
	// DefaultResetTimeout is the cool-down before the next call is
	// attempted again.
	DefaultResetTimeout = 60 * time.Second
)

// Breaker is a two-state circuit breaker shared by all concurrent
// requests to one orchestrator endpoint.
//
// There is deliberately no half-open state: once the cool-down
// elapses, the breaker transitions straight back to closed and the
// next call runs through the normal path. A single success fully
// closes it; a failure reopens it and restarts the failure clock.
// Callers must not assume gradual traffic ramp-up.
type Breaker struct {
	maxFailures  int
	resetTimeout time.Duration

	mu              sync.Mutex
	failures        int
	open            bool
	lastFailureTime time.Time
}

// NewBreaker creates a breaker. Non-positive arguments fall back to
// the defaults.
func NewBreaker(maxFailures int, resetTimeout time.Duration) *Breaker {
	if maxFailures <= 0 {
		maxFailures = DefaultFailureThreshold
	}
	if resetTimeout <= 0 {
		resetTimeout = DefaultResetTimeout
	}
	return &Breaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
	}
}

// Execute runs fn through the breaker. When the breaker is open and
// the cool-down has not elapsed, it fails fast with
// chat.ErrOrchestratorUnavailable without invoking fn.
//
// The breaker lock is not held while fn runs; orchestrator calls can
// block for an unbounded duration and must not serialize each other.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.allow(); err != nil {
		return err
	}

	err := fn()
	b.record(err)
	return err
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.open {
		if time.Since(b.lastFailureTime) <= b.resetTimeout {
			return chat.ErrOrchestratorUnavailable
		}
		// Cool-down elapsed: close optimistically and let the call
		// through the normal path. The failure count stays where it is,
		// so one more failure reopens immediately while one success
		// clears it.
		log.Printf("circuit breaker reset timeout elapsed, attempting to close")
		b.open = false
		observability.SetBreakerOpen(false)
	}
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.failures = 0
		return
	}

	b.failures++
	b.lastFailureTime = time.Now()
	if b.failures >= b.maxFailures && !b.open {
		b.open = true
		observability.SetBreakerOpen(true)
		log.Printf("circuit breaker opened after %d consecutive failures", b.failures)
	}
}

// IsOpen reports whether the breaker is currently open.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
