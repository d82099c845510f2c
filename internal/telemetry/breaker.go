// Package telemetry guarantees that vitals and alarms eventually reach the
// central server: batching, seal (compress + sign), upload with retry and a
// circuit breaker, and a durable queue of unacknowledged batches.
package telemetry

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrCircuitOpen is returned when the breaker short-circuits a send
// without touching the network.
var ErrCircuitOpen = errors.New("circuit breaker open")

// BreakerState is exposed so the UI can show "telemetry degraded, data
// buffered locally" while the breaker is not closed.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// CircuitBreaker trips after a run of consecutive failures and
// short-circuits sends until a cool-down elapses, then admits a few trial
// requests before deciding to close or reopen.
type CircuitBreaker struct {
	failureThreshold int
	resetTimeout     time.Duration
	halfOpenMax      int
	logger           *zap.Logger

	mu       sync.Mutex
	state    BreakerState
	failures int // consecutive, in closed state
	admitted int // trial requests admitted while half-open
	openedAt time.Time
	now      func() time.Time
}

// NewCircuitBreaker builds a closed breaker.
func NewCircuitBreaker(failureThreshold int, resetTimeout time.Duration, halfOpenMax int, logger *zap.Logger) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if halfOpenMax <= 0 {
		halfOpenMax = 1
	}
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		halfOpenMax:      halfOpenMax,
		logger:           logger,
		state:            BreakerClosed,
		now:              time.Now,
	}
}

// Allow reports whether a send may proceed. ErrCircuitOpen means the
// caller must not attempt the network call.
func (b *CircuitBreaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.resetTimeout {
			return ErrCircuitOpen
		}
		b.transition(BreakerHalfOpen)
		b.admitted = 1
		return nil
	default: // half-open
		if b.admitted >= b.halfOpenMax {
			return ErrCircuitOpen
		}
		b.admitted++
		return nil
	}
}

// RecordSuccess resets the failure run; a half-open success closes the
// breaker.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state != BreakerClosed {
		b.transition(BreakerClosed)
	}
}

// RecordFailure counts one failed send; at the threshold the breaker
// opens, and any half-open failure reopens it.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerHalfOpen:
		b.openedAt = b.now()
		b.transition(BreakerOpen)
	case BreakerClosed:
		b.failures++
		if b.failures >= b.failureThreshold {
			b.openedAt = b.now()
			b.transition(BreakerOpen)
		}
	}
}

// State returns the current breaker state.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *CircuitBreaker) transition(to BreakerState) {
	from := b.state
	b.state = to
	b.failures = 0
	if to != BreakerHalfOpen {
		b.admitted = 0
	}
	log := b.logger.Info
	if to == BreakerOpen {
		log = b.logger.Warn
	}
	log("circuit breaker state change",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
}
