package telemetry

import (
	"math"
	"math/rand"
	"time"
)

// RetryPolicy controls backoff between upload attempts for retryable
// failures. Non-retryable failures never consume this budget.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Factor      float64
}

// DefaultRetryPolicy matches the telemetry protocol defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Factor:      2.0,
	}
}

// Delay returns the wait before the given retry (attempt is 1-based, the
// delay after the attempt-th failure): base·factor^(attempt-1) capped at
// MaxDelay, with ±25% jitter so a fleet of devices does not retry in
// lockstep.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BaseDelay) * math.Pow(p.Factor, float64(attempt-1))
	if limit := float64(p.MaxDelay); d > limit {
		d = limit
	}
	d *= 0.75 + 0.5*rand.Float64()
	return time.Duration(d)
}
