package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestBreaker(threshold int, reset time.Duration, halfOpenMax int) (*CircuitBreaker, *time.Time) {
	b := NewCircuitBreaker(threshold, reset, halfOpenMax, zap.NewNop())
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute, 3)

	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, BreakerClosed, b.State())
	require.NoError(t, b.Allow())

	b.RecordFailure()
	assert.Equal(t, BreakerOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)
}

func TestBreaker_SuccessResetsFailureRun(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute, 3)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, BreakerClosed, b.State(), "run was broken by a success")
}

func TestBreaker_HalfOpenAdmitsLimitedTrials(t *testing.T) {
	b, now := newTestBreaker(1, time.Minute, 3)

	b.RecordFailure()
	require.Equal(t, BreakerOpen, b.State())

	// Cool-down not yet elapsed.
	*now = now.Add(30 * time.Second)
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)

	// After the cool-down, up to three trial sends are admitted.
	*now = now.Add(31 * time.Second)
	require.NoError(t, b.Allow())
	assert.Equal(t, BreakerHalfOpen, b.State())
	require.NoError(t, b.Allow())
	require.NoError(t, b.Allow())
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen, "fourth trial is rejected")
}

func TestBreaker_HalfOpenSuccessCloses(t *testing.T) {
	b, now := newTestBreaker(1, time.Minute, 3)

	b.RecordFailure()
	*now = now.Add(2 * time.Minute)
	require.NoError(t, b.Allow())

	b.RecordSuccess()
	assert.Equal(t, BreakerClosed, b.State())
	require.NoError(t, b.Allow())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, now := newTestBreaker(1, time.Minute, 3)

	b.RecordFailure()
	*now = now.Add(2 * time.Minute)
	require.NoError(t, b.Allow())

	b.RecordFailure()
	assert.Equal(t, BreakerOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen, "cool-down restarted")

	// The fresh cool-down runs from the reopen.
	*now = now.Add(61 * time.Second)
	require.NoError(t, b.Allow())
	assert.Equal(t, BreakerHalfOpen, b.State())
}
