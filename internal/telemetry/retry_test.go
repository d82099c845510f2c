package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicy_ExponentialGrowthWithJitter(t *testing.T) {
	p := DefaultRetryPolicy()

	bounds := []struct {
		attempt  int
		min, max time.Duration
	}{
		{1, 75 * time.Millisecond, 125 * time.Millisecond},
		{2, 150 * time.Millisecond, 250 * time.Millisecond},
		{3, 300 * time.Millisecond, 500 * time.Millisecond},
	}
	for _, b := range bounds {
		for i := 0; i < 100; i++ {
			d := p.Delay(b.attempt)
			assert.GreaterOrEqual(t, d, b.min, "attempt %d", b.attempt)
			assert.LessOrEqual(t, d, b.max, "attempt %d", b.attempt)
		}
	}
}

func TestRetryPolicy_CapsAtMaxDelay(t *testing.T) {
	p := DefaultRetryPolicy()
	for i := 0; i < 100; i++ {
		d := p.Delay(20)
		assert.GreaterOrEqual(t, d, 3750*time.Millisecond)
		assert.LessOrEqual(t, d, 6250*time.Millisecond)
	}
}

func TestRetryPolicy_JitterVaries(t *testing.T) {
	p := DefaultRetryPolicy()
	seen := make(map[time.Duration]struct{})
	for i := 0; i < 50; i++ {
		seen[p.Delay(1)] = struct{}{}
	}
	assert.Greater(t, len(seen), 1, "delays are jittered, not constant")
}

func TestRetryPolicy_ClampsBadAttempt(t *testing.T) {
	p := DefaultRetryPolicy()
	d := p.Delay(0)
	assert.GreaterOrEqual(t, d, 75*time.Millisecond)
	assert.LessOrEqual(t, d, 125*time.Millisecond)
}
