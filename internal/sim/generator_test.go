package sim

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVitalsWalker_StaysInBounds(t *testing.T) {
	w := NewVitalsWalker(42)
	for i := 0; i < 10000; i++ {
		hr, spo2, rr, quality := w.Step()
		assert.GreaterOrEqual(t, hr, 40.0)
		assert.LessOrEqual(t, hr, 180.0)
		assert.GreaterOrEqual(t, spo2, 85.0)
		assert.LessOrEqual(t, spo2, 100.0)
		assert.GreaterOrEqual(t, rr, 6.0)
		assert.LessOrEqual(t, rr, 40.0)
		assert.GreaterOrEqual(t, quality, 70)
		assert.LessOrEqual(t, quality, 100)
	}
}

func TestVitalsWalker_DeterministicForSeed(t *testing.T) {
	a, b := NewVitalsWalker(7), NewVitalsWalker(7)
	for i := 0; i < 100; i++ {
		ahr, aspo2, arr, aq := a.Step()
		bhr, bspo2, brr, bq := b.Step()
		assert.Equal(t, ahr, bhr)
		assert.Equal(t, aspo2, bspo2)
		assert.Equal(t, arr, brr)
		assert.Equal(t, aq, bq)
	}
}

func TestECGSample_RPeakDominates(t *testing.T) {
	peak, peakPhase := 0.0, 0.0
	for p := 0.0; p < 1.0; p += 0.001 {
		if v := ECGSample(p); v > peak {
			peak, peakPhase = v, p
		}
	}
	assert.InDelta(t, 0.40, peakPhase, 0.02)
	assert.Greater(t, peak, 1.0)

	// Baseline between beats is flat.
	assert.InDelta(t, 0.0, ECGSample(0.95), 0.01)
}

func TestPlethSample_Shape(t *testing.T) {
	for p := 0.0; p < 2.0; p += 0.01 {
		v := PlethSample(p)
		assert.GreaterOrEqual(t, v, 0.0)
		assert.LessOrEqual(t, v, 1.5)
	}
	// Systolic peak beats the dicrotic bump.
	assert.Greater(t, PlethSample(0.25), PlethSample(0.55))
}
