// Package sim generates physiologically plausible vitals and waveform
// samples for the simulated producer and the in-process simulated source.
package sim

import (
	"math"
	"math/rand"
)

// VitalsWalker produces a bounded random walk over the monitored vitals.
// Not safe for concurrent use; each source owns its walker.
type VitalsWalker struct {
	rnd     *rand.Rand
	HR      float64
	SPO2    float64
	RR      float64
	Quality int
}

// NewVitalsWalker seeds a walker at typical resting values.
func NewVitalsWalker(seed int64) *VitalsWalker {
	return &VitalsWalker{
		rnd:     rand.New(rand.NewSource(seed)),
		HR:      72,
		SPO2:    98,
		RR:      16,
		Quality: 95,
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Step advances the walk one tick and returns the new values.
func (w *VitalsWalker) Step() (hr, spo2, rr float64, quality int) {
	w.HR = clamp(w.HR+w.rnd.Float64()*2-1, 40, 180)
	w.SPO2 = clamp(w.SPO2+w.rnd.Float64()*0.6-0.3, 85, 100)
	w.RR = clamp(w.RR+w.rnd.Float64()*0.8-0.4, 6, 40)
	w.Quality = int(clamp(float64(w.Quality)+float64(w.rnd.Intn(5)-2), 70, 100))
	return w.HR, w.SPO2, w.RR, w.Quality
}

func gaussian(p, center, width float64) float64 {
	d := (p - center) / width
	return math.Exp(-d * d)
}

// ECGSample returns a synthetic Lead-II-like millivolt value at beat phase
// p in [0,1): P wave, QRS complex, T wave over a flat baseline.
func ECGSample(p float64) float64 {
	p = p - math.Floor(p)
	v := 0.15 * gaussian(p, 0.18, 0.025) // P
	v -= 0.12 * gaussian(p, 0.38, 0.008) // Q
	v += 1.20 * gaussian(p, 0.40, 0.010) // R
	v -= 0.25 * gaussian(p, 0.42, 0.008) // S
	v += 0.30 * gaussian(p, 0.62, 0.040) // T
	return v
}

// PlethSample returns a synthetic photoplethysmogram value at beat phase
// p in [0,1): systolic upstroke with a dicrotic notch on the decay.
func PlethSample(p float64) float64 {
	p = p - math.Floor(p)
	v := gaussian(p, 0.25, 0.12)
	v += 0.35 * gaussian(p, 0.55, 0.10)
	return v
}
