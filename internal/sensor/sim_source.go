package sensor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"zmon/internal/config"
	"zmon/internal/events"
	"zmon/internal/models"
	"zmon/internal/sim"
)

// SimSource emits simulated vitals and waveforms straight onto the bus,
// with no shared memory involved. Used for demos and tests.
type SimSource struct {
	cfg    *config.Config
	bus    *events.Bus
	logger *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	active atomic.Bool
}

var _ Source = (*SimSource)(nil)

// NewSimSource creates a simulated source driven by the Sim config section.
func NewSimSource(cfg *config.Config, bus *events.Bus, logger *zap.Logger) *SimSource {
	return &SimSource{
		cfg:    cfg,
		bus:    bus,
		logger: logger,
	}
}

// Start launches the generator loop.
func (s *SimSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active.Load() {
		return errors.New("source already started")
	}
	if s.cfg.Sim.VitalsRateHz <= 0 || s.cfg.Sim.WaveformRateHz <= 0 || s.cfg.Sim.SamplesPerFrame <= 0 {
		return fmt.Errorf("invalid simulator rates: vitals %d Hz, waveform %d Hz, %d samples/burst",
			s.cfg.Sim.VitalsRateHz, s.cfg.Sim.WaveformRateHz, s.cfg.Sim.SamplesPerFrame)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.active.Store(true)

	go s.run(runCtx)

	s.logger.Info("simulated source started",
		zap.Int("vitals_rate_hz", s.cfg.Sim.VitalsRateHz),
		zap.Int("waveform_rate_hz", s.cfg.Sim.WaveformRateHz),
	)
	return nil
}

// Stop halts the generator and waits for it to exit.
func (s *SimSource) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

// Active reports whether the generator loop is running.
func (s *SimSource) Active() bool {
	return s.active.Load()
}

// Done is closed once the generator loop has exited.
func (s *SimSource) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Info describes the source.
func (s *SimSource) Info() SourceInfo {
	return SourceInfo{
		Name:      "simulated sensor",
		Kind:      "sim",
		Connected: s.active.Load(),
	}
}

func (s *SimSource) run(ctx context.Context) {
	defer func() {
		s.active.Store(false)
		close(s.done)
	}()

	walker := sim.NewVitalsWalker(time.Now().UnixNano())
	burstLen := s.cfg.Sim.SamplesPerFrame
	rate := s.cfg.Sim.WaveformRateHz

	vitalsTicker := time.NewTicker(time.Second / time.Duration(s.cfg.Sim.VitalsRateHz))
	defer vitalsTicker.Stop()
	burstTicker := time.NewTicker(time.Duration(burstLen) * time.Second / time.Duration(rate))
	defer burstTicker.Stop()

	var beatPhase float64
	for {
		select {
		case <-ctx.Done():
			return
		case <-vitalsTicker.C:
			hr, spo2, rr, quality := walker.Step()
			now := time.Now()
			ts := now.UnixMilli()
			for _, rec := range []models.VitalRecord{
				{Type: models.VitalHR, Value: hr},
				{Type: models.VitalSPO2, Value: spo2},
				{Type: models.VitalRR, Value: rr},
			} {
				rec.Timestamp = ts
				rec.Quality = quality
				rec.PatientID = s.cfg.Sensor.PatientID
				rec.DeviceID = s.cfg.Sensor.DeviceID
				r := rec
				s.bus.Publish(events.Event{
					Kind:      events.KindVitalsReceived,
					Timestamp: now,
					Vital:     &r,
				})
			}
		case <-burstTicker.C:
			now := time.Now()
			startMs := now.UnixMilli()
			beatHz := walker.HR / 60
			for i := 0; i < burstLen; i++ {
				p := beatPhase + float64(i)/float64(rate)*beatHz
				ts := startMs + int64(i)*1000/int64(rate)
				for _, sample := range []models.WaveformSample{
					{Channel: models.ChannelECG, Value: sim.ECGSample(p)},
					{Channel: models.ChannelPleth, Value: sim.PlethSample(p)},
				} {
					sample.Timestamp = ts
					sample.SampleRate = rate
					w := sample
					s.bus.Publish(events.Event{
						Kind:      events.KindWaveformReceived,
						Timestamp: now,
						Waveform:  &w,
					})
				}
			}
			beatPhase += float64(burstLen) / float64(rate) * beatHz
		}
	}
}
