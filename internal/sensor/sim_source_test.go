package sensor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"zmon/internal/config"
	"zmon/internal/events"
	"zmon/internal/models"
)

func simTestConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Sensor.PatientID = "patient-1"
	cfg.Sensor.DeviceID = "sim-1"
	cfg.Sim.VitalsRateHz = 200
	cfg.Sim.WaveformRateHz = 500
	cfg.Sim.SamplesPerFrame = 5
	return cfg
}

func TestSimSource_EmitsBothKinds(t *testing.T) {
	bus := events.NewBus(zap.NewNop())
	defer bus.Close()
	sub := bus.Subscribe(1024)
	defer bus.Unsubscribe(sub)

	src := NewSimSource(simTestConfig(), bus, zap.NewNop())
	require.NoError(t, src.Start(context.Background()))
	assert.True(t, src.Active())

	got := collectEvents(t, sub, 60, 3*time.Second)
	require.NoError(t, src.Stop())
	assert.False(t, src.Active())

	var sawVitals, sawWaveform bool
	for _, ev := range got {
		switch ev.Kind {
		case events.KindVitalsReceived:
			sawVitals = true
			require.NotNil(t, ev.Vital)
			assert.Equal(t, "patient-1", ev.Vital.PatientID)
			assert.Equal(t, "sim-1", ev.Vital.DeviceID)
			switch ev.Vital.Type {
			case models.VitalHR:
				assert.InDelta(t, 110, ev.Vital.Value, 70) // 40..180
			case models.VitalSPO2:
				assert.InDelta(t, 92.5, ev.Vital.Value, 7.5) // 85..100
			case models.VitalRR:
				assert.InDelta(t, 23, ev.Vital.Value, 17) // 6..40
			}
		case events.KindWaveformReceived:
			sawWaveform = true
			require.NotNil(t, ev.Waveform)
			assert.Contains(t, []string{models.ChannelECG, models.ChannelPleth}, ev.Waveform.Channel)
			assert.Equal(t, 500, ev.Waveform.SampleRate)
		default:
			t.Fatalf("unexpected event kind %s", ev.Kind)
		}
	}
	assert.True(t, sawVitals)
	assert.True(t, sawWaveform)
}

func TestSimSource_DoubleStartRejected(t *testing.T) {
	bus := events.NewBus(zap.NewNop())
	defer bus.Close()

	src := NewSimSource(simTestConfig(), bus, zap.NewNop())
	require.NoError(t, src.Start(context.Background()))
	defer src.Stop()

	assert.Error(t, src.Start(context.Background()))
}

func TestSimSource_RejectsInvalidRates(t *testing.T) {
	cfg := simTestConfig()
	cfg.Sim.VitalsRateHz = 0

	bus := events.NewBus(zap.NewNop())
	defer bus.Close()

	src := NewSimSource(cfg, bus, zap.NewNop())
	assert.Error(t, src.Start(context.Background()))
}

func TestSimSource_StopIsIdempotent(t *testing.T) {
	bus := events.NewBus(zap.NewNop())
	defer bus.Close()

	src := NewSimSource(simTestConfig(), bus, zap.NewNop())
	assert.NoError(t, src.Stop()) // before start

	require.NoError(t, src.Start(context.Background()))
	assert.NoError(t, src.Stop())
	assert.NoError(t, src.Stop())
}
