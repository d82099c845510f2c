package sensor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"zmon/internal/config"
	"zmon/internal/events"
	"zmon/internal/models"
)

// The broker-facing lifecycle needs a live MQTT session; these tests cover
// the message path, which is where the parsing decisions live.

func newGatewayForTest(t *testing.T) (*GatewaySource, *events.Subscription) {
	t.Helper()

	cfg := &config.Config{}
	cfg.Sensor.PatientID = "patient-1"
	cfg.MQTT.VitalsTopic = "zmon/+/vitals"

	bus := events.NewBus(zap.NewNop())
	t.Cleanup(bus.Close)
	sub := bus.Subscribe(16, events.KindVitalsReceived)

	return NewGatewaySource(cfg, nil, bus, zap.NewNop()), sub
}

func TestGatewaySource_HandleMessage(t *testing.T) {
	src, sub := newGatewayForTest(t)

	err := src.handleMessage("zmon/bed-7/vitals", []byte(`{"hr":70,"spo2":97,"rr":14,"signal_quality":88}`))
	require.NoError(t, err)

	got := collectEvents(t, sub, 3, time.Second)
	for _, ev := range got {
		require.NotNil(t, ev.Vital)
		assert.Equal(t, "bed-7", ev.Vital.DeviceID)
		assert.Equal(t, "patient-1", ev.Vital.PatientID)
		assert.Equal(t, 88, ev.Vital.Quality)
	}
	assert.Equal(t, models.VitalHR, got[0].Vital.Type)
}

func TestGatewaySource_RejectsBadTopic(t *testing.T) {
	src, sub := newGatewayForTest(t)

	err := src.handleMessage("zmon/vitals", []byte(`{"hr":70}`))
	assert.Error(t, err)

	select {
	case ev := <-sub.C:
		t.Fatalf("unexpected event %s", ev.Kind)
	default:
	}
}

func TestGatewaySource_RejectsBadPayload(t *testing.T) {
	src, sub := newGatewayForTest(t)

	err := src.handleMessage("zmon/bed-7/vitals", []byte(`not json`))
	assert.Error(t, err)

	select {
	case ev := <-sub.C:
		t.Fatalf("unexpected event %s", ev.Kind)
	default:
	}
}

func TestGatewaySource_Info(t *testing.T) {
	src, _ := newGatewayForTest(t)
	info := src.Info()
	assert.Equal(t, "mqtt", info.Kind)
	assert.False(t, info.Connected)
}
