package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"zmon/internal/models"
)

func setupStreamPublisher(t *testing.T, kinds ...Kind) (*Bus, *StreamPublisher, *miniredis.Miniredis, *redis.Client) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	bus := NewBus(zap.NewNop())
	t.Cleanup(bus.Close)

	pub := NewStreamPublisher(bus, client, "", zap.NewNop(), kinds...)
	return bus, pub, mr, client
}

func waitForStreamLen(t *testing.T, client *redis.Client, stream string, want int64) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		n, err := client.XLen(context.Background(), stream).Result()
		require.NoError(t, err)
		if n >= want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("stream %s never reached %d entries (have %d)", stream, want, n)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestStreamPublisher_MirrorsEvents(t *testing.T) {
	bus, pub, _, client := setupStreamPublisher(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = pub.Run(ctx)
	}()

	bus.Publish(Event{Kind: KindAlarmRaised, Alarm: &models.AlarmSnapshot{AlarmID: "a-1", AlarmType: "HR_HIGH"}})
	bus.Publish(Event{Kind: KindVitalsReceived, Vital: &models.VitalRecord{Type: models.VitalHR, Value: 80}})

	waitForStreamLen(t, client, DefaultStream, 2)

	msgs, err := client.XRange(context.Background(), DefaultStream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	assert.Equal(t, string(KindAlarmRaised), msgs[0].Values["kind"])

	var ev Event
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Values["data"].(string)), &ev))
	require.NotNil(t, ev.Alarm)
	assert.Equal(t, "HR_HIGH", ev.Alarm.AlarmType)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher did not stop on context cancel")
	}
}

func TestStreamPublisher_KindSubset(t *testing.T) {
	bus, pub, _, client := setupStreamPublisher(t, KindAlarmRaised, KindAlarmResolved)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = pub.Run(ctx) }()

	bus.Publish(Event{Kind: KindWaveformReceived, Waveform: &models.WaveformSample{}})
	bus.Publish(Event{Kind: KindAlarmRaised, Alarm: &models.AlarmSnapshot{AlarmID: "a-2"}})

	waitForStreamLen(t, client, DefaultStream, 1)

	// Give the mirror a beat to (incorrectly) write the waveform event.
	time.Sleep(50 * time.Millisecond)
	n, err := client.XLen(context.Background(), DefaultStream).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "only the alarm event should be mirrored")
}

func TestStreamPublisher_RedisDownDoesNotPropagate(t *testing.T) {
	bus, pub, mr, _ := setupStreamPublisher(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = pub.Run(ctx) }()

	mr.Close()

	// Publishing with the mirror target down must not panic or block.
	for i := 0; i < 10; i++ {
		bus.Publish(Event{Kind: KindVitalsReceived, Vital: &models.VitalRecord{Value: float64(i)}})
	}
	time.Sleep(50 * time.Millisecond)
}
