package sensor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"zmon/internal/config"
	"zmon/internal/events"
	"zmon/internal/models"
	"zmon/internal/shmring"
)

type shmHarness struct {
	cfg    *config.Config
	writer *shmring.Writer
	server *shmring.ControlServer
	bus    *events.Bus
	source *ShmSource
}

func newShmHarness(t *testing.T, stallTimeout time.Duration) *shmHarness {
	t.Helper()

	const frameSize, frameCount = 256, 64
	seg, err := shmring.CreateSegment(shmring.SegmentSize(frameSize, frameCount))
	require.NoError(t, err)
	t.Cleanup(func() { seg.Close() })

	writer, err := shmring.NewWriter(seg.Mem, frameSize, frameCount)
	require.NoError(t, err)

	sock := filepath.Join(t.TempDir(), "sensor.sock")
	server := shmring.NewControlServer(sock, seg, zap.NewNop())
	require.NoError(t, server.Start())
	t.Cleanup(func() { server.Stop() })

	cfg := &config.Config{}
	cfg.Sensor.SocketPath = sock
	cfg.Sensor.StallTimeout = stallTimeout
	cfg.Sensor.PollInterval = 2 * time.Millisecond
	cfg.Sensor.MaxFramesPerPoll = 10
	cfg.Sensor.PatientID = "patient-1"
	cfg.Sensor.DeviceID = "dev-1"

	bus := events.NewBus(zap.NewNop())
	t.Cleanup(bus.Close)

	return &shmHarness{
		cfg:    cfg,
		writer: writer,
		server: server,
		bus:    bus,
		source: NewShmSource(cfg, bus, zap.NewNop()),
	}
}

func collectEvents(t *testing.T, sub *events.Subscription, n int, timeout time.Duration) []events.Event {
	t.Helper()
	got := make([]events.Event, 0, n)
	deadline := time.After(timeout)
	for len(got) < n {
		select {
		case ev := <-sub.C:
			got = append(got, ev)
		case <-deadline:
			t.Fatalf("timed out with %d of %d events", len(got), n)
		}
	}
	return got
}

func TestShmSource_DeliversFrames(t *testing.T) {
	h := newShmHarness(t, time.Second)
	sub := h.bus.Subscribe(64, events.KindVitalsReceived, events.KindWaveformReceived)
	defer h.bus.Unsubscribe(sub)

	require.NoError(t, h.source.Start(context.Background()))
	defer h.source.Stop()
	assert.True(t, h.source.Active())
	assert.Equal(t, SourceInfo{Name: "shared-memory ring", Kind: "shm", Connected: true}, h.source.Info())

	require.NoError(t, h.writer.WriteFrame(shmring.FrameVitals, 1000,
		[]byte(`{"hr":72,"spo2":98,"rr":16,"signal_quality":90}`)))
	require.NoError(t, h.writer.WriteFrame(shmring.FrameWaveform, 2000,
		[]byte(`{"channel":"ECG_LEAD_II","sample_rate":250,"start_timestamp_ms":2000,"values":[0.1,0.2]}`)))

	got := collectEvents(t, sub, 5, 2*time.Second)

	vitals := map[models.VitalType]float64{}
	for _, ev := range got[:3] {
		require.Equal(t, events.KindVitalsReceived, ev.Kind)
		require.NotNil(t, ev.Vital)
		vitals[ev.Vital.Type] = ev.Vital.Value
		assert.Equal(t, int64(1000), ev.Vital.Timestamp)
		assert.Equal(t, 90, ev.Vital.Quality)
		assert.Equal(t, "patient-1", ev.Vital.PatientID)
		assert.Equal(t, "dev-1", ev.Vital.DeviceID)
	}
	assert.Equal(t, map[models.VitalType]float64{
		models.VitalHR:   72,
		models.VitalSPO2: 98,
		models.VitalRR:   16,
	}, vitals)

	for i, ev := range got[3:] {
		require.Equal(t, events.KindWaveformReceived, ev.Kind)
		require.NotNil(t, ev.Waveform)
		assert.Equal(t, models.ChannelECG, ev.Waveform.Channel)
		assert.Equal(t, int64(2000+4*i), ev.Waveform.Timestamp)
	}

	require.NoError(t, h.source.Stop())
	assert.False(t, h.source.Active())
}

func TestShmSource_SkipsMalformedFrames(t *testing.T) {
	h := newShmHarness(t, time.Second)
	sub := h.bus.Subscribe(16, events.KindVitalsReceived)
	defer h.bus.Unsubscribe(sub)

	require.NoError(t, h.source.Start(context.Background()))
	defer h.source.Stop()

	require.NoError(t, h.writer.WriteFrame(shmring.FrameVitals, 1, []byte(`not json`)))
	require.NoError(t, h.writer.WriteFrame(shmring.FrameVitals, 2, []byte(`{"hr":64}`)))

	got := collectEvents(t, sub, 1, 2*time.Second)
	assert.Equal(t, 64.0, got[0].Vital.Value)
}

func TestShmSource_StallAndRecovery(t *testing.T) {
	h := newShmHarness(t, 120*time.Millisecond)
	sub := h.bus.Subscribe(8, events.KindConnectivityLost, events.KindConnectivityRestored)
	defer h.bus.Unsubscribe(sub)

	require.NoError(t, h.source.Start(context.Background()))
	defer h.source.Stop()

	// No heartbeat updates: the watchdog must declare a stall.
	lost := collectEvents(t, sub, 1, 2*time.Second)[0]
	assert.Equal(t, events.KindConnectivityLost, lost.Kind)
	assert.Equal(t, "producer heartbeat stalled", lost.Reason)

	// Heartbeat resumes before the detach grace expires.
	h.writer.UpdateHeartbeat(uint64(time.Now().UnixMilli()))
	restored := collectEvents(t, sub, 1, 2*time.Second)[0]
	assert.Equal(t, events.KindConnectivityRestored, restored.Kind)
	assert.True(t, h.source.Active())
}

func TestShmSource_DetachesOnPersistentStall(t *testing.T) {
	h := newShmHarness(t, 50*time.Millisecond)
	sub := h.bus.Subscribe(8, events.KindConnectivityLost, events.KindConnectivityRestored)
	defer h.bus.Unsubscribe(sub)

	require.NoError(t, h.source.Start(context.Background()))

	select {
	case <-h.source.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("source did not detach")
	}
	assert.False(t, h.source.Active())

	// Exactly one lost event for the whole outage, no event storm.
	lostCount := 0
	for {
		select {
		case ev := <-sub.C:
			if ev.Kind == events.KindConnectivityLost {
				lostCount++
			}
		default:
			assert.Equal(t, 1, lostCount)
			return
		}
	}
}

func TestShmSource_ProducerShutdown(t *testing.T) {
	h := newShmHarness(t, time.Second)
	sub := h.bus.Subscribe(8, events.KindConnectivityLost)
	defer h.bus.Unsubscribe(sub)

	require.NoError(t, h.source.Start(context.Background()))
	require.NoError(t, h.server.Stop())

	select {
	case <-h.source.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("source did not notice producer shutdown")
	}
	assert.False(t, h.source.Active())

	lost := collectEvents(t, sub, 1, time.Second)[0]
	assert.Equal(t, "producer announced shutdown", lost.Reason)
}

func TestShmSource_StartFailsWithoutProducer(t *testing.T) {
	cfg := &config.Config{}
	cfg.Sensor.SocketPath = filepath.Join(t.TempDir(), "missing.sock")
	cfg.Sensor.StallTimeout = time.Second
	cfg.Sensor.PollInterval = time.Millisecond
	cfg.Sensor.MaxFramesPerPoll = 10

	bus := events.NewBus(zap.NewNop())
	defer bus.Close()

	src := NewShmSource(cfg, bus, zap.NewNop())
	err := src.Start(context.Background())
	require.Error(t, err)
	assert.False(t, src.Active())

	// Stop without a successful Start is a no-op.
	assert.NoError(t, src.Stop())
}
