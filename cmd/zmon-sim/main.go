package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"zmon/internal/config"
	"zmon/internal/logger"
	"zmon/internal/models"
	"zmon/internal/shmring"
	"zmon/internal/sim"
)

// vitalsFrame matches the vitals payload the monitor decodes.
type vitalsFrame struct {
	HR            float64 `json:"hr"`
	SPO2          float64 `json:"spo2"`
	RR            float64 `json:"rr"`
	SignalQuality int     `json:"signal_quality"`
}

// waveformFrame matches the waveform payload the monitor decodes.
type waveformFrame struct {
	Channel          string    `json:"channel"`
	SampleRate       int       `json:"sample_rate"`
	StartTimestampMs int64     `json:"start_timestamp_ms"`
	Values           []float64 `json:"values"`
}

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}
	if cfg.Sim.VitalsRateHz <= 0 || cfg.Sim.WaveformRateHz <= 0 || cfg.Sim.SamplesPerFrame <= 0 {
		panic(fmt.Sprintf("Invalid simulator rates: vitals %d Hz, waveform %d Hz, %d samples/frame",
			cfg.Sim.VitalsRateHz, cfg.Sim.WaveformRateHz, cfg.Sim.SamplesPerFrame))
	}

	// 2. Initialize logging
	log, err := logger.New(cfg.Log.Level, cfg.Log.Format, "zmon-sim")
	if err != nil {
		panic(fmt.Sprintf("Failed to init logger: %v", err))
	}
	defer log.Sync()

	// 3. Allocate the shared ring and initialize its header
	seg, err := shmring.CreateSegment(shmring.SegmentSize(cfg.Sim.FrameSize, cfg.Sim.FrameCount))
	if err != nil {
		log.Fatal("Failed to create shared segment", zap.Error(err))
	}
	writer, err := shmring.NewWriter(seg.Mem, cfg.Sim.FrameSize, cfg.Sim.FrameCount)
	if err != nil {
		log.Fatal("Failed to initialize ring writer", zap.Error(err))
	}

	// 4. Serve the segment on the rendezvous socket
	server := shmring.NewControlServer(cfg.Sensor.SocketPath, seg, log)
	if err := server.Start(); err != nil {
		log.Fatal("Failed to start control server", zap.Error(err))
	}

	log.Info("Simulator producing",
		zap.String("socket", cfg.Sensor.SocketPath),
		zap.Uint32("frame_size", cfg.Sim.FrameSize),
		zap.Uint32("frame_count", cfg.Sim.FrameCount),
		zap.Int("vitals_rate_hz", cfg.Sim.VitalsRateHz),
	)

	// 5. Generate until a signal arrives
	stop := make(chan struct{})
	done := make(chan struct{})
	go produce(cfg, writer, log, stop, done)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("Received signal, shutting down", zap.String("signal", sig.String()))

	close(stop)
	<-done

	// 6. Announce shutdown to consumers, then release the segment
	if err := server.Stop(); err != nil {
		log.Warn("Failed to stop control server", zap.Error(err))
	}
	if err := seg.Close(); err != nil {
		log.Warn("Failed to release segment", zap.Error(err))
	}
	log.Info("Simulator stopped", zap.Uint64("frames_written", writer.WriteIndex()))
}

// produce runs the generator loops: vitals at VitalsRateHz, waveform bursts
// sized SamplesPerFrame at the configured sample rate, and the header
// heartbeat refresh consumers use for stall detection.
func produce(cfg *config.Config, w *shmring.Writer, log *zap.Logger, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	walker := sim.NewVitalsWalker(time.Now().UnixNano())
	burstLen := cfg.Sim.SamplesPerFrame
	rate := cfg.Sim.WaveformRateHz

	vitalsTicker := time.NewTicker(time.Second / time.Duration(cfg.Sim.VitalsRateHz))
	defer vitalsTicker.Stop()
	burstTicker := time.NewTicker(time.Duration(burstLen) * time.Second / time.Duration(rate))
	defer burstTicker.Stop()
	heartbeat := time.NewTicker(cfg.Sim.HeartbeatInterval)
	defer heartbeat.Stop()
	status := time.NewTicker(30 * time.Second)
	defer status.Stop()

	var beatPhase float64
	for {
		select {
		case <-stop:
			return
		case <-heartbeat.C:
			w.UpdateHeartbeat(uint64(time.Now().UnixMilli()))
		case <-vitalsTicker.C:
			hr, spo2, rr, quality := walker.Step()
			writeJSONFrame(w, shmring.FrameVitals, time.Now().UnixMilli(), vitalsFrame{
				HR:            hr,
				SPO2:          spo2,
				RR:            rr,
				SignalQuality: quality,
			}, log)
		case <-burstTicker.C:
			startMs := time.Now().UnixMilli()
			beatHz := walker.HR / 60
			ecg := make([]float64, burstLen)
			pleth := make([]float64, burstLen)
			for i := 0; i < burstLen; i++ {
				p := beatPhase + float64(i)/float64(rate)*beatHz
				ecg[i] = sim.ECGSample(p)
				pleth[i] = sim.PlethSample(p)
			}
			beatPhase += float64(burstLen) / float64(rate) * beatHz

			for _, frame := range []waveformFrame{
				{Channel: models.ChannelECG, SampleRate: rate, StartTimestampMs: startMs, Values: ecg},
				{Channel: models.ChannelPleth, SampleRate: rate, StartTimestampMs: startMs, Values: pleth},
			} {
				writeJSONFrame(w, shmring.FrameWaveform, startMs, frame, log)
			}
		case <-status.C:
			log.Info("Producer running", zap.Uint64("frames_written", w.WriteIndex()))
		}
	}
}

func writeJSONFrame(w *shmring.Writer, ft shmring.FrameType, timestampMs int64, body any, log *zap.Logger) {
	payload, err := json.Marshal(body)
	if err != nil {
		log.Warn("Failed to encode frame", zap.String("type", ft.String()), zap.Error(err))
		return
	}
	if err := w.WriteFrame(ft, uint64(timestampMs), payload); err != nil {
		log.Warn("Failed to write frame", zap.String("type", ft.String()), zap.Error(err))
	}
}
