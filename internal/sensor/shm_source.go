package sensor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"zmon/internal/config"
	"zmon/internal/events"
	"zmon/internal/shmring"
)

const (
	handshakeTimeout = 5 * time.Second
	stallPollEvery   = 100 * time.Millisecond

	// A stall this many times longer than the stall threshold will not
	// recover in place; the source detaches so the owner can re-handshake
	// (a restarted producer serves a fresh segment).
	stallDetachFactor = 4
)

// ShmSource consumes frames from the producer's shared-memory ring. It
// attaches via the control-socket handshake and runs a poll loop, a stall
// watchdog, and a control-channel watcher until stopped or detached.
type ShmSource struct {
	cfg    *config.Config
	bus    *events.Bus
	logger *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	active atomic.Bool
	conn   connTracker
}

var _ Source = (*ShmSource)(nil)

// NewShmSource creates a shared-memory source. Start performs the actual
// attach.
func NewShmSource(cfg *config.Config, bus *events.Bus, logger *zap.Logger) *ShmSource {
	return &ShmSource{
		cfg:    cfg,
		bus:    bus,
		logger: logger,
		conn:   connTracker{bus: bus},
	}
}

// Start attaches to the producer and begins dispatching frames. It returns
// an error when the handshake fails; the caller owns the retry policy.
func (s *ShmSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active.Load() {
		return errors.New("source already started")
	}

	client, err := shmring.Connect(s.cfg.Sensor.SocketPath, handshakeTimeout)
	if err != nil {
		return fmt.Errorf("failed to attach to sensor segment: %w", err)
	}
	reader, err := shmring.OpenReader(client.Segment.Mem)
	if err != nil {
		client.Close()
		return fmt.Errorf("failed to open ring reader: %w", err)
	}
	reader.PublishCursor(true)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.active.Store(true)
	// A reattach after a stall-triggered detach closes the outage window;
	// Restored only fires if a Lost was published, so a first attach is
	// silent.
	s.conn.Restored()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return s.pollLoop(gctx, reader) })
	g.Go(func() error { return s.stallLoop(gctx, reader) })
	g.Go(func() error { return s.controlLoop(gctx, client) })

	go func() {
		err := g.Wait()
		s.active.Store(false)
		// Every loop has returned, so no read is in flight and the
		// segment can be released.
		if cerr := client.Close(); cerr != nil {
			s.logger.Warn("failed to release sensor segment", zap.Error(cerr))
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("sensor source detached", zap.Error(err))
		}
		stats := reader.Stats()
		s.logger.Info("sensor source stopped",
			zap.Uint64("frames_read", stats.Read),
			zap.Uint64("frames_dropped", stats.Dropped),
			zap.Uint64("frames_corrupt", stats.Corrupt),
		)
		close(done)
	}()

	s.logger.Info("sensor source attached",
		zap.String("socket", s.cfg.Sensor.SocketPath),
		zap.Uint64("ring_size", client.Msg.RingSize),
		zap.Uint32("frame_size", reader.FrameSize()),
		zap.Uint32("frame_count", reader.FrameCount()),
	)
	return nil
}

// Stop cancels the loops and blocks until the segment is released. Safe to
// call more than once and concurrently with frame dispatch.
func (s *ShmSource) Stop() error {
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

// Active reports whether the source is attached and dispatching.
func (s *ShmSource) Active() bool {
	return s.active.Load()
}

// Done is closed once the source has fully detached, whether by Stop, a
// producer shutdown, or a persistent stall. Valid after a successful Start.
func (s *ShmSource) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Info describes the source.
func (s *ShmSource) Info() SourceInfo {
	return SourceInfo{
		Name:      "shared-memory ring",
		Kind:      "shm",
		Connected: s.active.Load(),
	}
}

func (s *ShmSource) pollLoop(ctx context.Context, r *shmring.Reader) error {
	ticker := time.NewTicker(s.cfg.Sensor.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for i := 0; i < s.cfg.Sensor.MaxFramesPerPoll; i++ {
				// Stop must not free the segment under a read, so
				// cancellation is rechecked before each one.
				if ctx.Err() != nil {
					return ctx.Err()
				}
				frame, ok := r.Next()
				if !ok {
					break
				}
				s.dispatch(frame)
			}
		}
	}
}

func (s *ShmSource) dispatch(frame shmring.Frame) {
	switch frame.Type {
	case shmring.FrameVitals:
		records, err := decodeVitals(frame.Payload, int64(frame.Timestamp),
			s.cfg.Sensor.PatientID, s.cfg.Sensor.DeviceID)
		if err != nil {
			s.logger.Warn("skipping malformed vitals frame",
				zap.Uint32("sequence", frame.Sequence),
				zap.Error(err),
			)
			return
		}
		now := time.Now()
		for i := range records {
			s.bus.Publish(events.Event{
				Kind:      events.KindVitalsReceived,
				Timestamp: now,
				Vital:     &records[i],
			})
		}
	case shmring.FrameWaveform:
		samples, err := decodeWaveform(frame.Payload)
		if err != nil {
			s.logger.Warn("skipping malformed waveform frame",
				zap.Uint32("sequence", frame.Sequence),
				zap.Error(err),
			)
			return
		}
		now := time.Now()
		for i := range samples {
			s.bus.Publish(events.Event{
				Kind:      events.KindWaveformReceived,
				Timestamp: now,
				Waveform:  &samples[i],
			})
		}
	case shmring.FrameHeartbeat:
		// Liveness rides the header heartbeat word; nothing to dispatch.
	default:
		s.logger.Debug("ignoring unknown frame type",
			zap.String("type", frame.Type.String()),
			zap.Uint32("sequence", frame.Sequence),
		)
	}
}

func (s *ShmSource) stallLoop(ctx context.Context, r *shmring.Reader) error {
	threshold := s.cfg.Sensor.StallTimeout
	detachAfter := time.Duration(stallDetachFactor) * threshold
	ticker := time.NewTicker(stallPollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			age := r.HeartbeatAge(time.Now())
			switch {
			case age >= threshold && !s.conn.Down():
				s.logger.Warn("sensor producer stalled",
					zap.Duration("heartbeat_age", age),
				)
				s.conn.Lost("producer heartbeat stalled")
			case age >= detachAfter:
				return fmt.Errorf("producer heartbeat stalled for %s", age)
			case age < threshold && s.conn.Down():
				s.logger.Info("sensor producer heartbeat resumed",
					zap.Duration("heartbeat_age", age),
				)
				s.conn.Restored()
			}
		}
	}
}

func (s *ShmSource) controlLoop(ctx context.Context, client *shmring.ClientConn) error {
	fail := make(chan error, 1)
	go func() {
		for {
			msg, err := client.ReadMessage()
			if err != nil {
				fail <- fmt.Errorf("control channel closed: %w", err)
				return
			}
			if msg.Type == shmring.MsgShutdown {
				fail <- errors.New("producer announced shutdown")
				return
			}
		}
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-fail:
		s.conn.Lost(err.Error())
		return err
	}
}
