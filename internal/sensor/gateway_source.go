package sensor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"zmon/internal/config"
	"zmon/internal/events"
	"zmon/internal/mqtt"
)

// GatewaySource consumes vitals published by hospital gateways over MQTT.
// Topic layout: zmon/{device_id}/vitals, payload is the same vitals JSON
// the shared-memory producer writes.
type GatewaySource struct {
	cfg    *config.Config
	client *mqtt.Client
	bus    *events.Bus
	logger *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	active atomic.Bool
	conn   connTracker
}

var _ Source = (*GatewaySource)(nil)

// NewGatewaySource wraps an already-connected MQTT client.
func NewGatewaySource(cfg *config.Config, client *mqtt.Client, bus *events.Bus, logger *zap.Logger) *GatewaySource {
	return &GatewaySource{
		cfg:    cfg,
		client: client,
		bus:    bus,
		logger: logger,
		conn:   connTracker{bus: bus},
	}
}

// Start subscribes to the vitals topic and begins dispatching.
func (s *GatewaySource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active.Load() {
		return errors.New("source already started")
	}

	topic := s.cfg.MQTT.VitalsTopic
	if err := s.client.Subscribe(topic, s.cfg.MQTT.QoS, s.handleMessage); err != nil {
		return fmt.Errorf("failed to subscribe to vitals topic: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.active.Store(true)
	s.conn.reset()

	go s.watchConnection(runCtx, topic, done)

	s.logger.Info("gateway source started", zap.String("topic", topic))
	return nil
}

// watchConnection surfaces broker outages as connectivity events. The paho
// client reconnects on its own; this only reports the edges.
func (s *GatewaySource) watchConnection(ctx context.Context, topic string, done chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := s.client.Unsubscribe(topic); err != nil {
				s.logger.Error("failed to unsubscribe from vitals topic", zap.Error(err))
			}
			s.active.Store(false)
			s.logger.Info("gateway source stopped", zap.String("topic", topic))
			close(done)
			return
		case <-ticker.C:
			if s.client.IsConnected() {
				s.conn.Restored()
			} else {
				s.conn.Lost("mqtt broker connection lost")
			}
		}
	}
}

// Stop unsubscribes and waits for the watcher to exit. The MQTT session
// itself belongs to the caller.
func (s *GatewaySource) Stop() error {
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

// Active reports whether the subscription is live.
func (s *GatewaySource) Active() bool {
	return s.active.Load()
}

// Info describes the source.
func (s *GatewaySource) Info() SourceInfo {
	return SourceInfo{
		Name:      "mqtt gateway",
		Kind:      "mqtt",
		Connected: s.active.Load(),
	}
}

// handleMessage parses one gateway publication. The device id comes from
// the topic; records are stamped at receipt time.
func (s *GatewaySource) handleMessage(topic string, payload []byte) error {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 {
		return fmt.Errorf("invalid topic format: %s", topic)
	}
	deviceID := parts[1]

	now := time.Now()
	records, err := decodeVitals(payload, now.UnixMilli(), s.cfg.Sensor.PatientID, deviceID)
	if err != nil {
		return fmt.Errorf("failed to decode gateway vitals: %w", err)
	}
	for i := range records {
		s.bus.Publish(events.Event{
			Kind:      events.KindVitalsReceived,
			Timestamp: now,
			Vital:     &records[i],
		})
	}

	s.logger.Debug("gateway vitals received",
		zap.String("device_id", deviceID),
		zap.Int("records", len(records)),
	)
	return nil
}
