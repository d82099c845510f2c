// Package sensor turns raw sensor input into typed events on the bus. It
// holds the three interchangeable sources: the shared-memory consumer, the
// in-process simulator, and the MQTT gateway listener.
package sensor

import (
	"context"
	"sync/atomic"
	"time"

	"zmon/internal/events"
)

// Source is a stream of vitals and waveform events. Start is non-blocking;
// frames are delivered by event emission, never by caller polling. Stop
// drains no further frames and releases any attached resources; it is safe
// to call concurrently with in-flight dispatch.
type Source interface {
	Start(ctx context.Context) error
	Stop() error
	Active() bool
	Info() SourceInfo
}

// SourceInfo describes a source for logging and the UI layer.
type SourceInfo struct {
	Name      string `json:"name"`
	Kind      string `json:"kind"` // "shm", "sim" or "mqtt"
	Connected bool   `json:"connected"`
}

// connTracker emits edge-triggered connectivity events: exactly one lost
// event per outage and one restored event per recovery, however many
// watchers report the same condition.
type connTracker struct {
	bus  *events.Bus
	lost atomic.Bool
}

func (t *connTracker) reset() {
	t.lost.Store(false)
}

func (t *connTracker) Down() bool {
	return t.lost.Load()
}

func (t *connTracker) Lost(reason string) {
	if t.lost.CompareAndSwap(false, true) {
		t.bus.Publish(events.Event{
			Kind:      events.KindConnectivityLost,
			Timestamp: time.Now(),
			Reason:    reason,
		})
	}
}

func (t *connTracker) Restored() {
	if t.lost.CompareAndSwap(true, false) {
		t.bus.Publish(events.Event{
			Kind:      events.KindConnectivityRestored,
			Timestamp: time.Now(),
		})
	}
}
