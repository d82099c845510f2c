package events

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"zmon/internal/models"
)

// Kind identifies an event type on the bus.
type Kind string

const (
	KindVitalsReceived        Kind = "vitals_received"
	KindWaveformReceived      Kind = "waveform_received"
	KindConnectivityLost      Kind = "connectivity_lost"
	KindConnectivityRestored  Kind = "connectivity_restored"
	KindAlarmRaised           Kind = "alarm_raised"
	KindAlarmAcknowledged     Kind = "alarm_acknowledged"
	KindAlarmResolved         Kind = "alarm_resolved"
	KindBatchReady            Kind = "batch_ready"
	KindTransmissionSucceeded Kind = "transmission_succeeded"
	KindTransmissionFailed    Kind = "transmission_failed"
)

// BatchInfo is the payload of a batch-ready event.
type BatchInfo struct {
	BatchID string `json:"batch_id"`
	Vitals  int    `json:"vitals"`
	Alarms  int    `json:"alarms"`
}

// Event is one notification delivered to subscribers. Exactly one payload
// field is set, matching Kind.
type Event struct {
	Kind      Kind                       `json:"kind"`
	Timestamp time.Time                  `json:"timestamp"`
	Vital     *models.VitalRecord        `json:"vital,omitempty"`
	Waveform  *models.WaveformSample     `json:"waveform,omitempty"`
	Alarm     *models.AlarmSnapshot      `json:"alarm,omitempty"`
	Batch     *BatchInfo                 `json:"batch,omitempty"`
	Result    *models.TransmissionResult `json:"result,omitempty"`
	Reason    string                     `json:"reason,omitempty"`
}

// Subscription is one subscriber's view of the bus. Events arrive on C;
// when C's buffer is full the bus drops the event for this subscriber and
// increments the drop counter instead of blocking the publisher.
type Subscription struct {
	C       <-chan Event
	ch      chan Event
	kinds   map[Kind]struct{} // nil means all kinds
	id      uint64
	dropped uint64
}

// Dropped returns how many events were discarded because this subscriber
// fell behind.
func (s *Subscription) Dropped() uint64 {
	return atomic.LoadUint64(&s.dropped)
}

func (s *Subscription) wants(k Kind) bool {
	if s.kinds == nil {
		return true
	}
	_, ok := s.kinds[k]
	return ok
}

// Bus fans events out to subscribers. Publish never blocks: the sensor and
// detection paths must not stall behind a slow consumer.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
	logger *zap.Logger
}

// NewBus creates an event bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		subs:   make(map[uint64]*Subscription),
		logger: logger,
	}
}

// Subscribe registers a subscriber with the given channel buffer. With no
// kinds listed the subscriber receives every event.
func (b *Bus) Subscribe(buffer int, kinds ...Kind) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &Subscription{ch: make(chan Event, buffer)}
	sub.C = sub.ch
	if len(kinds) > 0 {
		sub.kinds = make(map[Kind]struct{}, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = struct{}{}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes the subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; !ok {
		return
	}
	delete(b.subs, sub.id)
	close(sub.ch)
}

// Publish delivers the event to every interested subscriber without
// blocking. Order is preserved per subscriber.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if !sub.wants(ev.Kind) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			if atomic.AddUint64(&sub.dropped, 1) == 1 {
				b.logger.Warn("event subscriber falling behind, dropping events",
					zap.String("kind", string(ev.Kind)),
					zap.Uint64("subscription_id", sub.id),
				)
			}
		}
	}
}

// Close unsubscribes everyone. Publish becomes a no-op afterwards.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
