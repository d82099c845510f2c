package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// DefaultStream is the Redis Stream carrying mirrored monitor events for
// the nurse-station dashboard.
const DefaultStream = "zmon:events:stream"

// streamMaxLen bounds the mirror stream; XAdd trims approximately.
const streamMaxLen = 10000

// StreamPublisher mirrors bus events onto a Redis Stream so off-device
// consumers (nurse station, ops tooling) can follow the monitor without
// touching the real-time path. Mirror failures are logged and never
// propagate back to producers.
type StreamPublisher struct {
	client *redis.Client
	stream string
	sub    *Subscription
	bus    *Bus
	logger *zap.Logger
}

// NewStreamPublisher subscribes to the bus and returns a publisher for the
// given stream. Pass kinds to mirror a subset; none mirrors everything.
func NewStreamPublisher(bus *Bus, client *redis.Client, stream string, logger *zap.Logger, kinds ...Kind) *StreamPublisher {
	if stream == "" {
		stream = DefaultStream
	}
	return &StreamPublisher{
		client: client,
		stream: stream,
		sub:    bus.Subscribe(1024, kinds...),
		bus:    bus,
		logger: logger,
	}
}

// Run consumes the subscription until the context is cancelled or the bus
// closes. Meant to be run on its own goroutine (errgroup in the service).
func (p *StreamPublisher) Run(ctx context.Context) error {
	defer p.bus.Unsubscribe(p.sub)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-p.sub.C:
			if !ok {
				return nil
			}
			p.mirror(ctx, ev)
		}
	}
}

func (p *StreamPublisher) mirror(ctx context.Context, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("failed to marshal event for stream mirror", zap.Error(err))
		return
	}

	if err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"kind":      string(ev.Kind),
			"data":      string(data),
			"timestamp": ev.Timestamp.UnixMilli(),
		},
	}).Err(); err != nil {
		p.logger.Warn("failed to mirror event to redis stream",
			zap.String("stream", p.stream),
			zap.String("kind", string(ev.Kind)),
			zap.Error(err),
		)
	}
}

// Dropped reports how many events the mirror missed because it fell behind.
func (p *StreamPublisher) Dropped() uint64 {
	return p.sub.Dropped()
}

// drainTimeout bounds the final drain in Close.
const drainTimeout = 2 * time.Second

// Close mirrors whatever is still buffered (bounded) and unsubscribes.
func (p *StreamPublisher) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case ev, ok := <-p.sub.C:
			if !ok {
				return
			}
			p.mirror(ctx, ev)
		default:
			p.bus.Unsubscribe(p.sub)
			return
		}
	}
}
