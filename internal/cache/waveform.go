package cache

import (
	"sort"
	"sync"

	"zmon/internal/models"
)

// DefaultWaveformCapacity holds about 10 seconds per channel at 250 Hz.
const DefaultWaveformCapacity = 2500

// WaveformCache keeps the most recent display samples per channel. Samples
// are never persisted; when a channel overflows the oldest 10% are shed in
// one batch.
type WaveformCache struct {
	mu       sync.RWMutex
	capacity int
	channels map[string][]models.WaveformSample
	evicted  uint64
}

// NewWaveformCache creates a cache holding at most capacity samples per
// channel. Non-positive capacity falls back to the default.
func NewWaveformCache(capacity int) *WaveformCache {
	if capacity <= 0 {
		capacity = DefaultWaveformCapacity
	}
	return &WaveformCache{
		capacity: capacity,
		channels: make(map[string][]models.WaveformSample),
	}
}

// Append adds one sample to its channel's buffer.
func (c *WaveformCache) Append(sample models.WaveformSample) {
	c.mu.Lock()
	defer c.mu.Unlock()

	buf := c.channels[sample.Channel]
	if buf == nil {
		buf = make([]models.WaveformSample, 0, c.capacity)
	}
	if len(buf) >= c.capacity {
		drop := c.capacity / 10
		if drop < 1 {
			drop = 1
		}
		kept := copy(buf, buf[drop:])
		buf = buf[:kept]
		c.evicted += uint64(drop)
	}
	c.channels[sample.Channel] = append(buf, sample)
}

// Channel returns the newest n samples for a channel in chronological
// order, or nil for an unknown channel.
func (c *WaveformCache) Channel(name string, n int) []models.WaveformSample {
	c.mu.RLock()
	defer c.mu.RUnlock()

	buf := c.channels[name]
	if n <= 0 || len(buf) == 0 {
		return nil
	}
	if n > len(buf) {
		n = len(buf)
	}
	out := make([]models.WaveformSample, n)
	copy(out, buf[len(buf)-n:])
	return out
}

// Channels returns the known channel names, sorted.
func (c *WaveformCache) Channels() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, 0, len(c.channels))
	for name := range c.channels {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of cached samples for one channel.
func (c *WaveformCache) Len(name string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.channels[name])
}

// Evicted returns how many samples were shed across all channels.
func (c *WaveformCache) Evicted() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.evicted
}
