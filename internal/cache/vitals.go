// Package cache holds the bounded in-process history buffers behind the
// display and telemetry paths. Both caches favor the writer: appends are
// O(1) amortized and never block behind readers for long.
package cache

import (
	"sync"

	"zmon/internal/models"
)

// DefaultVitalsCapacity covers about 24 hours of HR+SPO2+RR at 1 Hz each.
const DefaultVitalsCapacity = 259200

// VitalsStats counts cache activity since startup.
type VitalsStats struct {
	Appended           uint64
	Evicted            uint64
	EvictedUnpersisted uint64 // evicted before telemetry confirmed them
}

// VitalsCache is the recent-history buffer for vital records. On overflow
// it sheds the oldest 10% in one batch so the append path stays cheap
// instead of shifting one element per insert.
type VitalsCache struct {
	mu       sync.RWMutex
	buf      []models.VitalRecord
	capacity int

	persistedThrough int64 // ms timestamp confirmed sent, inclusive
	stats            VitalsStats
}

// NewVitalsCache creates a cache holding at most capacity records.
// Non-positive capacity falls back to the default.
func NewVitalsCache(capacity int) *VitalsCache {
	if capacity <= 0 {
		capacity = DefaultVitalsCapacity
	}
	return &VitalsCache{
		buf:      make([]models.VitalRecord, 0, capacity),
		capacity: capacity,
	}
}

// Append adds one record, evicting the oldest batch when full.
func (c *VitalsCache) Append(rec models.VitalRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.buf) >= c.capacity {
		drop := c.capacity / 10
		if drop < 1 {
			drop = 1
		}
		for _, old := range c.buf[:drop] {
			if old.Timestamp > c.persistedThrough {
				c.stats.EvictedUnpersisted++
			}
		}
		kept := copy(c.buf, c.buf[drop:])
		c.buf = c.buf[:kept]
		c.stats.Evicted += uint64(drop)
	}
	c.buf = append(c.buf, rec)
	c.stats.Appended++
}

// Recent returns the newest n records in chronological order.
func (c *VitalsCache) Recent(n int) []models.VitalRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if n <= 0 || len(c.buf) == 0 {
		return nil
	}
	if n > len(c.buf) {
		n = len(c.buf)
	}
	out := make([]models.VitalRecord, n)
	copy(out, c.buf[len(c.buf)-n:])
	return out
}

// Range returns records with from <= Timestamp <= to (ms), in insertion
// order. Linear scan: insertion order is near-chronological but gateway
// sources can deliver small timestamp jitter.
func (c *VitalsCache) Range(from, to int64) []models.VitalRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []models.VitalRecord
	for _, rec := range c.buf {
		if rec.Timestamp >= from && rec.Timestamp <= to {
			out = append(out, rec)
		}
	}
	return out
}

// Len returns the number of cached records.
func (c *VitalsCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.buf)
}

// Capacity returns the configured bound.
func (c *VitalsCache) Capacity() int {
	return c.capacity
}

// MarkPersisted advances the watermark of records confirmed durable by
// telemetry. The watermark never moves backwards.
func (c *VitalsCache) MarkPersisted(throughMs int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if throughMs > c.persistedThrough {
		c.persistedThrough = throughMs
	}
}

// PersistedThrough returns the current watermark.
func (c *VitalsCache) PersistedThrough() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.persistedThrough
}

// Unpersisted returns records newer than the watermark, oldest first.
func (c *VitalsCache) Unpersisted() []models.VitalRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []models.VitalRecord
	for _, rec := range c.buf {
		if rec.Timestamp > c.persistedThrough {
			out = append(out, rec)
		}
	}
	return out
}

// UnpersistedCount returns how many records sit above the watermark,
// without copying them.
func (c *VitalsCache) UnpersistedCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n := 0
	for _, rec := range c.buf {
		if rec.Timestamp > c.persistedThrough {
			n++
		}
	}
	return n
}

// Stats returns a snapshot of the activity counters.
func (c *VitalsCache) Stats() VitalsStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}
