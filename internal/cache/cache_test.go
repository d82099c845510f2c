package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zmon/internal/models"
)

func vital(ts int64, value float64) models.VitalRecord {
	return models.VitalRecord{
		Type:      models.VitalHR,
		Value:     value,
		Timestamp: ts,
		Quality:   100,
		PatientID: "patient-1",
		DeviceID:  "dev-1",
	}
}

func TestVitalsCache_RecentOrder(t *testing.T) {
	c := NewVitalsCache(100)
	for i := int64(0); i < 10; i++ {
		c.Append(vital(i*1000, float64(60+i)))
	}

	recent := c.Recent(3)
	require.Len(t, recent, 3)
	assert.Equal(t, int64(7000), recent[0].Timestamp)
	assert.Equal(t, int64(9000), recent[2].Timestamp)

	assert.Len(t, c.Recent(50), 10, "asking for more than cached returns all")
	assert.Nil(t, c.Recent(0))
	assert.Equal(t, 10, c.Len())
}

func TestVitalsCache_BatchEviction(t *testing.T) {
	c := NewVitalsCache(100)
	for i := int64(0); i < 100; i++ {
		c.Append(vital(i, float64(i)))
	}
	require.Equal(t, 100, c.Len())

	// The 101st append sheds the oldest 10 in one batch.
	c.Append(vital(100, 100))
	assert.Equal(t, 91, c.Len())

	stats := c.Stats()
	assert.Equal(t, uint64(101), stats.Appended)
	assert.Equal(t, uint64(10), stats.Evicted)

	// Oldest survivor is record 10.
	all := c.Recent(c.Len())
	assert.Equal(t, int64(10), all[0].Timestamp)
	assert.Equal(t, int64(100), all[len(all)-1].Timestamp)
}

func TestVitalsCache_TinyCapacityEvictsOne(t *testing.T) {
	c := NewVitalsCache(3)
	for i := int64(0); i < 5; i++ {
		c.Append(vital(i, float64(i)))
	}
	// capacity/10 rounds to zero, so eviction falls back to one at a time.
	assert.Equal(t, 3, c.Len())
	assert.Equal(t, uint64(2), c.Stats().Evicted)
}

func TestVitalsCache_Range(t *testing.T) {
	c := NewVitalsCache(100)
	for i := int64(0); i < 10; i++ {
		c.Append(vital(i*1000, float64(i)))
	}

	got := c.Range(2000, 5000)
	require.Len(t, got, 4)
	assert.Equal(t, int64(2000), got[0].Timestamp)
	assert.Equal(t, int64(5000), got[3].Timestamp)

	assert.Empty(t, c.Range(50000, 60000))
}

func TestVitalsCache_PersistenceWatermark(t *testing.T) {
	c := NewVitalsCache(100)
	for i := int64(1); i <= 10; i++ {
		c.Append(vital(i*1000, float64(i)))
	}

	c.MarkPersisted(4000)
	assert.Equal(t, int64(4000), c.PersistedThrough())

	unpersisted := c.Unpersisted()
	require.Len(t, unpersisted, 6)
	assert.Equal(t, int64(5000), unpersisted[0].Timestamp)
	assert.Equal(t, 6, c.UnpersistedCount())

	// Watermark never regresses.
	c.MarkPersisted(2000)
	assert.Equal(t, int64(4000), c.PersistedThrough())
	assert.Equal(t, 6, c.UnpersistedCount())
}

func TestVitalsCache_EvictionCountsUnpersisted(t *testing.T) {
	c := NewVitalsCache(10)
	for i := int64(1); i <= 10; i++ {
		c.Append(vital(i*1000, float64(i)))
	}
	c.MarkPersisted(0) // nothing confirmed yet

	c.Append(vital(11000, 11))
	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Evicted)
	assert.Equal(t, uint64(1), stats.EvictedUnpersisted)

	// Once the watermark covers the tail, further evictions are clean.
	c.MarkPersisted(30000)
	for i := int64(12); i <= 21; i++ {
		c.Append(vital(i*1000, float64(i)))
	}
	stats = c.Stats()
	assert.Equal(t, uint64(11), stats.Evicted)
	assert.Equal(t, uint64(1), stats.EvictedUnpersisted, "persisted records evict without loss")
}

func TestVitalsCache_DefaultCapacity(t *testing.T) {
	assert.Equal(t, DefaultVitalsCapacity, NewVitalsCache(0).Capacity())
	assert.Equal(t, DefaultVitalsCapacity, NewVitalsCache(-5).Capacity())
}

func wf(channel string, ts int64, v float64) models.WaveformSample {
	return models.WaveformSample{Channel: channel, Value: v, Timestamp: ts, SampleRate: 250}
}

func TestWaveformCache_PerChannel(t *testing.T) {
	c := NewWaveformCache(100)
	for i := int64(0); i < 10; i++ {
		c.Append(wf(models.ChannelECG, i*4, float64(i)))
	}
	for i := int64(0); i < 5; i++ {
		c.Append(wf(models.ChannelPleth, i*4, float64(i)))
	}

	assert.Equal(t, []string{models.ChannelECG, models.ChannelPleth}, c.Channels())
	assert.Equal(t, 10, c.Len(models.ChannelECG))
	assert.Equal(t, 5, c.Len(models.ChannelPleth))

	ecg := c.Channel(models.ChannelECG, 3)
	require.Len(t, ecg, 3)
	assert.Equal(t, int64(28), ecg[0].Timestamp)
	assert.Equal(t, int64(36), ecg[2].Timestamp)

	assert.Nil(t, c.Channel("NO_SUCH", 10))
}

func TestWaveformCache_Eviction(t *testing.T) {
	c := NewWaveformCache(100)
	for i := int64(0); i < 120; i++ {
		c.Append(wf(models.ChannelECG, i, float64(i)))
	}

	// One batch of 10 shed at the 101st append; room until 110, then another.
	assert.Equal(t, 100, c.Len(models.ChannelECG))
	assert.Equal(t, uint64(20), c.Evicted())

	newest := c.Channel(models.ChannelECG, 1)
	require.Len(t, newest, 1)
	assert.Equal(t, int64(119), newest[0].Timestamp)
}
