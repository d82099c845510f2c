package shmring

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRing(t *testing.T, frameSize, frameCount uint32) (*Writer, []byte) {
	t.Helper()
	mem := AlignedBuffer(SegmentSize(frameSize, frameCount))
	w, err := NewWriter(mem, frameSize, frameCount)
	require.NoError(t, err)
	return w, mem
}

func TestWriteFrame_ReadBack(t *testing.T) {
	w, mem := newTestRing(t, 256, 16)

	require.NoError(t, w.WriteFrame(FrameVitals, 1700000000000, []byte(`{"hr":72,"spo2":98}`)))
	require.NoError(t, w.WriteFrame(FrameWaveform, 1700000000004, []byte(`{"channel":"PLETH"}`)))

	r, err := OpenReader(mem)
	require.NoError(t, err)

	frame, ok := r.Next()
	require.True(t, ok)
	assert.Equal(t, FrameVitals, frame.Type)
	assert.Equal(t, uint64(1700000000000), frame.Timestamp)
	assert.Equal(t, uint32(0), frame.Sequence)
	assert.Equal(t, `{"hr":72,"spo2":98}`, string(frame.Payload))

	frame, ok = r.Next()
	require.True(t, ok)
	assert.Equal(t, FrameWaveform, frame.Type)
	assert.Equal(t, uint32(1), frame.Sequence)
	assert.Equal(t, `{"channel":"PLETH"}`, string(frame.Payload))

	_, ok = r.Next()
	assert.False(t, ok)
	assert.Equal(t, Stats{Read: 2}, r.Stats())
}

func TestReader_EmptyRing(t *testing.T) {
	_, mem := newTestRing(t, 64, 4)
	r, err := OpenReader(mem)
	require.NoError(t, err)

	_, ok := r.Next()
	assert.False(t, ok)
	assert.Equal(t, Stats{}, r.Stats())
}

func TestReader_DeliversInOrder(t *testing.T) {
	w, mem := newTestRing(t, 64, 256)
	r, err := OpenReader(mem)
	require.NoError(t, err)

	payload := make([]byte, 4)
	for i := 0; i < 100; i++ {
		binary.LittleEndian.PutUint32(payload, uint32(i))
		require.NoError(t, w.WriteFrame(FrameVitals, uint64(i), payload))
	}

	for i := 0; i < 100; i++ {
		frame, ok := r.Next()
		require.True(t, ok, "frame %d missing", i)
		assert.Equal(t, uint32(i), frame.Sequence)
		assert.Equal(t, uint32(i), binary.LittleEndian.Uint32(frame.Payload))
	}
	_, ok := r.Next()
	assert.False(t, ok)
}

func TestReader_BacklogReplayOnAttach(t *testing.T) {
	w, mem := newTestRing(t, 64, 16)
	for i := 0; i < 5; i++ {
		require.NoError(t, w.WriteFrame(FrameVitals, uint64(i), []byte{byte(i)}))
	}

	// A reader attaching mid-stream starts at the oldest retained frame.
	r, err := OpenReader(mem)
	require.NoError(t, err)

	var got []uint32
	for {
		frame, ok := r.Next()
		if !ok {
			break
		}
		got = append(got, frame.Sequence)
	}
	assert.Equal(t, []uint32{0, 1, 2, 3, 4}, got)
}

func TestReader_ResyncAfterOverwrite(t *testing.T) {
	w, mem := newTestRing(t, 64, 4)
	r, err := OpenReader(mem)
	require.NoError(t, err)

	// Ten frames through a four-slot ring: the reader lost the first
	// seven (the oldest surviving slot is treated as at risk of rewrite)
	// and resumes at the newest three.
	for i := 0; i < 10; i++ {
		require.NoError(t, w.WriteFrame(FrameVitals, uint64(i), []byte{byte(i)}))
	}

	var got []uint32
	for {
		frame, ok := r.Next()
		if !ok {
			break
		}
		got = append(got, frame.Sequence)
	}
	assert.Equal(t, []uint32{7, 8, 9}, got)
	stats := r.Stats()
	assert.Equal(t, uint64(3), stats.Read)
	assert.Equal(t, uint64(7), stats.Dropped)
	assert.Zero(t, stats.Corrupt)
}

func TestReader_SkipsCorruptPayload(t *testing.T) {
	w, mem := newTestRing(t, 64, 8)
	for i := 0; i < 3; i++ {
		require.NoError(t, w.WriteFrame(FrameVitals, uint64(i), []byte{byte(i), byte(i), byte(i)}))
	}

	// Flip one payload byte in the middle slot.
	mem[HeaderSize+64+FrameHeaderSize] ^= 0xFF

	r, err := OpenReader(mem)
	require.NoError(t, err)

	var got []uint32
	for {
		frame, ok := r.Next()
		if !ok {
			break
		}
		got = append(got, frame.Sequence)
	}
	assert.Equal(t, []uint32{0, 2}, got)
	assert.Equal(t, uint64(1), r.Stats().Corrupt)
}

func TestReader_SkipsBogusDataSize(t *testing.T) {
	w, mem := newTestRing(t, 64, 8)
	require.NoError(t, w.WriteFrame(FrameVitals, 1, []byte{1}))
	require.NoError(t, w.WriteFrame(FrameVitals, 2, []byte{2}))

	// Claim a payload larger than the slot can hold.
	binary.LittleEndian.PutUint32(mem[HeaderSize+frameOffDataSize:], 4096)

	r, err := OpenReader(mem)
	require.NoError(t, err)

	frame, ok := r.Next()
	require.True(t, ok)
	assert.Equal(t, uint32(1), frame.Sequence)
	_, ok = r.Next()
	assert.False(t, ok)
	assert.Equal(t, uint64(1), r.Stats().Corrupt)
}

func TestWriter_PayloadCapacity(t *testing.T) {
	w, _ := newTestRing(t, 64, 4)
	assert.Equal(t, 32, w.MaxPayload())

	assert.NoError(t, w.WriteFrame(FrameVitals, 1, make([]byte, w.MaxPayload())))
	assert.Error(t, w.WriteFrame(FrameVitals, 2, make([]byte, w.MaxPayload()+1)))
}

func TestNewWriter_GeometryValidation(t *testing.T) {
	tests := []struct {
		name       string
		memSize    int
		frameSize  uint32
		frameCount uint32
	}{
		{"frame smaller than header", SegmentSize(64, 4), 16, 4},
		{"zero frame count", SegmentSize(64, 4), 64, 0},
		{"buffer too small", 100, 64, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewWriter(AlignedBuffer(tt.memSize), tt.frameSize, tt.frameCount)
			assert.Error(t, err)
		})
	}
}

func TestOpenReader_HeaderValidation(t *testing.T) {
	newSeg := func(t *testing.T) []byte {
		t.Helper()
		mem := AlignedBuffer(SegmentSize(64, 4))
		_, err := NewWriter(mem, 64, 4)
		require.NoError(t, err)
		return mem
	}

	t.Run("short buffer", func(t *testing.T) {
		_, err := OpenReader(AlignedBuffer(16))
		assert.Error(t, err)
	})

	t.Run("bad magic", func(t *testing.T) {
		mem := newSeg(t)
		binary.LittleEndian.PutUint32(mem[offMagic:], 0xDEADBEEF)
		_, err := OpenReader(mem)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "magic")
	})

	t.Run("bad version", func(t *testing.T) {
		mem := newSeg(t)
		binary.LittleEndian.PutUint16(mem[offVersion:], 99)
		_, err := OpenReader(mem)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "version")
	})

	t.Run("checksum mismatch", func(t *testing.T) {
		mem := newSeg(t)
		mem[offReserved] ^= 0xFF
		_, err := OpenReader(mem)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "checksum")
	})
}

func TestHeartbeat_StallDetection(t *testing.T) {
	w, mem := newTestRing(t, 64, 4)
	r, err := OpenReader(mem)
	require.NoError(t, err)

	now := time.Now()
	w.UpdateHeartbeat(uint64(now.UnixMilli()))

	assert.Equal(t, uint64(now.UnixMilli()), r.HeartbeatMs())
	assert.Equal(t, 300*time.Millisecond, r.HeartbeatAge(now.Add(300*time.Millisecond)))
	assert.False(t, r.Stalled(250*time.Millisecond, now.Add(100*time.Millisecond)))
	assert.True(t, r.Stalled(250*time.Millisecond, now.Add(300*time.Millisecond)))
}

func TestWriterReader_Concurrent(t *testing.T) {
	const frames = 500
	w, mem := newTestRing(t, 128, 1024)
	r, err := OpenReader(mem)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		payload := make([]byte, 4)
		for i := 0; i < frames; i++ {
			binary.LittleEndian.PutUint32(payload, uint32(i))
			if err := w.WriteFrame(FrameVitals, uint64(i), payload); err != nil {
				t.Errorf("write %d: %v", i, err)
				return
			}
		}
	}()

	deadline := time.After(5 * time.Second)
	var got []uint32
	for len(got) < frames {
		frame, ok := r.Next()
		if !ok {
			select {
			case <-deadline:
				t.Fatalf("timed out after %d frames", len(got))
			default:
				time.Sleep(time.Millisecond)
			}
			continue
		}
		got = append(got, binary.LittleEndian.Uint32(frame.Payload))
	}
	<-done

	for i, v := range got {
		require.Equal(t, uint32(i), v)
	}
	stats := r.Stats()
	assert.Equal(t, uint64(frames), stats.Read)
	assert.Zero(t, stats.Dropped)
	assert.Zero(t, stats.Corrupt)
}
