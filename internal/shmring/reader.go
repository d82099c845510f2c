package shmring

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"
)

// Frame is one record read out of the ring. Payload aliases the reader's
// scratch buffer and is valid only until the next call to Next.
type Frame struct {
	Type      FrameType
	Timestamp uint64 // ms since epoch
	Sequence  uint32
	Payload   []byte
}

// Stats counts what a reader has seen. Dropped frames (ring overwrite) and
// corrupt frames (checksum mismatch) are quality degradations, not errors.
type Stats struct {
	Read    uint64
	Dropped uint64
	Corrupt uint64
}

// Reader is one consumer's cursor over a segment. Multiple readers may
// attach to the same segment; each keeps its own cursor and the producer
// never blocks on any of them.
type Reader struct {
	mem        []byte
	frameSize  uint32
	frameCount uint32
	cursor     uint64
	scratch    []byte
	stats      Stats

	// publishCursor mirrors the cursor into the header's readIndex field
	// for diagnostics. Only the primary consumer should enable it.
	publishCursor bool
}

// OpenReader validates the segment header and positions the cursor at the
// oldest frame still present, so a consumer attaching mid-stream replays
// the available backlog.
func OpenReader(mem []byte) (*Reader, error) {
	frameSize, frameCount, err := validateHeader(mem)
	if err != nil {
		return nil, fmt.Errorf("invalid ring header: %w", err)
	}
	r := &Reader{
		mem:        mem,
		frameSize:  frameSize,
		frameCount: frameCount,
		scratch:    make([]byte, frameSize),
	}
	wi := atomic.LoadUint64(writeIndexPtr(mem))
	if wi >= uint64(frameCount) {
		// Skip the oldest slot too: the producer may rewrite it the
		// moment it advances again.
		r.cursor = wi - uint64(frameCount) + 1
	}
	return r, nil
}

// PublishCursor makes this reader mirror its position into the header's
// readIndex field.
func (r *Reader) PublishCursor(on bool) {
	r.publishCursor = on
}

// FrameSize returns the slot size of the attached segment.
func (r *Reader) FrameSize() uint32 { return r.frameSize }

// FrameCount returns the slot count of the attached segment.
func (r *Reader) FrameCount() uint32 { return r.frameCount }

// Stats returns the reader's counters.
func (r *Reader) Stats() Stats { return r.stats }

func (r *Reader) slot(index uint64) []byte {
	off := HeaderSize + int(index%uint64(r.frameCount))*int(r.frameSize)
	return r.mem[off : off+int(r.frameSize)]
}

// Next returns the next valid frame, or ok=false when the reader has caught
// up with the producer. Corrupt or overwritten slots are skipped and
// counted. Never blocks.
func (r *Reader) Next() (Frame, bool) {
	for {
		wi := atomic.LoadUint64(writeIndexPtr(r.mem))
		if r.cursor >= wi {
			return Frame{}, false
		}
		if gap := wi - r.cursor; gap >= uint64(r.frameCount) {
			// Ring overwrote frames we never saw. Resync past the
			// oldest slot, which the producer may already be rewriting.
			r.stats.Dropped += gap - uint64(r.frameCount) + 1
			r.cursor = wi - uint64(r.frameCount) + 1
		}

		index := r.cursor
		copy(r.scratch, r.slot(index))

		// Seqlock-style recheck: once the producer is a full ring ahead
		// of index it may have been rewriting this slot during the copy.
		wi2 := atomic.LoadUint64(writeIndexPtr(r.mem))
		if wi2-index >= uint64(r.frameCount) {
			r.stats.Dropped++
			r.cursor = index + 1
			continue
		}

		dataSize := binary.LittleEndian.Uint32(r.scratch[frameOffDataSize:])
		if dataSize > r.frameSize-FrameHeaderSize {
			r.stats.Corrupt++
			r.cursor = index + 1
			continue
		}
		payload := r.scratch[FrameHeaderSize : FrameHeaderSize+int(dataSize)]
		want := binary.LittleEndian.Uint32(r.scratch[frameOffCRC:])
		if got := frameCRC(r.scratch, payload); got != want {
			r.stats.Corrupt++
			r.cursor = index + 1
			continue
		}

		r.cursor = index + 1
		r.stats.Read++
		if r.publishCursor {
			atomic.StoreUint64(readIndexPtr(r.mem), r.cursor)
		}
		return Frame{
			Type:      FrameType(r.scratch[frameOffType]),
			Timestamp: binary.LittleEndian.Uint64(r.scratch[frameOffTimestamp:]),
			Sequence:  binary.LittleEndian.Uint32(r.scratch[frameOffSequence:]),
			Payload:   payload,
		}, true
	}
}

// HeartbeatMs returns the producer's last heartbeat timestamp.
func (r *Reader) HeartbeatMs() uint64 {
	return atomic.LoadUint64(heartbeatPtr(r.mem))
}

// HeartbeatAge returns how long ago the producer heartbeat advanced.
func (r *Reader) HeartbeatAge(now time.Time) time.Duration {
	hb := int64(r.HeartbeatMs())
	age := now.UnixMilli() - hb
	if age < 0 {
		age = 0
	}
	return time.Duration(age) * time.Millisecond
}

// Stalled reports whether the producer heartbeat is older than threshold.
func (r *Reader) Stalled(threshold time.Duration, now time.Time) bool {
	return r.HeartbeatAge(now) >= threshold
}
