package shmring

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"
)

// Writer is the producer side of the ring. Single-writer: one Writer per
// segment, one goroutine calling WriteFrame. It never blocks and is unaware
// of readers; when the ring is full the oldest unread frame is overwritten.
type Writer struct {
	mem        []byte
	frameSize  uint32
	frameCount uint32
	seq        uint32 // sequence number of the next frame
}

// NewWriter initializes the segment header and returns a writer for it.
// The buffer must be at least SegmentSize(frameSize, frameCount) bytes and
// 8-byte aligned (mmap and AlignedBuffer both guarantee this).
func NewWriter(mem []byte, frameSize, frameCount uint32) (*Writer, error) {
	if frameSize <= FrameHeaderSize {
		return nil, fmt.Errorf("frame size %d leaves no payload room", frameSize)
	}
	if frameCount == 0 {
		return nil, fmt.Errorf("frame count is zero")
	}
	if want := SegmentSize(frameSize, frameCount); len(mem) < want {
		return nil, fmt.Errorf("segment size %d below required %d", len(mem), want)
	}

	binary.LittleEndian.PutUint32(mem[offMagic:], Magic)
	binary.LittleEndian.PutUint16(mem[offVersion:], Version)
	binary.LittleEndian.PutUint16(mem[offReserved:], 0)
	binary.LittleEndian.PutUint32(mem[offFrameSize:], frameSize)
	binary.LittleEndian.PutUint32(mem[offFrameCount:], frameCount)
	atomic.StoreUint64(writeIndexPtr(mem), 0)
	atomic.StoreUint64(readIndexPtr(mem), 0)
	atomic.StoreUint64(heartbeatPtr(mem), uint64(time.Now().UnixMilli()))
	binary.LittleEndian.PutUint32(mem[offHeaderCRC:], headerCRC(mem))

	w := &Writer{mem: mem, frameSize: frameSize, frameCount: frameCount}
	for i := uint32(0); i < frameCount; i++ {
		slot := w.slot(uint64(i))
		for j := range slot {
			slot[j] = 0
		}
	}
	return w, nil
}

// MaxPayload returns the payload capacity of one frame.
func (w *Writer) MaxPayload() int {
	return int(w.frameSize) - FrameHeaderSize
}

func (w *Writer) slot(index uint64) []byte {
	off := HeaderSize + int(index%uint64(w.frameCount))*int(w.frameSize)
	return w.mem[off : off+int(w.frameSize)]
}

// WriteFrame copies the payload into the next slot and publishes it with a
// release-ordered store of the write index. No allocation on this path.
func (w *Writer) WriteFrame(ft FrameType, timestampMs uint64, payload []byte) error {
	if len(payload) > w.MaxPayload() {
		return fmt.Errorf("payload %d bytes exceeds frame capacity %d", len(payload), w.MaxPayload())
	}

	wi := atomic.LoadUint64(writeIndexPtr(w.mem))
	slot := w.slot(wi)

	slot[frameOffType] = byte(ft)
	slot[1], slot[2], slot[3] = 0, 0, 0
	binary.LittleEndian.PutUint32(slot[4:], 0) // alignment padding, keep zero
	binary.LittleEndian.PutUint64(slot[frameOffTimestamp:], timestampMs)
	binary.LittleEndian.PutUint32(slot[frameOffSequence:], w.seq)
	binary.LittleEndian.PutUint32(slot[frameOffDataSize:], uint32(len(payload)))
	copy(slot[FrameHeaderSize:], payload)

	binary.LittleEndian.PutUint32(slot[frameOffCRC:], frameCRC(slot, payload))

	w.seq++
	// Release-ordered publish: payload and header bytes above become
	// visible before the index advance.
	atomic.StoreUint64(writeIndexPtr(w.mem), wi+1)
	return nil
}

// UpdateHeartbeat stores the producer liveness timestamp. Called on its own
// cadence, independent of frame writes.
func (w *Writer) UpdateHeartbeat(nowMs uint64) {
	atomic.StoreUint64(heartbeatPtr(w.mem), nowMs)
}

// WriteIndex returns the number of frames published so far.
func (w *Writer) WriteIndex() uint64 {
	return atomic.LoadUint64(writeIndexPtr(w.mem))
}
