// Package shmring implements the shared-memory ring buffer that carries
// sensor frames from the producer process to the monitor, and the Unix
// socket control channel that hands the memory segment across. Linux only.
//
// Segment layout (little-endian, C ABI natural alignment):
//
//	header (48 bytes) | slot 0 | slot 1 | ... | slot frameCount-1
//
// Each slot is frameSize bytes: a 32-byte frame header followed by payload.
// The producer publishes a frame by copying it into writeIndex%frameCount
// and then release-storing writeIndex+1; writeIndex runs free (monotonic
// uint64) so consumers detect overwrites as gaps larger than frameCount.
package shmring

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"unsafe"
)

// Header constants shared by producer and consumer. Magic or version
// mismatch is a fatal handshake error.
const (
	Magic   uint32 = 0x534D5242 // "SMRB"
	Version uint16 = 1

	HeaderSize      = 48
	FrameHeaderSize = 32
)

// Ring header field offsets.
const (
	offMagic      = 0
	offVersion    = 4
	offReserved   = 6
	offFrameSize  = 8
	offFrameCount = 12
	offWriteIndex = 16 // atomic, producer-owned
	offReadIndex  = 24 // atomic, diagnostic consumer cursor
	offHeartbeat  = 32 // atomic, ms since epoch, producer-owned
	offHeaderCRC  = 40 // CRC-32 over bytes [0, 40)
)

// Frame header field offsets within a slot. Bytes 4-7 and 28-31 are
// alignment padding and always zero.
const (
	frameOffType      = 0
	frameOffTimestamp = 8
	frameOffSequence  = 16
	frameOffDataSize  = 20
	frameOffCRC       = 24
	frameCRCPrefixLen = 24 // checksummed header prefix: bytes [0, 24)
)

// FrameType tags the payload carried by a frame.
type FrameType uint8

const (
	FrameVitals    FrameType = 0x01
	FrameWaveform  FrameType = 0x02
	FrameHeartbeat FrameType = 0x03
	FrameInvalid   FrameType = 0xFF
)

func (t FrameType) String() string {
	switch t {
	case FrameVitals:
		return "vitals"
	case FrameWaveform:
		return "waveform"
	case FrameHeartbeat:
		return "heartbeat"
	default:
		return "invalid"
	}
}

// SegmentSize returns the total byte size of a segment with the given
// geometry.
func SegmentSize(frameSize, frameCount uint32) int {
	return HeaderSize + int(frameSize)*int(frameCount)
}

// AlignedBuffer allocates an in-process segment buffer whose base address
// is 8-byte aligned, so the header's atomic fields are usable without an
// mmap. Intended for tests and the in-process simulated source.
func AlignedBuffer(size int) []byte {
	words := make([]uint64, (size+7)/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
}

// frameCRC computes the frame checksum: CRC-32 (IEEE) over the 24-byte
// header prefix followed by the payload. Covering the header catches a
// torn type or size, not just payload damage.
func frameCRC(slot []byte, payload []byte) uint32 {
	crc := crc32.Update(0, crc32.IEEETable, slot[:frameCRCPrefixLen])
	return crc32.Update(crc, crc32.IEEETable, payload)
}

func headerCRC(mem []byte) uint32 {
	return crc32.ChecksumIEEE(mem[:offHeaderCRC])
}

// validateHeader checks magic, version, geometry and the header checksum.
func validateHeader(mem []byte) (frameSize, frameCount uint32, err error) {
	if len(mem) < HeaderSize {
		return 0, 0, fmt.Errorf("segment too small: %d bytes", len(mem))
	}
	if got := binary.LittleEndian.Uint32(mem[offMagic:]); got != Magic {
		return 0, 0, fmt.Errorf("bad magic 0x%08X, want 0x%08X", got, Magic)
	}
	if got := binary.LittleEndian.Uint16(mem[offVersion:]); got != Version {
		return 0, 0, fmt.Errorf("unsupported version %d, want %d", got, Version)
	}
	if got, want := binary.LittleEndian.Uint32(mem[offHeaderCRC:]), headerCRC(mem); got != want {
		return 0, 0, fmt.Errorf("header checksum mismatch: got 0x%08X, want 0x%08X", got, want)
	}
	frameSize = binary.LittleEndian.Uint32(mem[offFrameSize:])
	frameCount = binary.LittleEndian.Uint32(mem[offFrameCount:])
	if frameSize <= FrameHeaderSize {
		return 0, 0, fmt.Errorf("frame size %d leaves no payload room", frameSize)
	}
	if frameCount == 0 {
		return 0, 0, fmt.Errorf("frame count is zero")
	}
	if want := SegmentSize(frameSize, frameCount); len(mem) < want {
		return 0, 0, fmt.Errorf("segment size %d below required %d", len(mem), want)
	}
	return frameSize, frameCount, nil
}

// Atomic accessors into the mapped header. The segment base is page (or
// at least 8-byte) aligned, so these fields sit on aligned addresses.

func writeIndexPtr(mem []byte) *uint64 {
	return (*uint64)(unsafe.Pointer(&mem[offWriteIndex]))
}

func readIndexPtr(mem []byte) *uint64 {
	return (*uint64)(unsafe.Pointer(&mem[offReadIndex]))
}

func heartbeatPtr(mem []byte) *uint64 {
	return (*uint64)(unsafe.Pointer(&mem[offHeartbeat]))
}
