package shmring

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

func TestControlMessage_RoundTrip(t *testing.T) {
	msg := ControlMessage{
		Type:       MsgHandshake,
		MemfdFd:    7,
		RingSize:   8 << 20,
		SocketPath: DefaultSocketPath,
	}
	buf := msg.Marshal()
	require.Len(t, buf, ControlMessageSize)

	got, err := ParseControlMessage(buf)
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

func TestParseControlMessage_Errors(t *testing.T) {
	_, err := ParseControlMessage(make([]byte, 10))
	assert.Error(t, err)

	buf := ControlMessage{Type: MsgHeartbeat}.Marshal()
	buf[0] = 0x42
	_, err = ParseControlMessage(buf)
	assert.Error(t, err)
}

func TestControlMessage_LongPathTruncated(t *testing.T) {
	buf := ControlMessage{
		Type:       MsgHandshake,
		SocketPath: strings.Repeat("p", 200),
	}.Marshal()

	got, err := ParseControlMessage(buf)
	require.NoError(t, err)
	assert.Len(t, got.SocketPath, ctrlSockPathLen-1)
}

func TestCreateSegment_SealedAgainstResize(t *testing.T) {
	seg, err := CreateSegment(SegmentSize(256, 16))
	require.NoError(t, err)
	defer seg.Close()

	assert.Len(t, seg.Mem, SegmentSize(256, 16))
	assert.Error(t, unix.Ftruncate(seg.Fd(), 4096))
}

func TestCreateSegment_RejectsBadSize(t *testing.T) {
	_, err := CreateSegment(0)
	assert.Error(t, err)
	_, err = CreateSegment(maxSegmentSize + 1)
	assert.Error(t, err)
}

func TestHandshake_DeliversSegment(t *testing.T) {
	seg, err := CreateSegment(SegmentSize(256, 16))
	require.NoError(t, err)
	defer seg.Close()

	w, err := NewWriter(seg.Mem, 256, 16)
	require.NoError(t, err)

	sock := filepath.Join(t.TempDir(), "ctl.sock")
	srv := NewControlServer(sock, seg, zap.NewNop())
	require.NoError(t, srv.Start())
	defer srv.Stop()

	client, err := Connect(sock, 2*time.Second)
	require.NoError(t, err)
	defer client.Close()

	assert.Equal(t, MsgHandshake, client.Msg.Type)
	assert.Equal(t, uint64(SegmentSize(256, 16)), client.Msg.RingSize)
	assert.Equal(t, sock, client.Msg.SocketPath)

	// Frames published on the producer mapping appear through the
	// consumer mapping of the same pages.
	require.NoError(t, w.WriteFrame(FrameVitals, 1234, []byte(`{"hr":72}`)))

	r, err := OpenReader(client.Segment.Mem)
	require.NoError(t, err)
	frame, ok := r.Next()
	require.True(t, ok)
	assert.Equal(t, FrameVitals, frame.Type)
	assert.Equal(t, uint64(1234), frame.Timestamp)
	assert.Equal(t, `{"hr":72}`, string(frame.Payload))
}

func TestHandshake_MultipleConsumers(t *testing.T) {
	seg, err := CreateSegment(SegmentSize(256, 16))
	require.NoError(t, err)
	defer seg.Close()

	w, err := NewWriter(seg.Mem, 256, 16)
	require.NoError(t, err)
	require.NoError(t, w.WriteFrame(FrameVitals, 1, []byte(`{"hr":60}`)))

	sock := filepath.Join(t.TempDir(), "ctl.sock")
	srv := NewControlServer(sock, seg, zap.NewNop())
	require.NoError(t, srv.Start())
	defer srv.Stop()

	for i := 0; i < 2; i++ {
		client, err := Connect(sock, 2*time.Second)
		require.NoError(t, err)

		r, err := OpenReader(client.Segment.Mem)
		require.NoError(t, err)
		frame, ok := r.Next()
		require.True(t, ok, "consumer %d saw no frame", i)
		assert.Equal(t, uint32(0), frame.Sequence)
		require.NoError(t, client.Close())
	}
}

func TestStop_BroadcastsShutdown(t *testing.T) {
	seg, err := CreateSegment(SegmentSize(256, 16))
	require.NoError(t, err)
	defer seg.Close()

	sock := filepath.Join(t.TempDir(), "ctl.sock")
	srv := NewControlServer(sock, seg, zap.NewNop())
	require.NoError(t, srv.Start())

	client, err := Connect(sock, 2*time.Second)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, srv.Stop())

	msg, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, MsgShutdown, msg.Type)

	// After the broadcast the producer closes the connection.
	_, err = client.ReadMessage()
	assert.Error(t, err)

	// The socket file is gone, so late consumers fail fast.
	_, err = Connect(sock, 200*time.Millisecond)
	assert.Error(t, err)
}

func TestConnect_NoProducer(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "missing.sock")
	_, err := Connect(sock, 200*time.Millisecond)
	assert.Error(t, err)
}
