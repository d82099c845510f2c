package shmring

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	// DefaultSocketPath is where the producer listens for consumers.
	DefaultSocketPath = "/tmp/z-monitor-sensor.sock"

	// ControlMessageSize is the fixed wire size of every control message.
	ControlMessageSize = 128

	memfdName      = "zmonitor-sim-ring"
	maxSegmentSize = 1 << 30

	ctrlOffType     = 0
	ctrlOffMemfdFd  = 4
	ctrlOffRingSize = 8
	ctrlOffSockPath = 16
	ctrlSockPathLen = 108
)

// MessageType identifies a control-channel message.
type MessageType uint8

const (
	MsgHandshake MessageType = 0x01
	MsgHeartbeat MessageType = 0x02
	MsgShutdown  MessageType = 0x03
	MsgError     MessageType = 0xFF
)

func (m MessageType) String() string {
	switch m {
	case MsgHandshake:
		return "handshake"
	case MsgHeartbeat:
		return "heartbeat"
	case MsgShutdown:
		return "shutdown"
	case MsgError:
		return "error"
	default:
		return fmt.Sprintf("unknown(0x%02x)", uint8(m))
	}
}

// ControlMessage is the fixed-size record exchanged over the control socket.
// MemfdFd is advisory only; the usable descriptor always travels as
// SCM_RIGHTS ancillary data alongside the handshake bytes.
type ControlMessage struct {
	Type       MessageType
	MemfdFd    uint32
	RingSize   uint64
	SocketPath string
}

// Marshal encodes the message into its 128-byte wire form.
func (m ControlMessage) Marshal() []byte {
	buf := make([]byte, ControlMessageSize)
	buf[ctrlOffType] = uint8(m.Type)
	binary.LittleEndian.PutUint32(buf[ctrlOffMemfdFd:], m.MemfdFd)
	binary.LittleEndian.PutUint64(buf[ctrlOffRingSize:], m.RingSize)
	path := m.SocketPath
	if len(path) >= ctrlSockPathLen {
		path = path[:ctrlSockPathLen-1]
	}
	copy(buf[ctrlOffSockPath:], path)
	return buf
}

// ParseControlMessage decodes a 128-byte control message.
func ParseControlMessage(buf []byte) (ControlMessage, error) {
	if len(buf) < ControlMessageSize {
		return ControlMessage{}, fmt.Errorf("control message too short: %d bytes", len(buf))
	}
	m := ControlMessage{
		Type:     MessageType(buf[ctrlOffType]),
		MemfdFd:  binary.LittleEndian.Uint32(buf[ctrlOffMemfdFd:]),
		RingSize: binary.LittleEndian.Uint64(buf[ctrlOffRingSize:]),
	}
	raw := buf[ctrlOffSockPath : ctrlOffSockPath+ctrlSockPathLen]
	for i, b := range raw {
		if b == 0 {
			raw = raw[:i]
			break
		}
	}
	m.SocketPath = string(raw)
	switch m.Type {
	case MsgHandshake, MsgHeartbeat, MsgShutdown, MsgError:
	default:
		return m, fmt.Errorf("unknown control message type 0x%02x", uint8(m.Type))
	}
	return m, nil
}

// Segment is a mapped shared-memory region plus the descriptor backing it.
type Segment struct {
	Mem []byte
	fd  int
}

// Fd returns the descriptor backing the segment.
func (s *Segment) Fd() int { return s.fd }

// Close unmaps the segment and closes its descriptor. Callers must stop all
// readers and writers on Mem first.
func (s *Segment) Close() error {
	var first error
	if s.Mem != nil {
		if err := unix.Munmap(s.Mem); err != nil {
			first = fmt.Errorf("failed to unmap segment: %w", err)
		}
		s.Mem = nil
	}
	if s.fd >= 0 {
		if err := unix.Close(s.fd); err != nil && first == nil {
			first = fmt.Errorf("failed to close segment fd: %w", err)
		}
		s.fd = -1
	}
	return first
}

// CreateSegment allocates an anonymous sealed memfd segment of the given
// size and maps it read-write. The producer calls this once at startup.
func CreateSegment(size int) (*Segment, error) {
	if size < HeaderSize || size > maxSegmentSize {
		return nil, fmt.Errorf("invalid segment size %d", size)
	}
	fd, err := unix.MemfdCreate(memfdName, unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		return nil, fmt.Errorf("failed to create memfd: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to size memfd: %w", err)
	}
	// Sealing the size lets both sides map without racing a truncate.
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_ADD_SEALS, unix.F_SEAL_SHRINK|unix.F_SEAL_GROW); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to seal memfd: %w", err)
	}
	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to map memfd: %w", err)
	}
	return &Segment{Mem: mem, fd: fd}, nil
}

// ControlServer hands the ring segment to consumers over a Unix socket and
// broadcasts shutdown when the producer exits.
type ControlServer struct {
	path   string
	seg    *Segment
	logger *zap.Logger

	ln     *net.UnixListener
	mu     sync.Mutex
	conns  map[*net.UnixConn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewControlServer creates a control server for the given segment. Start
// must be called before consumers can attach.
func NewControlServer(path string, seg *Segment, logger *zap.Logger) *ControlServer {
	return &ControlServer{
		path:   path,
		seg:    seg,
		logger: logger,
		conns:  make(map[*net.UnixConn]struct{}),
	}
}

// Start binds the socket and begins accepting consumers.
func (s *ControlServer) Start() error {
	// A stale socket file from a crashed producer blocks the bind.
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove stale socket: %w", err)
	}
	addr, err := net.ResolveUnixAddr("unix", s.path)
	if err != nil {
		return fmt.Errorf("failed to resolve socket path: %w", err)
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on control socket: %w", err)
	}
	s.ln = ln
	s.wg.Add(1)
	go s.acceptLoop()
	s.logger.Info("control server listening", zap.String("socket", s.path))
	return nil
}

func (s *ControlServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.AcceptUnix()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("control accept failed", zap.Error(err))
			continue
		}
		s.wg.Add(1)
		go s.handle(conn)
	}
}

func (s *ControlServer) handle(conn *net.UnixConn) {
	defer s.wg.Done()
	defer conn.Close()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	msg := ControlMessage{
		Type:       MsgHandshake,
		MemfdFd:    uint32(s.seg.Fd()),
		RingSize:   uint64(len(s.seg.Mem)),
		SocketPath: s.path,
	}
	// The descriptor must ride in the same sendmsg as the handshake bytes,
	// otherwise a consumer reading in one call would miss it.
	rights := unix.UnixRights(s.seg.Fd())
	if _, _, err := conn.WriteMsgUnix(msg.Marshal(), rights, nil); err != nil {
		s.logger.Warn("handshake send failed", zap.Error(err))
		return
	}
	s.logger.Info("consumer attached",
		zap.String("socket", s.path),
		zap.Uint64("ring_size", msg.RingSize))

	// Drain client messages until it disconnects.
	buf := make([]byte, ControlMessageSize)
	for {
		if _, err := io.ReadFull(conn, buf); err != nil {
			s.logger.Info("consumer detached", zap.String("socket", s.path))
			return
		}
	}
}

// Stop broadcasts shutdown to attached consumers, closes the listener, and
// removes the socket file.
func (s *ControlServer) Stop() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]*net.UnixConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	payload := ControlMessage{Type: MsgShutdown}.Marshal()
	for _, c := range conns {
		c.SetWriteDeadline(time.Now().Add(time.Second))
		if _, err := c.Write(payload); err != nil {
			s.logger.Warn("shutdown broadcast failed", zap.Error(err))
		}
		c.Close()
	}
	if s.ln != nil {
		s.ln.Close()
	}
	s.wg.Wait()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove socket: %w", err)
	}
	return nil
}

// ClientConn is a consumer's attachment: the mapped segment plus the open
// control connection for shutdown notifications.
type ClientConn struct {
	conn    *net.UnixConn
	Segment *Segment
	Msg     ControlMessage
}

// Connect dials the producer's control socket, performs the handshake, and
// maps the shared segment. The descriptor and the handshake bytes arrive in
// a single recvmsg; splitting them across reads loses the descriptor.
func Connect(path string, timeout time.Duration) (*ClientConn, error) {
	d := net.Dialer{Timeout: timeout}
	raw, err := d.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to dial control socket: %w", err)
	}
	conn := raw.(*net.UnixConn)

	if timeout > 0 {
		conn.SetReadDeadline(time.Now().Add(timeout))
	}
	buf := make([]byte, ControlMessageSize)
	oob := make([]byte, unix.CmsgSpace(4))
	n, oobn, _, _, err := conn.ReadMsgUnix(buf, oob)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read handshake: %w", err)
	}
	if n < ControlMessageSize {
		if _, err := io.ReadFull(conn, buf[n:]); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to read handshake tail: %w", err)
		}
	}
	conn.SetReadDeadline(time.Time{})

	msg, err := ParseControlMessage(buf)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if msg.Type != MsgHandshake {
		conn.Close()
		return nil, fmt.Errorf("expected handshake, got %s", msg.Type)
	}
	if oobn == 0 {
		conn.Close()
		return nil, errors.New("handshake carried no file descriptor")
	}
	cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to parse ancillary data: %w", err)
	}
	fds, err := unix.ParseUnixRights(&cmsgs[0])
	if err != nil || len(fds) == 0 {
		conn.Close()
		return nil, errors.New("handshake ancillary data held no descriptor")
	}
	fd := fds[0]
	unix.CloseOnExec(fd)

	if msg.RingSize < HeaderSize || msg.RingSize > maxSegmentSize {
		unix.Close(fd)
		conn.Close()
		return nil, fmt.Errorf("handshake advertises invalid ring size %d", msg.RingSize)
	}
	mem, err := unix.Mmap(fd, 0, int(msg.RingSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		conn.Close()
		return nil, fmt.Errorf("failed to map ring segment: %w", err)
	}
	return &ClientConn{
		conn:    conn,
		Segment: &Segment{Mem: mem, fd: fd},
		Msg:     msg,
	}, nil
}

// ReadMessage blocks until the next control message arrives. It returns an
// error when the producer closes the connection.
func (c *ClientConn) ReadMessage() (ControlMessage, error) {
	buf := make([]byte, ControlMessageSize)
	if _, err := io.ReadFull(c.conn, buf); err != nil {
		return ControlMessage{}, err
	}
	return ParseControlMessage(buf)
}

// Close tears down the control connection and unmaps the segment. Callers
// must stop reading the segment first.
func (c *ClientConn) Close() error {
	err := c.conn.Close()
	if segErr := c.Segment.Close(); segErr != nil && err == nil {
		err = segErr
	}
	return err
}
