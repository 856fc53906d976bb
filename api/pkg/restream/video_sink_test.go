package restream

import (
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSink(t *testing.T) *VideoSink {
	t.Helper()
	s := NewVideoSink(0, testLogger())
	require.NoError(t, s.Start())
	t.Cleanup(func() {
		s.Close()
		s.Stop()
		s.Join()
	})
	return s
}

func dialSink(t *testing.T, s *VideoSink) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", s.Addr().String(), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readN(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, n)
	_, err := io.ReadFull(conn, buf)
	require.NoError(t, err)
	return buf
}

type wireFrame struct {
	ptsFlags uint64
	payload  []byte
}

func readFrame(t *testing.T, conn net.Conn) wireFrame {
	t.Helper()
	hdr := readN(t, conn, frameHeaderSize)
	pf := binary.BigEndian.Uint64(hdr[0:8])
	length := binary.BigEndian.Uint32(hdr[8:12])
	payload := []byte{}
	if length > 0 {
		payload = readN(t, conn, int(length))
	}
	return wireFrame{ptsFlags: pf, payload: payload}
}

// Happy path - codec header, then config/keyframe/plain frames in order.
func TestVideoSinkHappyPath(t *testing.T) {
	s := newTestSink(t)

	require.NoError(t, s.Open(CodecH264, 1280, 720))
	conn := dialSink(t, s)

	hdr := readN(t, conn, codecHeaderSize)
	require.Equal(t, uint32(CodecH264), binary.BigEndian.Uint32(hdr[0:4]))
	require.Equal(t, uint32(1280), binary.BigEndian.Uint32(hdr[4:8]))
	require.Equal(t, uint32(720), binary.BigEndian.Uint32(hdr[8:12]))

	configPayload := []byte{0x00, 0x00, 0x00, 0x01, 0x67}
	require.NoError(t, s.Push(&Packet{Payload: configPayload, HasPTS: false}))
	require.NoError(t, s.Push(&Packet{Payload: []byte("key"), PTS: 1000, HasPTS: true, KeyFrame: true}))
	require.NoError(t, s.Push(&Packet{Payload: []byte("frame"), PTS: 2000, HasPTS: true}))

	f := readFrame(t, conn)
	require.Equal(t, flagConfig, f.ptsFlags)
	require.Equal(t, configPayload, f.payload)

	f = readFrame(t, conn)
	require.NotZero(t, f.ptsFlags&flagKeyFrame)
	require.Zero(t, f.ptsFlags&flagConfig)
	require.Equal(t, uint64(1000), f.ptsFlags&ptsMask)
	require.Equal(t, []byte("key"), f.payload)

	f = readFrame(t, conn)
	require.Zero(t, f.ptsFlags&flagKeyFrame)
	require.Zero(t, f.ptsFlags&flagConfig)
	require.Equal(t, uint64(2000), f.ptsFlags&ptsMask)
	require.Equal(t, []byte("frame"), f.payload)
}

// Packets pushed with no client connected are dropped except the cached
// config packet; a later client receives the codec header and only the
// cached config, then subsequent pushes arrive normally.
func TestVideoSinkLateClientOnlySeesCachedConfig(t *testing.T) {
	s := newTestSink(t)
	require.NoError(t, s.Open(CodecH264, 640, 480))

	configPayload := []byte{0xAA, 0xBB}
	require.NoError(t, s.Push(&Packet{Payload: configPayload, HasPTS: false}))
	require.NoError(t, s.Push(&Packet{Payload: []byte("A"), PTS: 1, HasPTS: true}))
	require.NoError(t, s.Push(&Packet{Payload: []byte("B"), PTS: 2, HasPTS: true}))

	s.mu.Lock()
	queueLen := len(s.queue)
	s.mu.Unlock()
	require.Zero(t, queueLen, "packets pushed with no client connected must not grow the queue")

	conn := dialSink(t, s)
	readN(t, conn, codecHeaderSize)

	f := readFrame(t, conn)
	require.Equal(t, flagConfig, f.ptsFlags)
	require.Equal(t, configPayload, f.payload)

	require.NoError(t, s.Push(&Packet{Payload: []byte("C"), PTS: 3, HasPTS: true}))
	f = readFrame(t, conn)
	require.Equal(t, []byte("C"), f.payload)
}

// Stop with no client connected (worker blocked in Accept) still
// unblocks Join promptly.
func TestVideoSinkStopWithNoClientUnblocksJoin(t *testing.T) {
	s := NewVideoSink(0, testLogger())
	require.NoError(t, s.Start())

	done := make(chan struct{})
	go func() {
		s.Stop()
		s.Join()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("stop+join did not return in time")
	}
}

// An unsupported codec fails Open; upstream is expected to tear the
// pipeline down via Close, after which Push fails too.
func TestVideoSinkUnsupportedCodec(t *testing.T) {
	s := newTestSink(t)

	err := s.Open(CodecID(0x6d703461), 640, 480) // "mp4a", not h264/h265
	require.Error(t, err)

	s.Close()
	err = s.Push(&Packet{Payload: []byte("x"), PTS: 1, HasPTS: true})
	require.ErrorIs(t, err, ErrSinkStopped)
}

// Boundary: a client connecting before Open is called must wait for the
// codec header rather than receiving garbage or hanging forever.
func TestVideoSinkClientBeforeOpen(t *testing.T) {
	s := newTestSink(t)
	conn := dialSink(t, s)

	// Give the worker time to reach AWAIT_CODEC before Open arrives.
	require.Eventually(t, func() bool {
		return s.State() == "AWAIT_CODEC"
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, s.Open(CodecH265, 1920, 1080))
	hdr := readN(t, conn, codecHeaderSize)
	require.Equal(t, uint32(CodecH265), binary.BigEndian.Uint32(hdr[0:4]))
}

// Boundary: two clients connecting serially each get a fresh codec header
// and the latest cached config packet.
func TestVideoSinkSerialClientsEachGetCodecHeader(t *testing.T) {
	s := newTestSink(t)
	require.NoError(t, s.Open(CodecH264, 320, 240))
	require.NoError(t, s.Push(&Packet{Payload: []byte("cfg1"), HasPTS: false}))

	conn1, err := net.DialTimeout("tcp", s.Addr().String(), time.Second)
	require.NoError(t, err)
	readN(t, conn1, codecHeaderSize)
	f := readFrame(t, conn1)
	require.Equal(t, []byte("cfg1"), f.payload)

	// Force an immediate RST instead of a graceful FIN so the server's next
	// write to this connection fails deterministically rather than landing
	// in a kernel send buffer unnoticed.
	if tcpConn, ok := conn1.(*net.TCPConn); ok {
		_ = tcpConn.SetLinger(0)
	}
	conn1.Close()

	// The server only notices conn1 is gone on its next write, so push a
	// throwaway frame to force that detection before relying on cfg2.
	require.Eventually(t, func() bool {
		_ = s.Push(&Packet{Payload: []byte("probe"), PTS: 1, HasPTS: true})
		return s.State() == "LISTENING" || s.State() == "AWAIT_CODEC"
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Push(&Packet{Payload: []byte("cfg2"), HasPTS: false}))

	require.Eventually(t, func() bool {
		return s.State() == "LISTENING" || s.State() == "AWAIT_CODEC"
	}, time.Second, 10*time.Millisecond)

	conn2 := dialSink(t, s)
	readN(t, conn2, codecHeaderSize)
	f = readFrame(t, conn2)
	require.Equal(t, []byte("cfg2"), f.payload)
}

// Boundary: a zero-size payload still produces a full 12-byte header frame.
func TestVideoSinkZeroSizePayload(t *testing.T) {
	s := newTestSink(t)
	require.NoError(t, s.Open(CodecH264, 100, 100))
	conn := dialSink(t, s)
	readN(t, conn, codecHeaderSize)

	require.NoError(t, s.Push(&Packet{Payload: nil, PTS: 5, HasPTS: true}))
	f := readFrame(t, conn)
	require.Empty(t, f.payload)
	require.Equal(t, uint64(5), f.ptsFlags&ptsMask)
}

// Stop while the worker is blocked in cond.Wait awaiting codec must not
// deadlock.
func TestVideoSinkStopWhileAwaitingCodec(t *testing.T) {
	s := NewVideoSink(0, testLogger())
	require.NoError(t, s.Start())

	conn, err := net.DialTimeout("tcp", s.Addr().String(), time.Second)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return s.State() == "AWAIT_CODEC"
	}, time.Second, 10*time.Millisecond)

	done := make(chan struct{})
	go func() {
		s.Stop()
		s.Join()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("stop+join deadlocked while worker awaited codec")
	}
}
