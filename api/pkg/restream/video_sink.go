package restream

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
)

// sinkState tracks the sink's lifecycle: LISTENING, AWAIT_CODEC, SERVING,
// DRAINING, TERMINATED. It is only used for observability (State) and
// tests; the worker loop itself is driven by the stopped flag and the
// queue/codec predicates.
type sinkState int32

const (
	sinkListening sinkState = iota
	sinkAwaitCodec
	sinkServing
	sinkDraining
	sinkTerminated
)

func (s sinkState) String() string {
	switch s {
	case sinkListening:
		return "LISTENING"
	case sinkAwaitCodec:
		return "AWAIT_CODEC"
	case sinkServing:
		return "SERVING"
	case sinkDraining:
		return "DRAINING"
	case sinkTerminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// VideoSink accepts encoded H.264/H.265 packets from the upstream pipeline
// (via the PacketSink capability) and streams them to at most one connected
// TCP client, bound to loopback with a listen backlog of 1.
//
// Codec metadata and the queue of pending packets are guarded by one mutex;
// one condition variable signals both "codec became available" and "queue
// is non-empty".
type VideoSink struct {
	port   uint16
	logger *slog.Logger

	mu   sync.Mutex
	cond *sync.Cond

	listener net.Listener
	conn     net.Conn

	queue []*Packet

	codecID   CodecID
	width     uint32
	height    uint32
	codecSent bool

	configPacket *Packet

	stopped bool
	state   atomic.Int32

	wg *conc.WaitGroup
}

// NewVideoSink creates a sink bound to the given loopback port once Start is
// called. Port 0 lets the kernel choose a free port, useful in tests; the
// bound port is then available via Addr.
func NewVideoSink(port uint16, logger *slog.Logger) *VideoSink {
	if logger == nil {
		logger = slog.Default()
	}
	s := &VideoSink{
		port:   port,
		logger: logger,
		wg:     conc.NewWaitGroup(),
	}
	s.cond = sync.NewCond(&s.mu)
	s.state.Store(int32(sinkListening))
	return s
}

// Start binds the listening socket and spawns the worker goroutine. A setup
// failure here means the sink never started: the caller must not call Stop
// or Join.
func (s *VideoSink) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", s.port))
	if err != nil {
		return fmt.Errorf("restream: video sink listen on port %d: %w", s.port, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("video sink listening", "addr", ln.Addr())
	s.wg.Go(s.run)
	return nil
}

// Addr returns the bound listen address, or nil if Start has not been
// called yet.
func (s *VideoSink) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// State reports the current position in the sink's state machine. Intended
// for tests and diagnostics, not for control flow.
func (s *VideoSink) State() string {
	return sinkState(s.state.Load()).String()
}

// Open records codec metadata for the stream. It must be called exactly
// once before any Push. Only H.264 and HEVC are supported; any other codec
// fails the whole pipeline per the upstream contract.
func (s *VideoSink) Open(codec CodecID, width, height uint32) error {
	if codec != CodecH264 && codec != CodecH265 {
		return fmt.Errorf("restream: unsupported codec %#08x", uint32(codec))
	}
	if width == 0 || height == 0 {
		return fmt.Errorf("restream: invalid dimensions %dx%d", width, height)
	}

	s.mu.Lock()
	s.codecID = codec
	s.width = width
	s.height = height
	s.codecSent = true
	s.cond.Broadcast()
	s.mu.Unlock()

	s.logger.Info("video sink codec initialized", "codec", codec, "width", width, "height", height)
	return nil
}

// Push transfers a packet into the sink. It never blocks on I/O: it only
// contends briefly on the mutex. Config (no-PTS) packets are always cached,
// replacing any previous cache entry, regardless of whether a client is
// connected. Packets are dropped (after the cache update) when no client is
// connected; this is the sink's intentional backpressure policy.
func (s *VideoSink) Push(p *Packet) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrSinkStopped
	}

	if !p.HasPTS {
		s.configPacket = p.clone()
		s.logger.Debug("video sink cached config packet", "size", len(p.Payload))
	}

	if s.conn == nil {
		s.mu.Unlock()
		return nil
	}

	s.queue = append(s.queue, p.clone())
	s.cond.Broadcast()
	s.mu.Unlock()
	return nil
}

// Close marks the sink terminal and wakes any goroutine blocked in
// cond.Wait. It is the PacketSink-facing half of shutdown: it does not
// touch sockets (that is Stop's job) and does not join the worker.
func (s *VideoSink) Close() {
	s.mu.Lock()
	s.stopped = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Stop is the component-lifecycle counterpart to Close: it sets the same
// stopped flag and additionally closes the listener and any connected
// client socket so a blocked Accept or Write unblocks promptly. Treat the
// resulting I/O error as an ordinary disconnect, not a failure. Stop is
// idempotent.
func (s *VideoSink) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.cond.Broadcast()
	ln := s.listener
	conn := s.conn
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	if conn != nil {
		conn.Close()
	}
}

// Join blocks until the worker goroutine exits. It must only be called
// after Stop (directly or via Close from the upstream side plus an eventual
// Stop from the owner).
func (s *VideoSink) Join() {
	s.wg.Wait()
}

func (s *VideoSink) run() {
	defer s.logger.Debug("video sink worker exited")

	for {
		s.mu.Lock()
		stopped := s.stopped
		s.mu.Unlock()
		if stopped {
			break
		}

		s.state.Store(int32(sinkListening))
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			stopped = s.stopped
			s.mu.Unlock()
			if stopped {
				break
			}
			s.logger.Warn("video sink accept failed", "err", err)
			continue
		}

		connID := uuid.New().String()
		s.logger.Info("video sink client connected", "conn_id", connID)

		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()

		s.serveClient(conn, connID)

		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		// Packets queued for this client are not valid for whoever connects
		// next: a new client must only ever see the cached config packet
		// plus whatever is pushed after its own accept.
		s.queue = nil
		s.mu.Unlock()
		conn.Close()
	}

	s.state.Store(int32(sinkDraining))
	s.mu.Lock()
	s.queue = nil
	s.configPacket = nil
	ln := s.listener
	s.mu.Unlock()
	if ln != nil {
		ln.Close()
	}
	s.state.Store(int32(sinkTerminated))
}

// serveClient drives one connected client from codec handshake through
// streaming until it disconnects, a send fails, or the sink stops.
func (s *VideoSink) serveClient(conn net.Conn, connID string) {
	s.state.Store(int32(sinkAwaitCodec))

	s.mu.Lock()
	for !s.codecSent && !s.stopped {
		s.cond.Wait()
	}
	stopped := s.stopped
	codec, width, height := s.codecID, s.width, s.height
	s.mu.Unlock()
	if stopped {
		return
	}

	if _, err := conn.Write(encodeCodecHeader(codec, width, height)); err != nil {
		s.logger.Warn("video sink failed to send codec header", "conn_id", connID, "err", err)
		return
	}

	s.mu.Lock()
	cached := s.configPacket
	s.mu.Unlock()
	if cached != nil {
		if err := s.sendPacket(conn, cached); err != nil {
			s.logger.Warn("video sink failed to send cached config packet", "conn_id", connID, "err", err)
			return
		}
		s.logger.Info("video sink sent cached config packet to new client", "conn_id", connID)
	}

	s.state.Store(int32(sinkServing))
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.stopped {
			s.cond.Wait()
		}
		if s.stopped {
			s.mu.Unlock()
			return
		}
		pkt := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		if err := s.sendPacket(conn, pkt); err != nil {
			s.logger.Info("video sink client disconnected", "conn_id", connID, "err", err)
			return
		}
	}
}

func (s *VideoSink) sendPacket(conn net.Conn, p *Packet) error {
	if _, err := conn.Write(encodeFrameHeader(p)); err != nil {
		return err
	}
	if len(p.Payload) == 0 {
		return nil
	}
	_, err := conn.Write(p.Payload)
	return err
}
