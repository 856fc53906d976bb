package restream

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
)

// controlMsgMaxSize bounds a single read from the TCP client. The forwarder
// does not parse control messages or preserve boundaries beyond what the
// kernel yields per read; it assumes the producer emits whole messages.
const controlMsgMaxSize = 256

// Controller is a weak reference to the external component that owns the
// downstream control socket. The forwarder never owns ControlConn's
// lifecycle; it only writes to whatever connection Controller currently
// reports. The forwarder does not synchronize those writes with any other
// writer of the same connection: serializing concurrent writers is the
// controller's responsibility.
type Controller interface {
	ControlConn() net.Conn
}

// ControlForwarder accepts a single TCP client and relays the bytes it
// writes, unmodified, to the controller's downstream control socket. It
// does not impose any framing of its own.
type ControlForwarder struct {
	port   int
	logger *slog.Logger

	mu         sync.Mutex
	listener   net.Listener
	conn       net.Conn
	stopped    bool
	controller Controller

	wg *conc.WaitGroup
}

// NewControlForwarder creates a forwarder bound to the given loopback port
// once Start is called.
func NewControlForwarder(port int, logger *slog.Logger) *ControlForwarder {
	if logger == nil {
		logger = slog.Default()
	}
	return &ControlForwarder{
		port:   port,
		logger: logger,
		wg:     conc.NewWaitGroup(),
	}
}

// Start binds the forwarder to controller and spawns the worker. controller
// must be non-nil: every forwarded byte needs somewhere to go.
func (f *ControlForwarder) Start(controller Controller) error {
	if controller == nil {
		return errors.New("restream: control forwarder requires a controller")
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", f.port))
	if err != nil {
		return fmt.Errorf("restream: control forwarder listen on port %d: %w", f.port, err)
	}

	f.mu.Lock()
	f.listener = ln
	f.controller = controller
	f.mu.Unlock()

	f.logger.Info("control forwarder listening", "addr", ln.Addr())
	f.wg.Go(f.run)
	return nil
}

// Addr returns the bound listen address, or nil if Start has not been
// called yet.
func (f *ControlForwarder) Addr() net.Addr {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listener == nil {
		return nil
	}
	return f.listener.Addr()
}

// Stop sets stopped under the mutex, then force-closes the listener and any
// connected client outside the lock so blocked Accept/Read calls unblock.
// Idempotent.
func (f *ControlForwarder) Stop() {
	f.mu.Lock()
	f.stopped = true
	ln := f.listener
	conn := f.conn
	f.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	if conn != nil {
		conn.Close()
	}
}

// Join blocks until the worker exits.
func (f *ControlForwarder) Join() {
	f.wg.Wait()
}

func (f *ControlForwarder) run() {
	defer f.logger.Debug("control forwarder worker exited")

	buf := make([]byte, controlMsgMaxSize)

	for {
		f.mu.Lock()
		stopped := f.stopped
		f.mu.Unlock()
		if stopped {
			break
		}

		conn, err := f.listener.Accept()
		if err != nil {
			f.mu.Lock()
			stopped = f.stopped
			f.mu.Unlock()
			if stopped {
				break
			}
			f.logger.Warn("control forwarder accept failed", "err", err)
			continue
		}

		connID := uuid.New().String()
		f.logger.Info("control forwarder client connected", "conn_id", connID)

		f.mu.Lock()
		f.conn = conn
		f.mu.Unlock()

		f.forwardClient(conn, connID, buf)

		f.mu.Lock()
		if f.conn == conn {
			f.conn = nil
		}
		f.mu.Unlock()
		conn.Close()
		f.logger.Info("control forwarder client disconnected", "conn_id", connID)
	}

	f.mu.Lock()
	ln := f.listener
	f.mu.Unlock()
	if ln != nil {
		ln.Close()
	}
}

func (f *ControlForwarder) forwardClient(conn net.Conn, connID string, buf []byte) {
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				f.logger.Warn("control forwarder receive error", "conn_id", connID, "err", err)
			}
			return
		}
		if n == 0 {
			return
		}

		f.mu.Lock()
		controller := f.controller
		f.mu.Unlock()

		dst := controller.ControlConn()
		if dst == nil {
			f.logger.Warn("control forwarder has no downstream control socket", "conn_id", connID)
			return
		}
		if err := writeAll(dst, buf[:n]); err != nil {
			f.logger.Warn("control forwarder failed to forward control message", "conn_id", connID, "err", err)
			return
		}
	}
}

func writeAll(conn net.Conn, buf []byte) error {
	for len(buf) > 0 {
		n, err := conn.Write(buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}
