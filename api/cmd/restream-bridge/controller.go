package main

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
)

// dialingController implements restream.Controller by lazily dialing a
// downstream control address on the first ControlConn call, and again on the
// next call after a failed dial. Once a connection is established it is
// returned as is until Close; a connection that has since died is not
// detected or redialed. It stands in for the real controller that
// owns scrcpy's device-side control socket, which lives outside this
// module.
type dialingController struct {
	addr   string
	logger *slog.Logger

	mu   sync.Mutex
	conn net.Conn
}

func newDialingController(addr string, logger *slog.Logger) *dialingController {
	return &dialingController{addr: addr, logger: logger}
}

// ControlConn returns the current downstream connection, dialing one if
// needed. A nil return tells the forwarder there is nowhere to send the
// message; it logs and drops the client.
func (c *dialingController) ControlConn() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return c.conn
	}

	conn, err := net.Dial("tcp", c.addr)
	if err != nil {
		c.logger.Warn("dialing controller: could not reach downstream control socket", "addr", c.addr, "err", err)
		return nil
	}
	c.logger.Info("dialing controller: connected to downstream control socket", "addr", c.addr)
	c.conn = conn
	return c.conn
}

func (c *dialingController) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *dialingController) String() string {
	return fmt.Sprintf("dialingController(%s)", c.addr)
}
