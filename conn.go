// Package acksocket implements a one-shot TCP (and UDP) exchange: a client
// sends a single message and reads a single reply, and a server answers every
// accepted connection with a fixed acknowledgment.
package acksocket

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Conn owns one connected socket for the duration of a single exchange.
// It is released exactly once: Close may be called from any path, and only
// the first call reaches the socket.
type Conn struct {
	rawConn net.Conn
	id      string
	logger  Logger

	opts options

	closed atomic.Bool
}

// NewConn wraps an established connection. Ownership of conn passes to the
// returned Conn.
func NewConn(conn net.Conn, opt ...Option) (*Conn, error) {
	if conn == nil {
		return nil, ErrNilConn
	}

	var opts options
	for _, o := range opt {
		o(&opts)
	}
	checkOptions(&opts)

	return &Conn{
		rawConn: conn,
		id:      uuid.NewString(),
		logger:  opts.logger,
		opts:    opts,
	}, nil
}

// checkOptions validates and sets default values for connection options.
func checkOptions(opts *options) {
	if opts.maxReadLength <= 0 {
		opts.maxReadLength = MaxMessageSize
	}

	if opts.codec == nil {
		opts.codec = NewRawCodec(opts.maxReadLength)
	}

	if opts.idleTimeout < 0 {
		opts.idleTimeout = 0
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}
}

// ReadMessage performs one decode from the connection.
func (c *Conn) ReadMessage() (Message, error) {
	if c.closed.Load() {
		return nil, newError(ReceiveFailure, "read", net.ErrClosed)
	}
	if c.opts.idleTimeout > 0 {
		_ = c.rawConn.SetReadDeadline(time.Now().Add(c.opts.idleTimeout))
	}

	m, err := c.opts.codec.Decode(c.rawConn)
	if err != nil {
		c.logger.Debug("read error", "conn_id", c.id, "addr", c.Addr(), "error", err)
		return nil, newError(ReceiveFailure, "read", err)
	}
	return m, nil
}

// WriteMessage encodes m and writes all of it in one call.
func (c *Conn) WriteMessage(m Message) error {
	if c.closed.Load() {
		return newError(SendFailure, "write", net.ErrClosed)
	}

	data, err := c.opts.codec.Encode(m)
	if err != nil {
		return newError(SendFailure, "encode", err)
	}

	if c.opts.idleTimeout > 0 {
		_ = c.rawConn.SetWriteDeadline(time.Now().Add(c.opts.idleTimeout))
	}

	if _, err = c.rawConn.Write(data); err != nil {
		c.logger.Debug("write error", "conn_id", c.id, "addr", c.Addr(), "error", err)
		return newError(SendFailure, "write", err)
	}
	return nil
}

// Close releases the socket. Only the first call closes it; later calls
// return nil.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return newError(CloseFailure, "close", c.rawConn.Close())
}

// IsClosed returns true if the connection has been closed.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// ID returns the identifier used to correlate log lines for this connection.
func (c *Conn) ID() string {
	return c.id
}

// Addr returns the remote address of the connection.
func (c *Conn) Addr() net.Addr {
	return c.rawConn.RemoteAddr()
}

// LocalAddr returns the local address of the connection.
func (c *Conn) LocalAddr() net.Addr {
	return c.rawConn.LocalAddr()
}
