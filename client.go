package acksocket

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/pkg/errors"
)

// Client performs single request/reply exchanges.
type Client struct {
	logger Logger
	out    io.Writer
	opts   []Option
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// ClientLoggerOption sets the logger for status lines.
func ClientLoggerOption(logger Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// ClientOutputOption sets where the reply is printed. Defaults to os.Stdout.
func ClientOutputOption(w io.Writer) ClientOption {
	return func(c *Client) {
		c.out = w
	}
}

// ClientConnOption sets options applied to the client's connection.
func ClientConnOption(opts ...Option) ClientOption {
	return func(c *Client) {
		c.opts = append(c.opts, opts...)
	}
}

// NewClient returns a Client with the given options.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = defaultLogger()
	}
	if c.out == nil {
		c.out = os.Stdout
	}
	return c
}

// Run connects to host:port over TCP, sends message, reads one reply of at
// most MaxMessageSize bytes, prints it and closes the connection. host must
// be a numeric IP address.
//
// Every failure is returned as an *Error whose Kind names the failed step,
// except cancellation of ctx, which is returned as ctx.Err().
// Resources acquired before the failure are released; release errors are
// logged and never replace the returned error.
func (c *Client) Run(ctx context.Context, host string, port int, message []byte) (Message, error) {
	ip, err := parseEndpoint(host, port)
	if err != nil {
		return nil, err
	}
	addr := &net.TCPAddr{IP: ip, Port: port}

	raw, err := dialTCP(ctx, addr, c.logger)
	if err != nil {
		c.logger.Error("connection error", "addr", addr, "kind", KindOf(err).String(), "error", err)
		return nil, err
	}
	c.logger.Info("connected to server", "addr", addr)

	return c.exchange(ctx, raw, message, c.opts)
}

// RunUDP sends message as one datagram to host:port and reads one reply of
// at most MaxDatagramSize bytes.
func (c *Client) RunUDP(ctx context.Context, host string, port int, message []byte) (Message, error) {
	ip, err := parseEndpoint(host, port)
	if err != nil {
		return nil, err
	}
	addr := &net.UDPAddr{IP: ip, Port: port}

	raw, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		c.logger.Error("connection error", "addr", addr, "error", err)
		return nil, newError(classify(err, ConnectFailure), "connect "+addr.String(), err)
	}

	opts := append([]Option{MessageMaxSize(MaxDatagramSize)}, c.opts...)
	return c.exchange(ctx, raw, message, opts)
}

func (c *Client) exchange(ctx context.Context, raw net.Conn, message []byte, opts []Option) (Message, error) {
	conn, err := NewConn(raw, append([]Option{LoggerOption(c.logger)}, opts...)...)
	if err != nil {
		releaseLogged(c.logger, "socket", raw.Close)
		return nil, newError(ResourceCreationFailure, "wrap connection", err)
	}

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err = conn.WriteMessage(NewMessage(message)); err != nil {
		releaseLogged(c.logger, "socket", conn.Close)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		c.logger.Error("error while sending data", "addr", conn.Addr(), "error", err)
		return nil, err
	}

	reply, err := conn.ReadMessage()
	if err != nil {
		releaseLogged(c.logger, "socket", conn.Close)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		c.logger.Error("error while receiving data", "addr", conn.Addr(), "error", err)
		return nil, err
	}

	if _, err = fmt.Fprintf(c.out, "%s\n", reply.Body()); err != nil {
		c.logger.Warn("failed to print reply", "error", err)
	}

	if err = conn.Close(); err != nil {
		c.logger.Error("error while closing socket", "error", err)
		return reply, err
	}
	return reply, nil
}

// parseEndpoint accepts numeric addresses only; names are not resolved.
func parseEndpoint(host string, port int) (net.IP, error) {
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, newError(AddressFailure, "parse host", errors.Errorf("not a numeric IP address: %q", host))
	}
	if port < 1 || port > 65535 {
		return nil, newError(AddressFailure, "parse port", errors.Errorf("port out of range: %d", port))
	}
	return ip, nil
}
