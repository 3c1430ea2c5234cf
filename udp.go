package acksocket

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// DatagramHandler answers a single datagram. A nil reply sends nothing.
type DatagramHandler interface {
	HandleDatagram(ctx context.Context, msg Message, from net.Addr) ([]byte, error)
}

// UDPServer answers datagrams received on one socket. There is no
// connection, so a failing datagram never affects the others.
type UDPServer struct {
	conn *net.UDPConn
	opts serverOptions

	closing   atomic.Bool
	closeOnce sync.Once
	closeErr  error

	received atomic.Int64
	failed   atomic.Int64
}

// ListenUDP binds a UDP socket on addr. Backlog and ConnOption do not apply.
func ListenUDP(addr *net.UDPAddr, opts ...ServerOption) (*UDPServer, error) {
	if addr == nil {
		addr = &net.UDPAddr{Port: DefaultPort}
	}

	s := &UDPServer{opts: defaultServerOptions()}
	s.opts.apply(opts)

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		s.opts.logger.Error("failed to bind udp socket", "addr", addr, "error", err)
		return nil, newError(classify(err, BindFailure), "bind "+addr.String(), err)
	}
	s.conn = conn

	s.opts.logger.Info("listening", "addr", conn.LocalAddr(), "network", "udp")
	return s, nil
}

// Serve reads datagrams until ctx is cancelled, Close is called or the
// socket fails with a non-temporary error.
func (s *UDPServer) Serve(ctx context.Context, handler DatagramHandler) error {
	if handler == nil {
		return ErrInvalidHandler
	}

	logger := s.opts.logger
	logger.Info("server started", "addr", s.Addr(), "mode", s.opts.mode.String())

	stop := context.AfterFunc(ctx, func() {
		s.closing.Store(true)
		_ = s.closeConn()
	})
	defer stop()

	var group errgroup.Group
	group.SetLimit(s.opts.maxWorkers)

	err := s.readLoop(ctx, &group, handler)

	_ = group.Wait()
	if cerr := s.closeConn(); cerr != nil && err == nil {
		err = cerr
	}
	logger.Info("server stopped", "addr", s.Addr(),
		"received", s.received.Load(), "failed", s.failed.Load())
	return err
}

func (s *UDPServer) readLoop(ctx context.Context, group *errgroup.Group, handler DatagramHandler) error {
	for {
		buf := make([]byte, MaxDatagramSize)
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if s.closing.Load() {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return ErrServerClosed
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.opts.logger.Error("receive error", "error", err)
			return newError(ReceiveFailure, "read datagram", err)
		}

		s.received.Add(1)
		s.opts.logger.Info("received datagram", "remote_addr", from, "length", n)

		msg := NewMessage(buf[:n])
		if s.opts.mode == DispatchSerial {
			s.answer(ctx, handler, msg, from)
			continue
		}
		group.Go(func() error {
			s.answer(ctx, handler, msg, from)
			return nil
		})
	}
}

func (s *UDPServer) answer(ctx context.Context, handler DatagramHandler, msg Message, from *net.UDPAddr) {
	reply, err := handleDatagram(ctx, handler, msg, from)
	if err == nil && reply != nil {
		if _, werr := s.conn.WriteToUDP(reply, from); werr != nil {
			err = newError(SendFailure, "write datagram", werr)
		}
	}
	if err != nil {
		s.failed.Add(1)
		s.opts.logger.Warn("datagram failed", "remote_addr", from, "kind", KindOf(err).String(), "error", err)
	}
}

func handleDatagram(ctx context.Context, handler DatagramHandler, msg Message, from net.Addr) (reply []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = newError(ConcurrencyDispatchFailure, "handle datagram", errors.Errorf("handler panic: %v", r))
		}
	}()
	return handler.HandleDatagram(ctx, msg, from)
}

// Close closes the socket; a blocked Serve returns ErrServerClosed.
func (s *UDPServer) Close() error {
	s.closing.Store(true)
	return s.closeConn()
}

func (s *UDPServer) closeConn() error {
	s.closeOnce.Do(func() {
		s.closeErr = newError(CloseFailure, "close socket", s.conn.Close())
	})
	return s.closeErr
}

// Addr returns the bound address.
func (s *UDPServer) Addr() net.Addr {
	return s.conn.LocalAddr()
}
