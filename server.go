package acksocket

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultBacklog is the number of pending connections the listener queues.
	DefaultBacklog = 5
	// DefaultMaxWorkers bounds concurrently running handlers.
	DefaultMaxWorkers = 64
)

// Handler is the interface for handling accepted connections.
type Handler interface {
	// Handle is called once per accepted connection. The connection belongs
	// to the handler for the duration of the call. The server closes it
	// afterwards if the handler did not.
	Handle(ctx context.Context, conn *Conn) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, conn *Conn) error

// Handle calls f(ctx, conn).
func (f HandlerFunc) Handle(ctx context.Context, conn *Conn) error {
	return f(ctx, conn)
}

// DispatchMode selects how accepted connections reach the handler.
//
// DispatchConcurrent, the zero value, runs each handler in a bounded pool and
// keeps accepting. DispatchSerial starts the handler in its own goroutine and
// waits for it before accepting again, so connections are served strictly
// one at a time.
type DispatchMode int

const (
	DispatchConcurrent DispatchMode = iota
	DispatchSerial
)

func (m DispatchMode) String() string {
	switch m {
	case DispatchConcurrent:
		return "concurrent"
	case DispatchSerial:
		return "serial"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseDispatchMode parses "concurrent" or "serial".
func ParseDispatchMode(s string) (DispatchMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "concurrent", "":
		return DispatchConcurrent, nil
	case "serial":
		return DispatchSerial, nil
	default:
		return 0, errors.Errorf("unknown dispatch mode %q", s)
	}
}

// State is the lifecycle position of a Server.
type State int32

const (
	StateUnbound State = iota
	StateBound
	StateListening
	StateServing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnbound:
		return "unbound"
	case StateBound:
		return "bound"
	case StateListening:
		return "listening"
	case StateServing:
		return "serving"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Stats is a snapshot of the server's connection counters.
type Stats struct {
	Accepted int64
	Active   int64
	Failed   int64
}

// serverOptions is shared by the TCP and UDP servers.
type serverOptions struct {
	logger     Logger
	backlog    int
	mode       DispatchMode
	maxWorkers int
	connOpts   []Option
}

func defaultServerOptions() serverOptions {
	return serverOptions{
		logger:     slog.Default(),
		backlog:    DefaultBacklog,
		maxWorkers: DefaultMaxWorkers,
	}
}

func (o *serverOptions) apply(opts []ServerOption) {
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.backlog <= 0 {
		o.backlog = DefaultBacklog
	}
	if o.maxWorkers <= 0 {
		o.maxWorkers = DefaultMaxWorkers
	}
}

// ServerOption configures a Server.
type ServerOption func(*serverOptions)

// ServerLoggerOption sets the logger for the server and its connections.
func ServerLoggerOption(logger Logger) ServerOption {
	return func(o *serverOptions) {
		o.logger = logger
	}
}

// BacklogOption sets the listen backlog.
func BacklogOption(backlog int) ServerOption {
	return func(o *serverOptions) {
		o.backlog = backlog
	}
}

// DispatchOption sets how connections are handed to the handler.
func DispatchOption(mode DispatchMode) ServerOption {
	return func(o *serverOptions) {
		o.mode = mode
	}
}

// MaxWorkersOption bounds the number of handlers running at once in
// DispatchConcurrent mode. When the pool is full the accept loop waits.
func MaxWorkersOption(n int) ServerOption {
	return func(o *serverOptions) {
		o.maxWorkers = n
	}
}

// ConnOption sets options applied to every accepted connection.
func ConnOption(opts ...Option) ServerOption {
	return func(o *serverOptions) {
		o.connOpts = append(o.connOpts, opts...)
	}
}

// Server accepts TCP connections and hands each one to a Handler.
type Server struct {
	listener net.Listener
	opts     serverOptions

	state   atomic.Int32
	closing atomic.Bool

	closeOnce sync.Once
	closeErr  error

	accepted atomic.Int64
	active   atomic.Int64
	failed   atomic.Int64
}

// New creates a listening server on addr. A nil IP binds the wildcard
// address. The returned server is in StateListening.
func New(addr *net.TCPAddr, opts ...ServerOption) (*Server, error) {
	if addr == nil {
		addr = &net.TCPAddr{Port: DefaultPort}
	}

	s := &Server{opts: defaultServerOptions()}
	s.opts.apply(opts)

	ln, err := listen(addr, s.opts.backlog, s.opts.logger, s.setState)
	if err != nil {
		s.opts.logger.Error("failed to start listener", "addr", addr, "kind", KindOf(err), "error", err)
		return nil, err
	}
	s.listener = ln

	s.opts.logger.Info("listening", "addr", ln.Addr(), "backlog", s.opts.backlog)
	return s, nil
}

func (s *Server) setState(st State) {
	s.state.Store(int32(st))
}

// State returns the server's current lifecycle state.
func (s *Server) State() State {
	return State(s.state.Load())
}

// Serve accepts connections until ctx is cancelled, Close is called, or the
// listener fails. A failing connection is logged and does not stop the loop;
// only a listener failure is returned as an AcceptFailure. Serve waits for
// running handlers before it returns, and always closes the listener.
func (s *Server) Serve(ctx context.Context, handler Handler) error {
	if handler == nil {
		return ErrInvalidHandler
	}

	logger := s.opts.logger
	s.setState(StateServing)
	logger.Info("server started", "addr", s.Addr(), "mode", s.opts.mode.String())

	stop := context.AfterFunc(ctx, func() {
		s.closing.Store(true)
		_ = s.closeListener()
	})
	defer stop()

	// Handlers see connCtx, which is also cancelled when the listener fails
	// so that Serve does not wait on peers that never finish.
	connCtx, cancelConns := context.WithCancel(ctx)
	defer cancelConns()

	var group errgroup.Group
	group.SetLimit(s.opts.maxWorkers)

	err := s.acceptLoop(ctx, connCtx, &group, handler)
	if KindOf(err) == AcceptFailure {
		cancelConns()
	}

	_ = group.Wait()
	if cerr := s.closeListener(); cerr != nil && err == nil {
		err = cerr
	}
	s.setState(StateClosed)

	st := s.Stats()
	logger.Info("server stopped", "addr", s.Addr(),
		"accepted", st.Accepted, "failed", st.Failed)
	return err
}

func (s *Server) acceptLoop(ctx, connCtx context.Context, group *errgroup.Group, handler Handler) error {
	logger := s.opts.logger

	for {
		raw, err := s.listener.Accept()
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
			logger.Error("accept error", "error", err)
			return newError(AcceptFailure, "accept", err)
		}

		s.accepted.Add(1)
		if tcp, ok := raw.(*net.TCPConn); ok {
			_ = tcp.SetNoDelay(true)
		}

		conn, err := NewConn(raw, s.connOptions()...)
		if err != nil {
			s.failed.Add(1)
			logger.Error("failed to wrap connection", "remote_addr", raw.RemoteAddr(), "error", err)
			releaseLogged(logger, "client socket", raw.Close)
			continue
		}

		logger.Info("accepted connection", "remote_addr", conn.Addr(), "conn_id", conn.ID())
		s.dispatch(connCtx, group, handler, conn)
	}
}

func (s *Server) connOptions() []Option {
	opts := make([]Option, 0, len(s.opts.connOpts)+1)
	opts = append(opts, LoggerOption(s.opts.logger))
	return append(opts, s.opts.connOpts...)
}

func (s *Server) dispatch(ctx context.Context, group *errgroup.Group, handler Handler, conn *Conn) {
	if s.opts.mode == DispatchSerial {
		done := make(chan struct{})
		go func() {
			defer close(done)
			s.serveConn(ctx, handler, conn)
		}()
		<-done
		return
	}

	group.Go(func() error {
		s.serveConn(ctx, handler, conn)
		return nil
	})
}

// serveConn runs the handler and contains its failure to this connection.
func (s *Server) serveConn(ctx context.Context, handler Handler, conn *Conn) {
	logger := s.opts.logger

	s.active.Add(1)
	defer s.active.Add(-1)

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	err := invoke(ctx, handler, conn)
	if cerr := conn.Close(); cerr != nil {
		logger.Warn("error while releasing client socket", "conn_id", conn.ID(), "error", cerr)
	}

	if err != nil {
		s.failed.Add(1)
		logger.Warn("connection failed", "conn_id", conn.ID(), "remote_addr", conn.Addr(),
			"kind", KindOf(err).String(), "error", err)
		return
	}
	logger.Debug("connection done", "conn_id", conn.ID(), "remote_addr", conn.Addr())
}

func invoke(ctx context.Context, handler Handler, conn *Conn) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = newError(ConcurrencyDispatchFailure, "handle", errors.Errorf("handler panic: %v", r))
		}
	}()
	return handler.Handle(ctx, conn)
}

// Close stops the server by closing the listener. A blocked Serve returns
// ErrServerClosed once its running handlers finish.
func (s *Server) Close() error {
	s.closing.Store(true)
	return s.closeListener()
}

func (s *Server) closeListener() error {
	s.closeOnce.Do(func() {
		s.closeErr = newError(CloseFailure, "close listener", s.listener.Close())
	})
	return s.closeErr
}

// Addr returns the listener's network address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Stats returns a snapshot of the connection counters.
func (s *Server) Stats() Stats {
	return Stats{
		Accepted: s.accepted.Load(),
		Active:   s.active.Load(),
		Failed:   s.failed.Load(),
	}
}
