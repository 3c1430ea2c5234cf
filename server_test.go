package acksocket

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
)

// mockHandler implements Handler interface for testing
type mockHandler struct {
	mu       sync.Mutex
	conns    []*Conn
	handleCh chan *Conn
	handle   func(ctx context.Context, conn *Conn) error
}

func newMockHandler() *mockHandler {
	return &mockHandler{
		handleCh: make(chan *Conn, 10),
	}
}

func (h *mockHandler) Handle(ctx context.Context, conn *Conn) error {
	h.mu.Lock()
	h.conns = append(h.conns, conn)
	h.mu.Unlock()

	select {
	case h.handleCh <- conn:
	default:
	}

	if h.handle != nil {
		return h.handle(ctx, conn)
	}
	return nil
}

func (h *mockHandler) getConns() []*Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conns
}

func newTestServer(t *testing.T, opts ...ServerOption) *Server {
	t.Helper()

	addr := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0}
	server, err := New(addr, opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { server.Close() })
	return server
}

// startServer runs Serve in the background and returns a channel with its result.
func startServer(ctx context.Context, server *Server, handler Handler) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- server.Serve(ctx, handler)
	}()
	return done
}

func waitServe(t *testing.T, done <-chan error) error {
	t.Helper()

	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Serve to return")
		return nil
	}
}

func dialServer(t *testing.T, server *Server) *net.TCPConn {
	t.Helper()

	conn, err := net.DialTCP("tcp", nil, server.Addr().(*net.TCPAddr))
	if err != nil {
		t.Fatalf("client dial failed: %v", err)
	}
	return conn
}

func TestNew(t *testing.T) {
	server := newTestServer(t)

	if server.listener == nil {
		t.Error("listener is nil")
	}
	if server.State() != StateListening {
		t.Errorf("state = %v, want %v", server.State(), StateListening)
	}
	if server.Addr().(*net.TCPAddr).Port == 0 {
		t.Error("expected an ephemeral port to be assigned")
	}
}

func TestNew_Wildcard(t *testing.T) {
	server, err := New(&net.TCPAddr{Port: 0})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer server.Close()

	if ip := server.Addr().(*net.TCPAddr).IP; !ip.IsUnspecified() {
		t.Errorf("bound to %v, want the wildcard address", ip)
	}
}

func TestNew_AddressInUse(t *testing.T) {
	server1 := newTestServer(t)

	// A second listener on the same port must fail at bind.
	occupiedAddr := server1.Addr().(*net.TCPAddr)
	_, err := New(occupiedAddr, ServerLoggerOption(&mockLogger{}))
	if err == nil {
		t.Fatal("expected error for occupied port")
	}
	if KindOf(err) != BindFailure {
		t.Errorf("kind = %v, want %v (%v)", KindOf(err), BindFailure, err)
	}
	if ExitStatus(err) != ExitBind {
		t.Errorf("exit status = %d, want %d", ExitStatus(err), ExitBind)
	}
}

func TestServer_Close(t *testing.T) {
	server := newTestServer(t)

	if err := server.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if err := server.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}

	// Verify listener is closed by trying to accept
	if _, err := server.listener.Accept(); err == nil {
		t.Error("expected error after close")
	}
}

func TestServer_Serve_NilHandler(t *testing.T) {
	server := newTestServer(t)

	if err := server.Serve(context.Background(), nil); err != ErrInvalidHandler {
		t.Errorf("expected ErrInvalidHandler, got %v", err)
	}
}

func TestServer_Serve(t *testing.T) {
	server := newTestServer(t)
	handler := newMockHandler()
	ctx, cancel := context.WithCancel(context.Background())

	done := startServer(ctx, server, handler)

	clientConn := dialServer(t, server)
	defer clientConn.Close()

	select {
	case conn := <-handler.handleCh:
		if conn == nil {
			t.Error("handler received nil connection")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for handler")
	}

	cancel()

	if err := waitServe(t, done); err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if server.State() != StateClosed {
		t.Errorf("state = %v, want %v", server.State(), StateClosed)
	}

	// The server releases connections the handler left open.
	for _, conn := range handler.getConns() {
		if !conn.IsClosed() {
			t.Error("connection left open after handler returned")
		}
	}
}

func TestServer_Serve_Close(t *testing.T) {
	server := newTestServer(t)
	done := startServer(context.Background(), server, newMockHandler())

	time.Sleep(50 * time.Millisecond)
	server.Close()

	if err := waitServe(t, done); err != ErrServerClosed {
		t.Errorf("expected ErrServerClosed, got %v", err)
	}
}

func TestServer_Serve_MultipleConnections(t *testing.T) {
	server := newTestServer(t)
	handler := newMockHandler()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := startServer(ctx, server, handler)

	numClients := 5
	clients := make([]*net.TCPConn, numClients)
	for i := 0; i < numClients; i++ {
		clients[i] = dialServer(t, server)
	}

	for i := 0; i < numClients; i++ {
		select {
		case <-handler.handleCh:
		case <-time.After(5 * time.Second):
			t.Fatalf("timeout waiting for handler %d", i)
		}
	}

	for _, conn := range clients {
		conn.Close()
	}

	if conns := handler.getConns(); len(conns) != numClients {
		t.Errorf("handler received %d connections, want %d", len(conns), numClients)
	}

	cancel()
	waitServe(t, done)

	if st := server.Stats(); st.Accepted != int64(numClients) || st.Active != 0 {
		t.Errorf("stats = %+v, want %d accepted and none active", st, numClients)
	}
}

// trackConcurrency returns a handler that records the highest number of
// handlers running at once.
func trackConcurrency(hold time.Duration, peak *atomic.Int32) HandlerFunc {
	var running atomic.Int32
	return func(ctx context.Context, conn *Conn) error {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(hold)
		return nil
	}
}

func TestServer_Serve_SerialDispatch(t *testing.T) {
	server := newTestServer(t, DispatchOption(DispatchSerial))
	var peak atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())

	done := startServer(ctx, server, trackConcurrency(30*time.Millisecond, &peak))

	numClients := 4
	for i := 0; i < numClients; i++ {
		conn := dialServer(t, server)
		defer conn.Close()
	}

	deadline := time.Now().Add(5 * time.Second)
	for server.Stats().Accepted < int64(numClients) || server.Stats().Active > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("connections not served: %+v", server.Stats())
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	waitServe(t, done)

	if peak.Load() != 1 {
		t.Errorf("peak concurrent handlers = %d, want 1", peak.Load())
	}
}

func TestServer_Serve_ConcurrentDispatch(t *testing.T) {
	server := newTestServer(t, DispatchOption(DispatchConcurrent))
	ctx, cancel := context.WithCancel(context.Background())

	// Each handler waits for the other, which only works if both run at once.
	var barrier sync.WaitGroup
	barrier.Add(2)
	released := make(chan struct{}, 2)
	handler := HandlerFunc(func(ctx context.Context, conn *Conn) error {
		barrier.Done()
		barrier.Wait()
		released <- struct{}{}
		return nil
	})

	done := startServer(ctx, server, handler)

	c1 := dialServer(t, server)
	defer c1.Close()
	c2 := dialServer(t, server)
	defer c2.Close()

	for i := 0; i < 2; i++ {
		select {
		case <-released:
		case <-time.After(5 * time.Second):
			t.Fatal("handlers did not run concurrently")
		}
	}

	cancel()
	waitServe(t, done)
}

func TestServer_Serve_MaxWorkers(t *testing.T) {
	server := newTestServer(t, MaxWorkersOption(2))
	var peak atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())

	done := startServer(ctx, server, trackConcurrency(50*time.Millisecond, &peak))

	numClients := 6
	for i := 0; i < numClients; i++ {
		conn := dialServer(t, server)
		defer conn.Close()
	}

	deadline := time.Now().Add(5 * time.Second)
	for server.Stats().Accepted < int64(numClients) || server.Stats().Active > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("connections not served: %+v", server.Stats())
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	waitServe(t, done)

	if peak.Load() > 2 {
		t.Errorf("peak concurrent handlers = %d, want at most 2", peak.Load())
	}
}

func TestServer_Serve_IsolatesConnectionFailures(t *testing.T) {
	logger := &mockLogger{}
	server := newTestServer(t, ServerLoggerOption(logger), DispatchOption(DispatchSerial))
	ctx, cancel := context.WithCancel(context.Background())

	var calls atomic.Int32
	handler := HandlerFunc(func(ctx context.Context, conn *Conn) error {
		switch calls.Add(1) {
		case 1:
			return newError(ReceiveFailure, "read", errors.New("connection reset"))
		case 2:
			panic("handler bug")
		default:
			return conn.Close()
		}
	})

	done := startServer(ctx, server, handler)

	for i := 0; i < 3; i++ {
		conn := dialServer(t, server)
		defer conn.Close()
	}

	deadline := time.Now().Add(5 * time.Second)
	for calls.Load() < 3 || server.Stats().Active > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("server stopped serving after a failed connection: %+v", server.Stats())
		}
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case err := <-done:
		t.Fatalf("Serve returned early: %v", err)
	default:
	}

	if st := server.Stats(); st.Failed != 2 {
		t.Errorf("failed = %d, want 2", st.Failed)
	}
	if n := logger.count("warn", "connection failed"); n != 2 {
		t.Errorf("logged %d connection failures, want 2", n)
	}

	cancel()
	waitServe(t, done)
}

func TestInvoke_RecoversPanic(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	conn, err := NewConn(serverConn)
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}

	err = invoke(context.Background(), HandlerFunc(func(context.Context, *Conn) error {
		panic("boom")
	}), conn)
	if KindOf(err) != ConcurrencyDispatchFailure {
		t.Errorf("kind = %v, want %v", KindOf(err), ConcurrencyDispatchFailure)
	}
}

func TestServer_Serve_CancelUnblocksHandler(t *testing.T) {
	server := newTestServer(t, DispatchOption(DispatchSerial))
	ctx, cancel := context.WithCancel(context.Background())

	// The handler blocks on a read the client never satisfies.
	handler := HandlerFunc(func(ctx context.Context, conn *Conn) error {
		_, err := conn.ReadMessage()
		return err
	})

	done := startServer(ctx, server, handler)

	conn := dialServer(t, server)
	defer conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for server.Stats().Active == 0 {
		if time.Now().After(deadline) {
			t.Fatal("handler never started")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	if err := waitServe(t, done); err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestState_String(t *testing.T) {
	if StateListening.String() != "listening" {
		t.Errorf("got %q", StateListening.String())
	}
	if DispatchSerial.String() != "serial" {
		t.Errorf("got %q", DispatchSerial.String())
	}
}
