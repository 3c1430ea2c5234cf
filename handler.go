package acksocket

import (
	"context"
	"io"
	"net"
	"os"
	"sync"
)

// AckHandler prints whatever a peer sends and answers with a fixed reply.
// It serves both TCP connections (Handle) and UDP datagrams
// (HandleDatagram).
type AckHandler struct {
	reply  []byte
	logger Logger

	mu  sync.Mutex // serializes writes to out
	out io.Writer
}

// NewAckHandler returns a handler that prints received payloads to out
// (os.Stdout when nil) and replies with Acknowledgment.
func NewAckHandler(out io.Writer, logger Logger) *AckHandler {
	if out == nil {
		out = os.Stdout
	}
	if logger == nil {
		logger = defaultLogger()
	}
	return &AckHandler{reply: Acknowledgment, out: out, logger: logger}
}

// Handle reads one message, prints it, sends the acknowledgment and closes
// the connection. The read is a single call capped at the connection's
// receive capacity; anything beyond it is dropped with the connection.
func (h *AckHandler) Handle(ctx context.Context, conn *Conn) error {
	msg, err := conn.ReadMessage()
	if err != nil {
		return err
	}

	h.logger.Debug("received message", "conn_id", conn.ID(), "remote_addr", conn.Addr(), "length", msg.Length())
	h.print(msg.Body())

	if err = conn.WriteMessage(NewMessage(h.reply)); err != nil {
		return err
	}

	return conn.Close()
}

// HandleDatagram prints one datagram and returns the reply to send back.
func (h *AckHandler) HandleDatagram(ctx context.Context, msg Message, from net.Addr) ([]byte, error) {
	h.logger.Debug("received datagram", "remote_addr", from, "length", msg.Length())
	h.print(msg.Body())
	return h.reply, nil
}

func (h *AckHandler) print(b []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	line := make([]byte, 0, len(b)+1)
	line = append(line, b...)
	line = append(line, '\n')
	if _, err := h.out.Write(line); err != nil {
		h.logger.Warn("failed to print message", "error", err)
	}
}
