package acksocket

import (
	"io"

	"github.com/pkg/errors"
)

const (
	// DefaultHost and DefaultPort are the compiled-in endpoint.
	DefaultHost = "127.0.0.1"
	DefaultPort = 4444

	// MaxMessageSize is the capacity of the single receive on a TCP connection.
	MaxMessageSize = 1024
	// MaxDatagramSize is the capacity of a single UDP receive.
	MaxDatagramSize = 4096
)

// DefaultMessage is the payload the client sends.
var DefaultMessage = []byte("Long Live Falcone & Borsellino!\r\n")

// Acknowledgment is the reply the server sends regardless of what it received.
var Acknowledgment = []byte("ACK")

// Message is the interface for messages transmitted over the connection.
type Message interface {
	// Length returns the length of the message body.
	Length() int
	// Body returns the raw message data.
	Body() []byte
}

type message []byte

// NewMessage wraps b as a Message. b is not copied.
func NewMessage(b []byte) Message {
	return message(b)
}

func (m message) Length() int  { return len(m) }
func (m message) Body() []byte { return m }

// Codec is the interface for message encoding and decoding.
type Codec interface {
	// Decode reads one message from r.
	Decode(r io.Reader) (Message, error)
	// Encode encodes a Message into raw bytes for transmission.
	Encode(Message) ([]byte, error)
}

// RawCodec performs exactly one read of at most Max bytes and treats whatever
// arrived as the whole message. There is no framing: a payload longer than
// Max, or one split across segments, is returned truncated.
//
// A peer that closes without sending yields an empty message and no error.
type RawCodec struct {
	Max int
}

// NewRawCodec returns a RawCodec with the given capacity, or MaxMessageSize
// when max is not positive.
func NewRawCodec(max int) *RawCodec {
	if max <= 0 {
		max = MaxMessageSize
	}
	return &RawCodec{Max: max}
}

// Decode performs a single read of at most Max bytes from r.
func (c *RawCodec) Decode(r io.Reader) (Message, error) {
	buf := make([]byte, c.Max)
	n, err := r.Read(buf)
	if n > 0 {
		return message(buf[:n]), nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		return message(buf[:0]), nil
	}
	return nil, err
}

// Encode returns the message body unchanged.
func (c *RawCodec) Encode(m Message) ([]byte, error) {
	if m == nil {
		return nil, errors.New("nil message")
	}
	return m.Body(), nil
}
