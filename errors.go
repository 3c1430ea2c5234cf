package acksocket

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
)

// Kind identifies the phase of an exchange in which a failure happened.
type Kind int

// Failure kinds. The zero value is reserved for errors that did not come
// from this package.
const (
	KindUnknown Kind = iota
	ResourceCreationFailure
	AddressFailure
	ConnectFailure
	BindFailure
	ListenFailure
	AcceptFailure
	SendFailure
	ReceiveFailure
	CloseFailure
	ConcurrencyDispatchFailure
)

var kindNames = [...]string{
	KindUnknown:                "unknown",
	ResourceCreationFailure:    "resource creation",
	AddressFailure:             "address",
	ConnectFailure:             "connect",
	BindFailure:                "bind",
	ListenFailure:              "listen",
	AcceptFailure:              "accept",
	SendFailure:                "send",
	ReceiveFailure:             "receive",
	CloseFailure:               "close",
	ConcurrencyDispatchFailure: "dispatch",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

// Sentinel errors.
var (
	// ErrServerClosed is returned by Serve after Close has been called.
	ErrServerClosed = errors.New("server closed")
	// ErrInvalidHandler is returned by Serve when no handler is provided.
	ErrInvalidHandler = errors.New("invalid handler")
	// ErrNilConn is returned by NewConn when there is no socket to wrap.
	ErrNilConn = errors.New("nil connection")
)

// Error is a failure tagged with the phase that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func newError(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: errors.WithStack(err)}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s failure: %s: %v", e.Kind, e.Op, errors.Cause(e.Err))
}

// Unwrap returns the wrapped error so errors.Is and errors.As can see through it.
func (e *Error) Unwrap() error {
	return e.Err
}

// Cause returns the root cause, compatible with errors.Cause.
func (e *Error) Cause() error {
	return errors.Cause(e.Err)
}

// Format prints the stack of the wrapped error with %+v.
func (e *Error) Format(s fmt.State, verb rune) {
	if verb == 'v' && s.Flag('+') {
		fmt.Fprintf(s, "%s failure: %s: %+v", e.Kind, e.Op, e.Err)
		return
	}
	fmt.Fprint(s, e.Error())
}

// KindOf reports the failure kind carried by err, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// classify separates socket creation failures from the phase that follows.
func classify(err error, otherwise Kind) Kind {
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) && sysErr.Syscall == "socket" {
		return ResourceCreationFailure
	}
	return otherwise
}
