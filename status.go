package acksocket

import (
	"context"

	"github.com/pkg/errors"
)

// ExitCode is the process exit status contract shared by the client and
// server binaries.
type ExitCode int

const (
	ExitOK ExitCode = iota
	ExitUsage
	ExitResourceCreation
	ExitAddress
	ExitConnect
	ExitBind
	ExitListen
	ExitAccept
	ExitSend
	ExitReceive
	ExitClose
	ExitDispatch
	ExitConfig
)

var exitByKind = map[Kind]ExitCode{
	ResourceCreationFailure:    ExitResourceCreation,
	AddressFailure:             ExitAddress,
	ConnectFailure:             ExitConnect,
	BindFailure:                ExitBind,
	ListenFailure:              ExitListen,
	AcceptFailure:              ExitAccept,
	SendFailure:                ExitSend,
	ReceiveFailure:             ExitReceive,
	CloseFailure:               ExitClose,
	ConcurrencyDispatchFailure: ExitDispatch,
}

// ExitStatus maps the result of a client run or a server session to an exit
// code. A nil error, and a bare cancelled context or ErrServerClosed from
// Serve, are successful terminations.
func ExitStatus(err error) ExitCode {
	if err == nil {
		return ExitOK
	}
	if code, ok := exitByKind[KindOf(err)]; ok {
		return code
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrServerClosed) {
		return ExitOK
	}
	return ExitUsage
}
