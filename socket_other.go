//go:build !linux

package acksocket

import (
	"context"
	"net"
)

// listen falls back to the runtime listener. Bind and listen happen in one
// call here, so both are reported as BindFailure and the backlog is the
// platform default.
func listen(addr *net.TCPAddr, backlog int, logger Logger, setState func(State)) (net.Listener, error) {
	ln, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return nil, newError(classify(err, BindFailure), "listen "+addr.String(), err)
	}
	logger.Debug("backlog not configurable on this platform", "backlog", backlog)
	setState(StateBound)
	setState(StateListening)
	return ln, nil
}

func dialTCP(ctx context.Context, addr *net.TCPAddr, logger Logger) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, newError(classify(err, ConnectFailure), "connect "+addr.String(), err)
	}
	return conn, nil
}
