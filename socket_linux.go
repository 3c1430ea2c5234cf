//go:build linux

package acksocket

import (
	"context"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// pollInterval bounds how long a pending connect waits before the context
// is checked again, in milliseconds.
const pollInterval = 100

func sockaddr(ip net.IP, port int) (int, unix.Sockaddr) {
	if ip == nil {
		return unix.AF_INET, &unix.SockaddrInet4{Port: port}
	}
	if ip4 := ip.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], ip4)
		return unix.AF_INET, sa
	}
	sa := &unix.SockaddrInet6{Port: port}
	copy(sa.Addr[:], ip.To16())
	return unix.AF_INET6, sa
}

func closeFD(logger Logger, fd int) {
	releaseLogged(logger, "socket", func() error {
		return os.NewSyscallError("close", unix.Close(fd))
	})
}

// listen walks the socket through socket, bind and listen as separate steps
// so each failure keeps its own kind, and so the backlog is honoured.
func listen(addr *net.TCPAddr, backlog int, logger Logger, setState func(State)) (net.Listener, error) {
	family, sa := sockaddr(addr.IP, addr.Port)

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, newError(ResourceCreationFailure, "socket", os.NewSyscallError("socket", err))
	}

	if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		closeFD(logger, fd)
		return nil, newError(ResourceCreationFailure, "setsockopt", os.NewSyscallError("setsockopt", err))
	}

	if err = unix.Bind(fd, sa); err != nil {
		closeFD(logger, fd)
		return nil, newError(BindFailure, "bind "+addr.String(), os.NewSyscallError("bind", err))
	}
	setState(StateBound)

	if err = unix.Listen(fd, backlog); err != nil {
		closeFD(logger, fd)
		return nil, newError(ListenFailure, "listen "+addr.String(), os.NewSyscallError("listen", err))
	}

	f := os.NewFile(uintptr(fd), "tcp-listener")
	ln, err := net.FileListener(f)
	releaseLogged(logger, "listener descriptor", f.Close)
	if err != nil {
		return nil, newError(ResourceCreationFailure, "adopt listener", err)
	}

	setState(StateListening)
	return ln, nil
}

// dialTCP creates the socket and connects it as two distinct steps.
func dialTCP(ctx context.Context, addr *net.TCPAddr, logger Logger) (net.Conn, error) {
	family, sa := sockaddr(addr.IP, addr.Port)

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, newError(ResourceCreationFailure, "socket", os.NewSyscallError("socket", err))
	}

	if err = connect(ctx, fd, sa); err != nil {
		closeFD(logger, fd)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, newError(ConnectFailure, "connect "+addr.String(), err)
	}

	f := os.NewFile(uintptr(fd), "tcp-client")
	conn, err := net.FileConn(f)
	releaseLogged(logger, "client descriptor", f.Close)
	if err != nil {
		return nil, newError(ResourceCreationFailure, "adopt connection", err)
	}
	return conn, nil
}

func connect(ctx context.Context, fd int, sa unix.Sockaddr) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	switch err := unix.Connect(fd, sa); err {
	case nil:
		return nil
	case unix.EINPROGRESS, unix.EINTR:
	default:
		return os.NewSyscallError("connect", err)
	}

	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	for {
		n, err := unix.Poll(pfd, pollInterval)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return os.NewSyscallError("poll", err)
		}
		if n > 0 {
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}

	soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return os.NewSyscallError("getsockopt", err)
	}
	if soErr != 0 {
		return os.NewSyscallError("connect", unix.Errno(soErr))
	}
	return nil
}
