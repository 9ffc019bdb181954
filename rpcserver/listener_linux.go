//go:build linux
// +build linux

package rpcserver

import (
	"net"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// newListenerFd binds a non-blocking IPv4 TCP listener with SO_REUSEADDR,
// matching spec.md 4.E construction step 1. The returned fd is owned by the
// caller, same as any raw socket the stream package wraps.
func newListenerFd(addr string, backlog int) (int, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp4", addr)
	if err != nil {
		return -1, errors.Wrap(err, "rpcserver: resolve listen address")
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, errors.Wrap(err, "rpcserver: socket")
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "rpcserver: setsockopt SO_REUSEADDR")
	}

	sa := &unix.SockaddrInet4{Port: tcpAddr.Port}
	if ip4 := tcpAddr.IP.To4(); ip4 != nil {
		copy(sa.Addr[:], ip4)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "rpcserver: bind")
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "rpcserver: listen")
	}
	return fd, nil
}

// acceptSignature accepts one pending connection, returning its fd and the
// connection signature derived from the peer's IPv4 address and port. It
// reports wouldBlock when the accept queue is empty.
func acceptSignature(listenFd int) (fd int, sig [6]byte, wouldBlock bool, err error) {
	connFd, sa, err := unix.Accept4(listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		if err == unix.EAGAIN {
			return -1, sig, true, nil
		}
		return -1, sig, false, errors.Wrap(err, "rpcserver: accept4")
	}
	if in4, ok := sa.(*unix.SockaddrInet4); ok {
		copy(sig[0:4], in4.Addr[:])
		sig[4] = byte(in4.Port >> 8)
		sig[5] = byte(in4.Port)
	}
	return connFd, sig, false, nil
}

// closeFd closes a raw fd, used on error paths where a Stream was never
// constructed to take ownership of it.
func closeFd(fd int) error {
	return unix.Close(fd)
}

// socketpair creates a connected, non-blocking AF_UNIX SOCK_STREAM pair used
// as the parent<->worker IPC transport, the idiomatic substitute for the
// pre-fork socketpair() the original design assumes.
func socketpair() (parentFd, childFd int, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return -1, -1, errors.Wrap(err, "rpcserver: socketpair")
	}
	return fds[0], fds[1], nil
}
