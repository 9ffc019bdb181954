//go:build linux
// +build linux

package stream

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

type fdSocket struct {
	raw int
}

func newSocket(fd int) (socket, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, errors.Wrap(err, "stream: set non-blocking")
	}
	return &fdSocket{raw: fd}, nil
}

func (s *fdSocket) fd() int { return s.raw }

func (s *fdSocket) read(buf []byte) (int, bool, error) {
	n, err := unix.Read(s.raw, buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, true, nil
		}
		return 0, false, err
	}
	return n, false, nil
}

func (s *fdSocket) write(buf []byte) (int, bool, error) {
	n, err := unix.Write(s.raw, buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, true, nil
		}
		return 0, false, err
	}
	return n, false, nil
}

func (s *fdSocket) close() error {
	return unix.Close(s.raw)
}
