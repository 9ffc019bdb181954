//go:build !linux
// +build !linux

package stream

import "github.com/xtaci/aiorpc/eventloop"

func newSocket(fd int) (socket, error) {
	return nil, eventloop.ErrUnsupportedPlatform
}
