//go:build !linux
// +build !linux

package rpcserver

import "github.com/xtaci/aiorpc/eventloop"

func newListenerFd(addr string, backlog int) (int, error) {
	return -1, eventloop.ErrUnsupportedPlatform
}

func acceptSignature(listenFd int) (fd int, sig [6]byte, wouldBlock bool, err error) {
	return -1, sig, false, eventloop.ErrUnsupportedPlatform
}

func socketpair() (parentFd, childFd int, err error) {
	return -1, -1, eventloop.ErrUnsupportedPlatform
}

func closeFd(fd int) error {
	return eventloop.ErrUnsupportedPlatform
}
