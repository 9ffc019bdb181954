//go:build !linux
// +build !linux

package eventloop

// NewEpoll exists on every platform so callers can build portable code, but
// this core targets the epoll(7)+fork(2)-shaped process model described by
// its specification; non-Linux platforms (including the ones that have no
// epoll at all) get a stub, mirroring the teacher's own listen_linux.go /
// listen.go split for platform-specific transport code.
func NewEpoll() (Loop, error) {
	return nil, ErrUnsupportedPlatform
}
