// Package eventloop defines the abstract event-loop contract consumed by
// the stream and channel layers, and provides a concrete epoll-backed
// implementation on Linux.
//
// The loop is single-threaded and cooperative: handlers run to completion
// on the goroutine that calls Run, and no handler is ever invoked
// concurrently with another handler of the same Loop. Implementations may
// be edge- or level-triggered; callers are expected to drain a ready fd
// until it returns EAGAIN/EWOULDBLOCK either way.
package eventloop

import "github.com/pkg/errors"

// Mask is a bitmask of interest flags.
type Mask uint32

const (
	Read Mask = 1 << iota
	Write
	Error
)

// Handler is invoked with the fired subset of the fd's registered mask.
type Handler func(fd int, fired Mask)

// Loop registers file descriptors for readiness notification and dispatches
// them to their Handler until stopped.
type Loop interface {
	// AddHandler registers h for events in mask on fd. Only one handler may
	// be registered per fd at a time.
	AddHandler(fd int, mask Mask, h Handler) error
	// UpdateHandler replaces the interest mask for an already-registered fd.
	UpdateHandler(fd int, mask Mask) error
	// RemoveHandler deregisters fd; no further invocations follow.
	RemoveHandler(fd int) error
	// Run blocks, dispatching events, until Stop is called or an
	// unrecoverable polling error occurs.
	Run() error
	// Stop causes a running Run call to return. Safe to call from a
	// Handler or from another goroutine.
	Stop()
}

// ErrUnsupportedPlatform is returned by constructors that have no backing
// poller implementation on the current GOOS.
var ErrUnsupportedPlatform = errors.New("eventloop: unsupported platform")

// ErrNotRegistered is returned by UpdateHandler/RemoveHandler for an fd that
// was never added, or has already been removed.
var ErrNotRegistered = errors.New("eventloop: fd not registered")

// ErrAlreadyRegistered is returned by AddHandler when fd already has a
// handler registered.
var ErrAlreadyRegistered = errors.New("eventloop: fd already registered")
