//go:build linux
// +build linux

package eventloop

import (
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// epollLoop is the Linux Loop implementation, backed by epoll(7) in
// level-triggered mode. Registration bookkeeping mirrors the fd-keyed
// descriptor map used by proactor-style pollers such as gaio's watcher.
type epollLoop struct {
	epfd int

	mu       sync.Mutex
	handlers map[int]Handler
	masks    map[int]Mask

	wakeupR int // read end of the self-pipe used to interrupt EpollWait
	wakeupW int

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewEpoll creates an epoll-backed Loop.
func NewEpoll() (Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "eventloop: epoll_create1")
	}

	fds := make([]int, 2)
	if err := unix.Pipe2(fds, unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		unix.Close(epfd)
		return nil, errors.Wrap(err, "eventloop: pipe2")
	}

	l := &epollLoop{
		epfd:     epfd,
		handlers: make(map[int]Handler),
		masks:    make(map[int]Mask),
		wakeupR:  fds[0],
		wakeupW:  fds[1],
		stopped:  make(chan struct{}),
	}

	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, l.wakeupR, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(l.wakeupR),
	}); err != nil {
		unix.Close(epfd)
		unix.Close(l.wakeupR)
		unix.Close(l.wakeupW)
		return nil, errors.Wrap(err, "eventloop: epoll_ctl add wakeup pipe")
	}

	return l, nil
}

func toEpollEvents(m Mask) uint32 {
	var ev uint32
	if m&Read != 0 {
		ev |= unix.EPOLLIN
	}
	if m&Write != 0 {
		ev |= unix.EPOLLOUT
	}
	// EPOLLERR and EPOLLHUP are always reported by the kernel regardless of
	// the requested mask; Error is kept in our own mask purely so callers
	// can tell whether they asked for it.
	return ev
}

func fromEpollEvents(ev uint32) Mask {
	var m Mask
	if ev&unix.EPOLLIN != 0 {
		m |= Read
	}
	if ev&unix.EPOLLOUT != 0 {
		m |= Write
	}
	if ev&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		m |= Error
	}
	return m
}

func (l *epollLoop) AddHandler(fd int, mask Mask, h Handler) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.handlers[fd]; ok {
		return ErrAlreadyRegistered
	}
	ev := &unix.EpollEvent{Events: toEpollEvents(mask), Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		return errors.Wrap(err, "eventloop: epoll_ctl add")
	}
	l.handlers[fd] = h
	l.masks[fd] = mask
	return nil
}

func (l *epollLoop) UpdateHandler(fd int, mask Mask) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.handlers[fd]; !ok {
		return ErrNotRegistered
	}
	ev := &unix.EpollEvent{Events: toEpollEvents(mask), Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_MOD, fd, ev); err != nil {
		return errors.Wrap(err, "eventloop: epoll_ctl mod")
	}
	l.masks[fd] = mask
	return nil
}

func (l *epollLoop) RemoveHandler(fd int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.handlers[fd]; !ok {
		return ErrNotRegistered
	}
	// Linux ignores the event argument on EPOLL_CTL_DEL but kernels before
	// 2.6.9 require a non-nil pointer; pass one for portability.
	_ = unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, &unix.EpollEvent{})
	delete(l.handlers, fd)
	delete(l.masks, fd)
	return nil
}

func (l *epollLoop) Run() error {
	events := make([]unix.EpollEvent, 128)
	for {
		n, err := unix.EpollWait(l.epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return errors.Wrap(err, "eventloop: epoll_wait")
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == l.wakeupR {
				select {
				case <-l.stopped:
					return nil
				default:
					drainWakeup(l.wakeupR)
					continue
				}
			}

			l.mu.Lock()
			h, ok := l.handlers[fd]
			l.mu.Unlock()
			if !ok {
				continue // raced with RemoveHandler; drop stale event
			}
			h(fd, fromEpollEvents(events[i].Events))
		}
	}
}

func drainWakeup(fd int) {
	var buf [64]byte
	for {
		n, err := unix.Read(fd, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (l *epollLoop) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopped)
		unix.Write(l.wakeupW, []byte{1})
	})
}
