package stream

import (
	"github.com/xtaci/aiorpc/eventloop"
)

// fakeSocket is an in-memory socket double: inbound is fed by the test via
// feed(), outbound lands in sent. read() reports EAGAIN whenever inbound is
// empty and eof is unset; wouldBlockW toggles whether write() reports it.
type fakeSocket struct {
	id int

	inbound []byte
	eof     bool // once inbound drains, read() reports a clean 0-byte EOF
	readErr error

	sent        []byte
	wouldBlockW bool
	writeErr    error
	writeLimit  int // if > 0, caps bytes accepted per write() call
	blockAfter  int // if > 0, write() reports wouldBlock once len(sent) reaches this

	closed bool
}

func (f *fakeSocket) fd() int { return f.id }

func (f *fakeSocket) feed(b []byte) { f.inbound = append(f.inbound, b...) }

func (f *fakeSocket) read(buf []byte) (int, bool, error) {
	if f.readErr != nil {
		return 0, false, f.readErr
	}
	if len(f.inbound) > 0 {
		n := copy(buf, f.inbound)
		f.inbound = f.inbound[n:]
		return n, false, nil
	}
	if f.eof {
		return 0, false, nil
	}
	return 0, true, nil
}

func (f *fakeSocket) write(buf []byte) (int, bool, error) {
	if f.writeErr != nil {
		return 0, false, f.writeErr
	}
	if f.wouldBlockW {
		return 0, true, nil
	}
	if f.blockAfter > 0 && len(f.sent) >= f.blockAfter {
		return 0, true, nil
	}
	n := len(buf)
	if f.writeLimit > 0 && n > f.writeLimit {
		n = f.writeLimit
	}
	f.sent = append(f.sent, buf[:n]...)
	return n, false, nil
}

func (f *fakeSocket) close() error {
	f.closed = true
	return nil
}

var _ socket = (*fakeSocket)(nil)

// fakeLoop records handler registrations and lets the test drive them
// directly, without a real poller.
type fakeLoop struct {
	handlers map[int]eventloop.Handler
	masks    map[int]eventloop.Mask
	updates  int
}

func newFakeLoop() *fakeLoop {
	return &fakeLoop{
		handlers: make(map[int]eventloop.Handler),
		masks:    make(map[int]eventloop.Mask),
	}
}

func (l *fakeLoop) AddHandler(fd int, mask eventloop.Mask, h eventloop.Handler) error {
	l.handlers[fd] = h
	l.masks[fd] = mask
	return nil
}

func (l *fakeLoop) UpdateHandler(fd int, mask eventloop.Mask) error {
	l.masks[fd] = mask
	l.updates++
	return nil
}

func (l *fakeLoop) RemoveHandler(fd int) error {
	delete(l.handlers, fd)
	delete(l.masks, fd)
	return nil
}

func (l *fakeLoop) Run() error { return nil }
func (l *fakeLoop) Stop()      {}

func (l *fakeLoop) fire(fd int, fired eventloop.Mask) {
	if h, ok := l.handlers[fd]; ok {
		h(fd, fired)
	}
}

var _ eventloop.Loop = (*fakeLoop)(nil)
