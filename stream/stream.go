// Package stream implements a non-blocking, event-driven byte stream over a
// connected socket with adaptive double-ended buffering. It is the
// lowest-level piece of the core: frame parsing (package channel) and
// worker dispatch (package rpcserver / rpcworker) are both built on top of
// a Stream's Read/Write continuations.
//
// A Stream is driven entirely by its eventloop.Loop: all of its exported
// methods are meant to be called from that loop's goroutine (from within a
// Handler, or before the loop's Run starts), matching the single-threaded,
// cooperative scheduling model the whole core assumes. There is no internal
// locking.
package stream

import (
	"github.com/pkg/errors"

	"github.com/xtaci/aiorpc/eventloop"
)

// ReadCallback receives the bytes satisfying a Read request: buf[offset:offset+n].
// buf is only valid for the duration of the call.
type ReadCallback func(buf []byte, offset, n int)

// FlushCallback fires once all bytes up to and including those of its Write
// call have been sent to the socket.
type FlushCallback func()

// CloseCallback fires exactly once when the Stream closes, for any reason.
type CloseCallback func()

// Options configures buffer sizing. Zero values are replaced by defaults.
type Options struct {
	MinBufSize  int
	MaxBufSize  int
	IOChunkSize int
}

// DefaultOptions matches the design's defaults: 128KiB floor, 16MiB ceiling,
// 32KiB per-syscall chunk.
func DefaultOptions() Options {
	return Options{
		MinBufSize:  128 << 10,
		MaxBufSize:  16 << 20,
		IOChunkSize: 32 << 10,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MinBufSize <= 0 {
		o.MinBufSize = d.MinBufSize
	}
	if o.MaxBufSize <= 0 {
		o.MaxBufSize = d.MaxBufSize
	}
	if o.IOChunkSize <= 0 {
		o.IOChunkSize = d.IOChunkSize
	}
	return o
}

// Sentinel errors, matching the design's error-kind table.
var (
	ErrClosedStream   = errors.New("stream: use of closed stream")
	ErrBufferOverflow = errors.New("stream: buffer would exceed max size")
)

type readRequest struct {
	n       int
	onReady ReadCallback
}

type writeCompletion struct {
	pos       int
	onFlushed FlushCallback
}

// Stream is a non-blocking, buffered byte stream with FIFO read/write
// continuations, as described in the design's Data Model section.
type Stream struct {
	sock socket
	loop eventloop.Loop
	opts Options

	readBuf   []byte
	readStart int
	readEnd   int

	writeBuf   []byte
	writeStart int
	writeEnd   int

	readFIFO  []readRequest
	writeFIFO []writeCompletion

	closeCallback CloseCallback
	closed        bool
	mask          eventloop.Mask
}

// New wraps fd (already a connected, non-blocking-capable socket) as a
// Stream registered on loop. The Stream takes ownership of fd: closing the
// Stream closes fd.
func New(loop eventloop.Loop, fd int, opts Options) (*Stream, error) {
	sock, err := newSocket(fd)
	if err != nil {
		return nil, err
	}
	return newStreamWithSocket(loop, sock, opts)
}

// newStreamWithSocket builds a Stream around an already-constructed socket.
// It exists so tests can inject a fake socket without touching a real fd.
func newStreamWithSocket(loop eventloop.Loop, sock socket, opts Options) (*Stream, error) {
	o := opts.withDefaults()
	s := &Stream{
		sock:     sock,
		loop:     loop,
		opts:     o,
		readBuf:  make([]byte, o.MinBufSize),
		writeBuf: make([]byte, o.MinBufSize),
		mask:     eventloop.Error,
	}
	if err := loop.AddHandler(sock.fd(), s.mask, s.handleEvents); err != nil {
		sock.close()
		return nil, errors.Wrap(err, "stream: register with loop")
	}
	return s, nil
}

// Fd returns the underlying file descriptor, for callers that need it to
// build a secondary association.
func (s *Stream) Fd() int { return s.sock.fd() }

// SetCloseCallback stores cb to be invoked exactly once when the Stream
// closes, whatever the cause.
func (s *Stream) SetCloseCallback(cb CloseCallback) {
	s.closeCallback = cb
}

// Read requests n bytes. If n are already buffered and no earlier read is
// still pending, onReady fires synchronously, before Read returns.
// Otherwise the request is queued and READ interest is armed.
func (s *Stream) Read(n int, onReady ReadCallback) error {
	if s.closed {
		return ErrClosedStream
	}
	if len(s.readFIFO) == 0 && s.readEnd-s.readStart >= n {
		s.consumeRead(n, onReady)
		return nil
	}
	s.readFIFO = append(s.readFIFO, readRequest{n: n, onReady: onReady})
	s.armInterest(eventloop.Read)
	return nil
}

func (s *Stream) consumeRead(n int, onReady ReadCallback) {
	start := s.readStart
	s.readStart += n
	s.runCallback(func() {
		if onReady != nil {
			onReady(s.readBuf, start, n)
		}
	})
}

// Write copies buf[offset:offset+n] into the write buffer. onFlushed, if
// non-nil, fires once every byte written so far (including this call) has
// been handed to the socket. WRITE interest is armed whenever a completion
// is pending or the unsent backlog exceeds IOChunkSize.
func (s *Stream) Write(buf []byte, offset, n int, onFlushed FlushCallback) error {
	if s.closed {
		return ErrClosedStream
	}

	need := s.writeEnd - s.writeStart + n
	if s.writeEnd+n >= len(s.writeBuf) {
		plan := planRealloc(len(s.writeBuf), need, s.opts.MinBufSize, s.opts.MaxBufSize)
		if plan.overflow {
			s.Close()
			return ErrBufferOverflow
		}
		if !plan.reuse || s.writeEnd+n > len(s.writeBuf) {
			s.reallocWrite(plan.size)
		}
	}

	copy(s.writeBuf[s.writeEnd:s.writeEnd+n], buf[offset:offset+n])
	s.writeEnd += n

	if onFlushed != nil {
		s.writeFIFO = append(s.writeFIFO, writeCompletion{pos: s.writeEnd, onFlushed: onFlushed})
	}

	if len(s.writeFIFO) > 0 || s.writeEnd-s.writeStart > s.opts.IOChunkSize {
		s.armInterest(eventloop.Write)
	}
	return nil
}

// reallocWrite performs the compact-and-rebase step: live bytes move to
// offset 0, start resets to 0, and every pending completion position is
// rebased by the old start so it still fires at the same logical offset.
func (s *Stream) reallocWrite(newSize int) {
	length := s.writeEnd - s.writeStart
	newBuf := make([]byte, newSize)
	copy(newBuf, s.writeBuf[s.writeStart:s.writeEnd])
	s.writeBuf = newBuf
	oldStart := s.writeStart
	s.writeStart = 0
	s.writeEnd = length
	for i := range s.writeFIFO {
		s.writeFIFO[i].pos -= oldStart
	}
}

func (s *Stream) reallocReadIfNeeded() bool {
	if s.readEnd+s.opts.IOChunkSize < len(s.readBuf) {
		return true
	}
	length := s.readEnd - s.readStart
	plan := planRealloc(len(s.readBuf), length+s.opts.IOChunkSize, s.opts.MinBufSize, s.opts.MaxBufSize)
	if plan.overflow {
		s.Close()
		return false
	}
	if plan.reuse && s.readEnd+s.opts.IOChunkSize <= len(s.readBuf) {
		return true
	}
	newBuf := make([]byte, plan.size)
	copy(newBuf, s.readBuf[s.readStart:s.readEnd])
	s.readBuf = newBuf
	s.readStart = 0
	s.readEnd = length
	return true
}

// Close idempotently tears the Stream down: deregisters and closes the
// socket, drops every pending callback without invoking it, then fires the
// close callback exactly once.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.loop.RemoveHandler(s.sock.fd())
	err := s.sock.close()
	s.readFIFO = nil
	s.writeFIFO = nil
	if s.closeCallback != nil {
		cb := s.closeCallback
		s.closeCallback = nil
		cb()
	}
	return err
}

// runCallback invokes fn, closing the Stream first if fn panics, then
// re-panicking so the panic propagates out of the loop's Run. This
// mirrors the design's "exception-on-callback closes the stream" rule in a
// language with panics instead of exceptions.
func (s *Stream) runCallback(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.Close()
			panic(r)
		}
	}()
	fn()
}

func (s *Stream) handleEvents(fd int, fired eventloop.Mask) {
	if s.closed {
		return
	}
	if fired&eventloop.Read != 0 {
		s.handleRead()
		if s.closed {
			return
		}
	}
	if fired&eventloop.Write != 0 {
		s.handleWrite()
		if s.closed {
			return
		}
	}
	if fired&eventloop.Error != 0 {
		s.Close()
		return
	}
	s.recomputeInterest()
}

func (s *Stream) handleRead() {
	for {
		if !s.reallocReadIfNeeded() {
			return
		}
		n, wouldBlock, err := s.sock.read(s.readBuf[s.readEnd : s.readEnd+s.opts.IOChunkSize])
		if wouldBlock {
			break
		}
		if err != nil {
			s.Close()
			return
		}
		if n == 0 {
			s.Close() // peer hang-up
			return
		}
		s.readEnd += n
		if n < s.opts.IOChunkSize {
			break
		}
	}

	for len(s.readFIFO) > 0 {
		head := s.readFIFO[0]
		if head.n > s.readEnd-s.readStart {
			break
		}
		s.readFIFO = s.readFIFO[1:]
		s.consumeRead(head.n, head.onReady)
		if s.closed {
			return
		}
	}
}

func (s *Stream) handleWrite() {
	for s.writeEnd > s.writeStart {
		length := s.writeEnd - s.writeStart
		n, wouldBlock, err := s.sock.write(s.writeBuf[s.writeStart:s.writeEnd])
		if wouldBlock {
			break
		}
		if err != nil {
			s.Close()
			return
		}
		if n == 0 {
			s.Close()
			return
		}
		s.writeStart += n
		if n == length {
			break
		}
	}

	for len(s.writeFIFO) > 0 {
		head := s.writeFIFO[0]
		if head.pos > s.writeStart {
			break
		}
		s.writeFIFO = s.writeFIFO[1:]
		s.runCallback(func() {
			if head.onFlushed != nil {
				head.onFlushed()
			}
		})
		if s.closed {
			return
		}
	}
}

// armInterest is a convenience for handlers that want to guarantee at least
// one bit is set; full recomputation still happens at the end of
// handleEvents.
func (s *Stream) armInterest(bit eventloop.Mask) {
	if s.mask&bit != 0 {
		return
	}
	s.mask |= bit
	s.loop.UpdateHandler(s.sock.fd(), s.mask)
}

func (s *Stream) recomputeInterest() {
	mask := eventloop.Error
	if len(s.readFIFO) > 0 {
		mask |= eventloop.Read
	}
	if len(s.writeFIFO) > 0 || s.writeEnd-s.writeStart > s.opts.IOChunkSize {
		mask |= eventloop.Write
	}
	if mask != s.mask {
		s.mask = mask
		s.loop.UpdateHandler(s.sock.fd(), s.mask)
	}
}
