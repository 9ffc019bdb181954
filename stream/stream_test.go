package stream

import (
	"testing"

	"github.com/xtaci/aiorpc/eventloop"
)

func newTestStream(t *testing.T, opts Options) (*Stream, *fakeSocket, *fakeLoop) {
	t.Helper()
	sock := &fakeSocket{id: 7}
	loop := newFakeLoop()
	s, err := newStreamWithSocket(loop, sock, opts)
	if err != nil {
		t.Fatalf("newStreamWithSocket: %v", err)
	}
	return s, sock, loop
}

func TestReadSynchronousWhenBuffered(t *testing.T) {
	s, sock, loop := newTestStream(t, Options{MinBufSize: 64, MaxBufSize: 256, IOChunkSize: 32})
	sock.feed([]byte("hello world"))
	loop.fire(sock.fd(), eventloop.Read)

	var got string
	if err := s.Read(5, func(buf []byte, offset, n int) {
		got = string(buf[offset : offset+n])
	}); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got != "hello" {
		t.Fatalf("got %q, want %q", got, "hello")
	}
}

func TestReadQueuesAndFiresInFIFOOrder(t *testing.T) {
	s, sock, loop := newTestStream(t, Options{MinBufSize: 64, MaxBufSize: 256, IOChunkSize: 32})

	var order []string
	_ = s.Read(20, func(buf []byte, offset, n int) { order = append(order, "first:"+string(buf[offset:offset+n])) })
	_ = s.Read(5, func(buf []byte, offset, n int) { order = append(order, "second:"+string(buf[offset:offset+n])) })

	sock.feed([]byte("0123456789012345678901234"))
	loop.fire(sock.fd(), eventloop.Read)

	if len(order) != 2 {
		t.Fatalf("got %d callbacks, want 2: %v", len(order), order)
	}
	if order[0] != "first:01234567890123456789" {
		t.Fatalf("first callback wrong: %q", order[0])
	}
	if order[1] != "second:01234" {
		t.Fatalf("second callback wrong: %q", order[1])
	}
}

func TestReadOnClosedStreamFails(t *testing.T) {
	s, _, _ := newTestStream(t, Options{MinBufSize: 64, MaxBufSize: 256, IOChunkSize: 32})
	s.Close()
	if err := s.Read(1, nil); err != ErrClosedStream {
		t.Fatalf("got %v, want ErrClosedStream", err)
	}
}

func TestPeerEOFClosesStream(t *testing.T) {
	s, sock, loop := newTestStream(t, Options{MinBufSize: 64, MaxBufSize: 256, IOChunkSize: 32})
	closed := false
	s.SetCloseCallback(func() { closed = true })

	// No inbound bytes and eof set makes read() report a clean 0-byte,
	// non-blocking result, the same shape a real closed peer produces.
	sock.eof = true
	loop.fire(sock.fd(), eventloop.Read)

	if !closed {
		t.Fatalf("expected stream to close on peer EOF")
	}
	if !sock.closed {
		t.Fatalf("expected underlying socket to be closed")
	}
}

func TestCloseIsIdempotentAndFiresCallbackOnce(t *testing.T) {
	s, _, _ := newTestStream(t, Options{MinBufSize: 64, MaxBufSize: 256, IOChunkSize: 32})
	fires := 0
	s.SetCloseCallback(func() { fires++ })

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if fires != 1 {
		t.Fatalf("close callback fired %d times, want 1", fires)
	}
}

func TestPendingReadDiscardedWithoutFiringOnClose(t *testing.T) {
	s, _, _ := newTestStream(t, Options{MinBufSize: 64, MaxBufSize: 256, IOChunkSize: 32})
	fired := false
	_ = s.Read(10, func(buf []byte, offset, n int) { fired = true })
	s.Close()
	if fired {
		t.Fatalf("pending read callback must not fire on close")
	}
}

func TestWriteBackpressureOverflowClosesStream(t *testing.T) {
	s, sock, _ := newTestStream(t, Options{MinBufSize: 64, MaxBufSize: 256, IOChunkSize: 32})
	sock.wouldBlockW = true // nothing drains, so the buffer only grows

	closes := 0
	s.SetCloseCallback(func() { closes++ })

	payload := make([]byte, 300)
	err := s.Write(payload, 0, len(payload), nil)
	if err != ErrBufferOverflow {
		t.Fatalf("got %v, want ErrBufferOverflow", err)
	}
	if closes != 1 {
		t.Fatalf("expected stream to close exactly once on overflow, got %d", closes)
	}
}

func TestWriteFlushCallbackFiresAfterBytesSent(t *testing.T) {
	s, sock, loop := newTestStream(t, Options{MinBufSize: 64, MaxBufSize: 256, IOChunkSize: 32})

	flushed := false
	if err := s.Write([]byte("abcdef"), 0, 6, func() { flushed = true }); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if flushed {
		t.Fatalf("flush callback must not fire before bytes are sent")
	}

	loop.fire(sock.fd(), eventloop.Write)

	if !flushed {
		t.Fatalf("flush callback should have fired after the write drained")
	}
	if string(sock.sent) != "abcdef" {
		t.Fatalf("got sent=%q, want abcdef", sock.sent)
	}
}

func TestWriteRebaseAfterReallocPreservesCompletionOffsets(t *testing.T) {
	s, sock, loop := newTestStream(t, Options{MinBufSize: 64, MaxBufSize: 4096, IOChunkSize: 16})
	sock.writeLimit = 20 // caps bytes accepted per write() call
	sock.blockAfter = 20 // stalls once 20 bytes have drained, simulating a partial send

	firstFlushed := false
	secondFlushed := false

	first := make([]byte, 40)
	for i := range first {
		first[i] = 'a'
	}
	if err := s.Write(first, 0, len(first), func() { firstFlushed = true }); err != nil {
		t.Fatalf("first Write: %v", err)
	}

	loop.fire(sock.fd(), eventloop.Write)
	if firstFlushed {
		t.Fatalf("first completion should not have fired after a partial send")
	}
	if len(sock.sent) != 20 {
		t.Fatalf("expected exactly 20 bytes drained before stalling, got %d", len(sock.sent))
	}

	// Enough new data to push past MinBufSize and force a reallocation while
	// 20 bytes of the first write are still unsent.
	second := make([]byte, 40)
	for i := range second {
		second[i] = 'b'
	}
	if err := s.Write(second, 0, len(second), func() { secondFlushed = true }); err != nil {
		t.Fatalf("second Write: %v", err)
	}

	sock.writeLimit = 0
	sock.blockAfter = 0
	loop.fire(sock.fd(), eventloop.Write)

	if !firstFlushed {
		t.Fatalf("first completion never fired after reallocation")
	}
	if !secondFlushed {
		t.Fatalf("second completion never fired after reallocation")
	}
	if string(sock.sent) != string(first)+string(second) {
		t.Fatalf("bytes reordered or corrupted across reallocation")
	}
}

func TestConsecutiveCallsRecomputeInterestMask(t *testing.T) {
	s, sock, loop := newTestStream(t, Options{MinBufSize: 64, MaxBufSize: 256, IOChunkSize: 8})
	_ = s.Read(4, func([]byte, int, int) {})
	if loop.masks[sock.fd()]&eventloop.Read == 0 {
		t.Fatalf("expected READ interest armed after Read()")
	}

	sock.feed([]byte("abcd"))
	loop.fire(sock.fd(), eventloop.Read)
	if loop.masks[sock.fd()]&eventloop.Read != 0 {
		t.Fatalf("expected READ interest cleared once the FIFO drains")
	}
}
