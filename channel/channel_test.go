//go:build linux
// +build linux

package channel

import (
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/xtaci/aiorpc/eventloop"
	"github.com/xtaci/aiorpc/stream"
	"github.com/xtaci/aiorpc/wire"
)

// socketpairStreams builds two connected, non-blocking Stream endpoints
// sharing one Loop, standing in for two ends of a TCP connection or an IPC
// socket pair in these in-process tests.
func socketpairStreams(t *testing.T) (loop eventloop.Loop, a, b *stream.Stream, stop func()) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	loop, err = eventloop.NewEpoll()
	if err != nil {
		t.Fatalf("NewEpoll: %v", err)
	}
	a, err = stream.New(loop, fds[0], stream.Options{MinBufSize: 4096, MaxBufSize: 1 << 20, IOChunkSize: 4096})
	if err != nil {
		t.Fatalf("stream.New a: %v", err)
	}
	b, err = stream.New(loop, fds[1], stream.Options{MinBufSize: 4096, MaxBufSize: 1 << 20, IOChunkSize: 4096})
	if err != nil {
		t.Fatalf("stream.New b: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		loop.Run()
	}()

	return loop, a, b, func() {
		loop.Stop()
		wg.Wait()
	}
}

func waitOrTimeout(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for expected callback")
	}
}

func TestNetworkChannelDataRoundTrip(t *testing.T) {
	_, sa, sb, stop := socketpairStreams(t)
	defer stop()

	received := make(chan string, 1)
	chanB := NewNetworkChannel(sb, func(buf []byte, offset, n int) {
		received <- string(buf[offset : offset+n])
	}, nil, func() {})
	chanB.Start()

	chanA := NewNetworkChannel(sa, nil, nil, func() {})
	chanA.Start()

	if err := chanA.Write([]byte("helloworld"), 0, 10, true, nil); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case got := <-received:
		if got != "helloworld" {
			t.Fatalf("got %q, want helloworld", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for payload")
	}
}

func TestNetworkChannelControlVsDataRouting(t *testing.T) {
	_, sa, sb, stop := socketpairStreams(t)
	defer stop()

	dataHit := make(chan string, 1)
	controlHit := make(chan string, 1)
	chanB := NewNetworkChannel(sb,
		func(buf []byte, offset, n int) { dataHit <- string(buf[offset : offset+n]) },
		func(buf []byte, offset, n int) { controlHit <- string(buf[offset : offset+n]) },
		func() {},
	)
	chanB.Start()

	chanA := NewNetworkChannel(sa, nil, nil, func() {})
	chanA.Start()

	if err := chanA.Write([]byte("CTL"), 0, 3, false, nil); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case got := <-controlHit:
		if got != "CTL" {
			t.Fatalf("got %q, want CTL", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for control frame")
	}
	select {
	case <-dataHit:
		t.Fatalf("data handler must not fire for a control frame")
	default:
	}
}

func TestNetworkChannelMissingHandlerDropsSilently(t *testing.T) {
	_, sa, sb, stop := socketpairStreams(t)
	defer stop()

	seen := make(chan string, 1)
	// chanB has no control handler: a control frame must be consumed and
	// dropped without disrupting the data frame that follows it.
	chanB := NewNetworkChannel(sb, func(buf []byte, offset, n int) {
		seen <- string(buf[offset : offset+n])
	}, nil, func() {})
	chanB.Start()

	chanA := NewNetworkChannel(sa, nil, nil, func() {})
	chanA.Start()

	if err := chanA.Write([]byte("ignored"), 0, 7, false, nil); err != nil {
		t.Fatalf("Write control: %v", err)
	}
	if err := chanA.Write([]byte("seen"), 0, 4, true, nil); err != nil {
		t.Fatalf("Write data: %v", err)
	}

	select {
	case got := <-seen:
		if got != "seen" {
			t.Fatalf("got %q, want seen", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out: the data frame after the dropped control frame never arrived")
	}
}

func TestNetworkChannelZeroHeaderClosesChannel(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	loop, err := eventloop.NewEpoll()
	if err != nil {
		t.Fatalf("NewEpoll: %v", err)
	}
	sb, err := stream.New(loop, fds[1], stream.Options{})
	if err != nil {
		t.Fatalf("stream.New: %v", err)
	}

	closed := make(chan struct{})
	chanB := NewNetworkChannel(sb, func([]byte, int, int) {
		t.Fatalf("handler must not fire for a zero header")
	}, nil, func() { close(closed) })
	chanB.Start()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() { defer wg.Done(); loop.Run() }()
	defer func() { loop.Stop(); wg.Wait() }()

	var zero [wire.HeaderSize]byte
	if _, err := unix.Write(fds[0], zero[:]); err != nil {
		t.Fatalf("raw write: %v", err)
	}

	waitOrTimeout(t, closed)
}

func TestIpcChannelRoundTripWithSignature(t *testing.T) {
	_, sa, sb, stop := socketpairStreams(t)
	defer stop()

	sig := wire.Signature{10, 0, 0, 1, 0x1f, 0x90}

	type delivery struct {
		sig wire.Signature
		buf string
	}
	received := make(chan delivery, 1)
	ipcB := NewIpcChannel(sb, func(s wire.Signature, buf []byte, offset, n int) {
		received <- delivery{sig: s, buf: string(buf[offset : offset+n])}
	}, nil, func() {})
	ipcB.Start()

	ipcA := NewIpcChannel(sa, nil, nil, func() {})
	ipcA.Start()

	if err := ipcA.Write(sig, []byte("ping"), 0, 4, true, nil); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case got := <-received:
		if got.sig != sig {
			t.Fatalf("got signature %v, want %v", got.sig, sig)
		}
		if got.buf != "ping" {
			t.Fatalf("got payload %q, want ping", got.buf)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for ipc payload")
	}
}

func TestNetworkChannelCompressionRoundTrip(t *testing.T) {
	_, sa, sb, stop := socketpairStreams(t)
	defer stop()

	payload := make([]byte, 2000)
	for i := range payload {
		payload[i] = byte(i % 7)
	}

	received := make(chan []byte, 1)
	chanB := NewNetworkChannel(sb, func(buf []byte, offset, n int) {
		got := make([]byte, n)
		copy(got, buf[offset:offset+n])
		received <- got
	}, nil, func() {}, WithCompression(true))
	chanB.Start()

	chanA := NewNetworkChannel(sa, nil, nil, func() {}, WithCompression(true))
	chanA.Start()

	if err := chanA.Write(payload, 0, len(payload), true, nil); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case got := <-received:
		if len(got) != len(payload) {
			t.Fatalf("got %d bytes, want %d", len(got), len(payload))
		}
		for i := range got {
			if got[i] != payload[i] {
				t.Fatalf("payload mismatch at byte %d", i)
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for compressed payload")
	}
}
