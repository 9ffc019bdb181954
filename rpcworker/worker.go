// Package rpcworker implements the child-process side of the core: a
// single IpcChannel back to the parent, and a user-supplied handler invoked
// once per inbound payload.
package rpcworker

import (
	"os"

	"github.com/pkg/errors"

	"github.com/xtaci/aiorpc/channel"
	"github.com/xtaci/aiorpc/eventloop"
	"github.com/xtaci/aiorpc/stream"
	"github.com/xtaci/aiorpc/wire"
)

// ReplyContext carries the connection signature a payload arrived under.
// It is a plain value handed to the handler alongside the payload, rather
// than a closure capturing the signature, so replying costs no per-request
// allocation beyond the result bytes themselves.
type ReplyContext struct {
	Signature wire.Signature
}

// PayloadHandler computes the response for one inbound payload. It runs
// synchronously inside the worker's single event loop goroutine: a handler
// that blocks indefinitely stalls every other request this worker owns.
type PayloadHandler func(ctx ReplyContext, payload []byte) []byte

type ipcWriter interface {
	Write(sig wire.Signature, buf []byte, offset, n int, isData bool, onFlushed stream.FlushCallback) error
	Close() error
}

// Worker is the per-process state described in spec.md's Worker state
// model: one IpcChannel and a handler, nothing shared with the parent
// beyond the socket pair.
type Worker struct {
	loop    eventloop.Loop
	ipc     ipcWriter
	handler PayloadHandler
}

// Run wraps conn (the worker's end of the IPC socket pair, typically
// recovered from an inherited fd) as an IpcChannel, sends the handshake
// token derived from workerKey, and starts reading requests. handler is
// invoked once per inbound payload; its return value is written back under
// the same signature.
func Run(loop eventloop.Loop, conn *os.File, workerKey string, streamOpts stream.Options, handler PayloadHandler, opts ...channel.Option) (*Worker, error) {
	fd := int(conn.Fd())
	st, err := stream.New(loop, fd, streamOpts)
	if err != nil {
		return nil, errors.Wrap(err, "rpcworker: wrap ipc socket")
	}

	w := &Worker{loop: loop, handler: handler}
	ipc := channel.NewIpcChannel(st, w.onInbound, nil, w.onClose, opts...)
	w.ipc = ipc
	ipc.Start()

	token := wire.DeriveHandshakeToken(workerKey)
	var zero wire.Signature
	if err := ipc.Write(zero, token, 0, len(token), false, nil); err != nil {
		return nil, errors.Wrap(err, "rpcworker: send handshake token")
	}
	return w, nil
}

func (w *Worker) onInbound(sig wire.Signature, buf []byte, offset, n int) {
	ctx := ReplyContext{Signature: sig}
	result := w.handler(ctx, buf[offset:offset+n])
	if result == nil {
		return
	}
	w.ipc.Write(sig, result, 0, len(result), true, nil)
}

func (w *Worker) onClose() {}

// Stop closes the IpcChannel and halts the worker's event loop.
func (w *Worker) Stop() error {
	err := w.ipc.Close()
	w.loop.Stop()
	return err
}
