package channel

import (
	"github.com/golang/snappy"
	"github.com/pkg/errors"

	"github.com/xtaci/aiorpc/stream"
	"github.com/xtaci/aiorpc/wire"
)

// IpcHandler receives a decoded IPC payload along with the connection
// signature it was routed under. buf[offset:offset+n] is only valid for the
// duration of the call.
type IpcHandler func(sig wire.Signature, buf []byte, offset, n int)

// ErrShortIpcFrame names the condition of an inbound IPC frame too small to
// carry a signature, which indicates a peer speaking a different protocol
// version or a corrupted stream. No function in this package returns it:
// IpcChannel closes its Stream when it reads such a frame.
var ErrShortIpcFrame = errors.New("channel: ipc frame shorter than a signature")

// IpcChannel is the parent<->worker variant of NetworkChannel: the same
// header-then-payload state machine, with every payload prefixed by a
// 6-byte connection signature used to route the message back to its
// originating client connection.
type IpcChannel struct {
	stream         *stream.Stream
	opts           options
	dataHandler    IpcHandler
	controlHandler IpcHandler
	headerBuf      [wire.HeaderSize]byte
}

// NewIpcChannel wraps s as an IpcChannel. The channel does not start reading
// until Start is called.
func NewIpcChannel(s *stream.Stream, dataHandler, controlHandler IpcHandler, onClose CloseCallback, opts ...Option) *IpcChannel {
	c := &IpcChannel{
		stream:         s,
		opts:           newOptions(opts...),
		dataHandler:    dataHandler,
		controlHandler: controlHandler,
	}
	s.SetCloseCallback(onClose)
	return c
}

// Start arms the channel to read headers continuously, as NetworkChannel
// does.
func (c *IpcChannel) Start() {
	c.readHeader()
}

// Close tears down the underlying Stream.
func (c *IpcChannel) Close() error {
	return c.stream.Close()
}

// Fd exposes the underlying socket descriptor.
func (c *IpcChannel) Fd() int { return c.stream.Fd() }

func (c *IpcChannel) readHeader() {
	c.stream.Read(wire.HeaderSize, c.onHeader)
}

func (c *IpcChannel) onHeader(buf []byte, offset, n int) {
	length, isData, err := wire.DecodeHeader(buf[offset : offset+n])
	if err != nil {
		c.stream.Close()
		return
	}
	if length < wire.SignatureSize {
		c.stream.Close()
		return
	}
	handler := c.dataHandler
	if !isData {
		handler = c.controlHandler
	}
	c.stream.Read(length, func(buf []byte, offset, n int) {
		c.onPayload(handler, buf, offset, n)
	})
}

func (c *IpcChannel) onPayload(handler IpcHandler, buf []byte, offset, n int) {
	var sig wire.Signature
	copy(sig[:], buf[offset:offset+wire.SignatureSize])
	payload := buf[offset+wire.SignatureSize : offset+n]

	if c.opts.compress {
		decoded, err := snappy.Decode(nil, payload)
		if err != nil {
			c.stream.Close()
			return
		}
		payload = decoded
	}
	if handler != nil {
		handler(sig, payload, 0, len(payload))
	}
	c.readHeader()
}

// Write frames sig ‖ buf[offset:offset+n] as a data (isData true) or control
// (isData false) frame: header, then signature, then payload, as three
// back-to-back Stream writes. onFlushed fires once the payload write drains.
func (c *IpcChannel) Write(sig wire.Signature, buf []byte, offset, n int, isData bool, onFlushed FlushCallback) error {
	payload := buf[offset : offset+n]
	if c.opts.compress {
		payload = snappy.Encode(nil, payload)
	}
	wire.EncodeHeader(c.headerBuf[:], len(payload)+wire.SignatureSize, isData)
	if err := c.stream.Write(c.headerBuf[:], 0, wire.HeaderSize, nil); err != nil {
		return errors.Wrap(err, "channel: write ipc header")
	}
	if err := c.stream.Write(sig[:], 0, wire.SignatureSize, nil); err != nil {
		return errors.Wrap(err, "channel: write ipc signature")
	}
	if err := c.stream.Write(payload, 0, len(payload), onFlushed); err != nil {
		return errors.Wrap(err, "channel: write ipc payload")
	}
	return nil
}
