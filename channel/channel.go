// Package channel implements the framed message layer on top of a
// stream.Stream: NetworkChannel for client connections, IpcChannel for the
// parent/worker transport. Both share the same header-then-payload state
// machine; IpcChannel additionally carries a routing signature.
package channel

import (
	"github.com/golang/snappy"
	"github.com/pkg/errors"

	"github.com/xtaci/aiorpc/stream"
	"github.com/xtaci/aiorpc/wire"
)

// DataHandler receives a complete, decoded payload. buf[offset:offset+n] is
// only valid for the duration of the call.
type DataHandler func(buf []byte, offset, n int)

// FlushCallback fires once a written message has been fully handed to the
// underlying socket.
type FlushCallback = stream.FlushCallback

// CloseCallback fires exactly once when the channel's Stream closes.
type CloseCallback = stream.CloseCallback

// NetworkChannel frames client-facing traffic: a 4-byte signed length header
// followed by the payload. A positive header routes to the data handler, a
// negative one to the control handler; either may be nil, in which case a
// matching frame is read and silently dropped.
type NetworkChannel struct {
	stream         *stream.Stream
	opts           options
	dataHandler    DataHandler
	controlHandler DataHandler
	headerBuf      [wire.HeaderSize]byte
}

// NewNetworkChannel wraps s as a NetworkChannel. The channel does not start
// reading until Start is called.
func NewNetworkChannel(s *stream.Stream, dataHandler, controlHandler DataHandler, onClose CloseCallback, opts ...Option) *NetworkChannel {
	c := &NetworkChannel{
		stream:         s,
		opts:           newOptions(opts...),
		dataHandler:    dataHandler,
		controlHandler: controlHandler,
	}
	s.SetCloseCallback(onClose)
	return c
}

// Start arms the channel to read its first header, and every header after
// each payload completes. Channels never interleave reads: the Stream's own
// FIFO discipline keeps header and payload reads strictly sequential.
func (c *NetworkChannel) Start() {
	c.readHeader()
}

// Close tears down the underlying Stream.
func (c *NetworkChannel) Close() error {
	return c.stream.Close()
}

// Fd exposes the underlying socket descriptor, for callers that key
// bookkeeping off it (the server keys its channel map by peer signature and
// its workers by worker id, not by this).
func (c *NetworkChannel) Fd() int { return c.stream.Fd() }

func (c *NetworkChannel) readHeader() {
	c.stream.Read(wire.HeaderSize, c.onHeader)
}

func (c *NetworkChannel) onHeader(buf []byte, offset, n int) {
	length, isData, err := wire.DecodeHeader(buf[offset : offset+n])
	if err != nil {
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

func (c *NetworkChannel) onPayload(handler DataHandler, buf []byte, offset, n int) {
	payload := buf[offset : offset+n]
	if c.opts.compress {
		decoded, err := snappy.Decode(nil, payload)
		if err != nil {
			c.stream.Close()
			return
		}
		payload = decoded
	}
	if handler != nil {
		handler(payload, 0, len(payload))
	}
	c.readHeader()
}

// Write frames buf[offset:offset+n] as a data frame (isData true) or control
// frame (isData false) and enqueues header then payload as two back-to-back
// Stream writes. onFlushed, if non-nil, fires once the payload write drains.
func (c *NetworkChannel) Write(buf []byte, offset, n int, isData bool, onFlushed FlushCallback) error {
	payload := buf[offset : offset+n]
	if c.opts.compress {
		payload = snappy.Encode(nil, payload)
	}
	wire.EncodeHeader(c.headerBuf[:], len(payload), isData)
	if err := c.stream.Write(c.headerBuf[:], 0, wire.HeaderSize, nil); err != nil {
		return errors.Wrap(err, "channel: write header")
	}
	if err := c.stream.Write(payload, 0, len(payload), onFlushed); err != nil {
		return errors.Wrap(err, "channel: write payload")
	}
	return nil
}
