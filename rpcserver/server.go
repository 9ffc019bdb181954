// Package rpcserver implements the parent-process side of the core: it
// accepts client TCP connections, frames them as NetworkChannels, and
// round-robin dispatches inbound payloads to a fixed pool of worker
// processes reachable over IpcChannels.
package rpcserver

import (
	"log"
	"os"

	"github.com/pkg/errors"

	"github.com/xtaci/aiorpc/channel"
	"github.com/xtaci/aiorpc/eventloop"
	"github.com/xtaci/aiorpc/stream"
	"github.com/xtaci/aiorpc/wire"
)

// netWriter is the subset of *channel.NetworkChannel the server depends on;
// it exists so tests can exercise dispatch logic against a recording fake
// instead of a real socket pair.
type netWriter interface {
	Write(buf []byte, offset, n int, isData bool, onFlushed stream.FlushCallback) error
	Close() error
}

// ipcWriter is the matching subset of *channel.IpcChannel.
type ipcWriter interface {
	Write(sig wire.Signature, buf []byte, offset, n int, isData bool, onFlushed stream.FlushCallback) error
	Close() error
}

type workerHandle struct {
	id            int
	proc          *os.Process
	ipc           ipcWriter
	authenticated bool
}

// Server owns the listener, the live client channel map, and the worker
// pool, exactly the state described in spec.md's Server state model.
type Server struct {
	loop     eventloop.Loop
	cfg      Config
	listenFd int

	netChannels map[wire.Signature]netWriter
	workers     map[int]*workerHandle
	rrQueue     []int
}

// New binds the listener, spawns cfg.Workers worker processes, and
// registers accept handling on loop. The caller still owns loop.Run().
func New(loop eventloop.Loop, cfg Config) (*Server, error) {
	return newServer(loop, cfg, nil)
}

func newServer(loop eventloop.Loop, cfg Config, spawn func(*Server, int) (*workerHandle, error)) (*Server, error) {
	cfg = cfg.withDefaults()
	s := &Server{
		loop:        loop,
		cfg:         cfg,
		listenFd:    -1,
		netChannels: make(map[wire.Signature]netWriter),
		workers:     make(map[int]*workerHandle),
	}
	if spawn == nil {
		spawn = (*Server).spawnWorker
	}

	for i := 0; i < cfg.Workers; i++ {
		wh, err := spawn(s, i)
		if err != nil {
			s.Close()
			return nil, errors.Wrapf(err, "rpcserver: spawn worker %d", i)
		}
		s.workers[i] = wh
	}

	listenFd, err := newListenerFd(cfg.Listen, cfg.Backlog)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.listenFd = listenFd
	if err := loop.AddHandler(listenFd, eventloop.Read, s.onAccept); err != nil {
		closeFd(listenFd)
		s.Close()
		return nil, errors.Wrap(err, "rpcserver: register listener")
	}

	log.Println("listening on:", cfg.Listen)
	log.Println("workers:", cfg.Workers)
	log.Println("compression:", cfg.Compress)
	log.Println("min-buf:", cfg.MinBufSize, "max-buf:", cfg.MaxBufSize, "io-chunk:", cfg.IOChunkSize)
	return s, nil
}

// Close tears down the listener, every client channel, and every worker. It
// is safe to call more than once.
func (s *Server) Close() error {
	if s.listenFd >= 0 {
		s.loop.RemoveHandler(s.listenFd)
		closeFd(s.listenFd)
		s.listenFd = -1
	}
	for sig, nc := range s.netChannels {
		nc.Close()
		delete(s.netChannels, sig)
	}
	for id := range s.workers {
		s.destroyWorker(id)
	}
	return nil
}

func (s *Server) streamOptions() stream.Options {
	return stream.Options{
		MinBufSize:  s.cfg.MinBufSize,
		MaxBufSize:  s.cfg.MaxBufSize,
		IOChunkSize: s.cfg.IOChunkSize,
	}
}

func (s *Server) channelOptions() []channel.Option {
	if s.cfg.Compress {
		return []channel.Option{channel.WithCompression(true)}
	}
	return nil
}

func (s *Server) onAccept(fd int, fired eventloop.Mask) {
	for {
		connFd, rawSig, wouldBlock, err := acceptSignature(s.listenFd)
		if wouldBlock {
			return
		}
		if err != nil {
			log.Printf("%+v", err)
			return
		}

		sig := wire.Signature(rawSig)
		st, err := stream.New(s.loop, connFd, s.streamOptions())
		if err != nil {
			closeFd(connFd)
			log.Printf("%+v", err)
			continue
		}
		nc := channel.NewNetworkChannel(st, s.onInbound(sig), nil, s.onNetClose(sig), s.channelOptions()...)
		s.netChannels[sig] = nc
		nc.Start()
	}
}

// onInbound is bound to a single client signature at accept time and serves
// as that connection's NetworkChannel data handler.
func (s *Server) onInbound(sig wire.Signature) channel.DataHandler {
	return func(buf []byte, offset, n int) {
		id, ok := s.nextWorker()
		if !ok {
			return
		}
		wh := s.workers[id]
		// A write failure here means the worker's Stream hit BufferOverflow
		// and already closed itself; the worker id stays in rotation until
		// its own close callback fires destroyWorker.
		_ = wh.ipc.Write(sig, buf, offset, n, true, nil)
	}
}

// onOutbound is the data handler shared by every worker's IpcChannel: it
// routes a reply back to the NetworkChannel matching its signature.
func (s *Server) onOutbound(sig wire.Signature, buf []byte, offset, n int) {
	nc, ok := s.netChannels[sig]
	if !ok {
		return // client already disconnected; drop silently
	}
	nc.Write(buf, offset, n, true, nil)
}

func (s *Server) onNetClose(sig wire.Signature) channel.CloseCallback {
	return func() {
		delete(s.netChannels, sig)
	}
}

func (s *Server) nextWorker() (int, bool) {
	if len(s.rrQueue) == 0 {
		return 0, false
	}
	id := s.rrQueue[0]
	s.rrQueue = append(s.rrQueue[1:], id)
	return id, true
}

// destroyWorker stops the worker process, closes its IpcChannel, and
// removes it from the round-robin queue. Idempotent.
func (s *Server) destroyWorker(id int) {
	wh, ok := s.workers[id]
	if !ok {
		return
	}
	delete(s.workers, id)
	for i, qid := range s.rrQueue {
		if qid == id {
			s.rrQueue = append(s.rrQueue[:i], s.rrQueue[i+1:]...)
			break
		}
	}
	wh.ipc.Close()
	if wh.proc != nil {
		wh.proc.Kill()
		wh.proc.Wait()
	}
}
