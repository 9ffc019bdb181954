package rpcserver

import (
	"crypto/subtle"
	"log"

	"github.com/xtaci/aiorpc/channel"
	"github.com/xtaci/aiorpc/wire"
)

// onWorkerControl is bound to a single worker id at spawn time. Every
// control frame received before authentication is treated as the handshake
// attempt; anything after authentication is a no-op since this protocol
// defines no other use for the worker's control channel.
func (s *Server) onWorkerControl(id int) channel.IpcHandler {
	expected := wire.DeriveHandshakeToken(s.cfg.WorkerKey)
	return func(sig wire.Signature, buf []byte, offset, n int) {
		wh, ok := s.workers[id]
		if !ok || wh.authenticated {
			return
		}
		if subtle.ConstantTimeCompare(buf[offset:offset+n], expected) != 1 {
			log.Printf("rpcserver: worker %d failed handshake, destroying", id)
			s.destroyWorker(id)
			return
		}
		wh.authenticated = true
		s.rrQueue = append(s.rrQueue, id)
	}
}

func (s *Server) onWorkerClose(id int) channel.CloseCallback {
	return func() {
		s.destroyWorker(id)
	}
}
