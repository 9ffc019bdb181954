// Package wire implements the on-the-wire primitives shared by the data
// channel (client <-> server) and the IPC channel (server <-> worker):
// the 4-byte signed frame header and the 6-byte connection signature.
package wire

import (
	"crypto/sha1"
	"encoding/binary"
	"net"

	"github.com/pkg/errors"
	"golang.org/x/crypto/pbkdf2"
)

// handshakeSalt is the PBKDF2 salt for deriving the worker IPC handshake
// token, the same call shape as the teacher's own session-key derivation.
const handshakeSalt = "aiorpc"

// DeriveHandshakeToken derives the token a worker presents as its first IPC
// control write to prove it holds the same pre-shared key as the server
// that spawned it.
func DeriveHandshakeToken(key string) []byte {
	return pbkdf2.Key([]byte(key), []byte(handshakeSalt), 4096, 32, sha1.New)
}

// HeaderSize is the length in bytes of a frame header.
const HeaderSize = 4

// SignatureSize is the length in bytes of a connection signature.
const SignatureSize = 6

// ErrZeroHeader is returned when a frame header decodes to zero, which is
// illegal on the wire and aborts the channel that received it.
var ErrZeroHeader = errors.New("wire: zero-length frame header")

// Signature uniquely identifies a client TCP connection: 4 packed bytes of
// IPv4 address followed by 2 big-endian bytes of port. It is used as the
// server's channel-map key and as the routing prefix of every IPC frame.
type Signature [SignatureSize]byte

// NewSignature packs a TCP remote address into a connection signature.
// Only IPv4 (or IPv4-mapped IPv6) addresses are supported, matching the
// 6-byte inet_aton-derived layout of the original protocol.
func NewSignature(addr *net.TCPAddr) (Signature, error) {
	var sig Signature
	ip4 := addr.IP.To4()
	if ip4 == nil {
		return sig, errors.Errorf("wire: %s is not an IPv4 address", addr.IP)
	}
	copy(sig[0:4], ip4)
	binary.BigEndian.PutUint16(sig[4:6], uint16(addr.Port))
	return sig, nil
}

// EncodeHeader writes the signed little-endian length header for a payload
// of n bytes: the header is n for a data frame (isData true) and -n for a
// control frame.
func EncodeHeader(buf []byte, n int, isData bool) {
	header := int32(n)
	if !isData {
		header = -header
	}
	binary.LittleEndian.PutUint32(buf, uint32(header))
}

// DecodeHeader parses a 4-byte header into an absolute payload length and
// whether the frame is a data frame. It returns ErrZeroHeader for the
// illegal zero value.
func DecodeHeader(buf []byte) (length int, isData bool, err error) {
	header := int32(binary.LittleEndian.Uint32(buf))
	if header == 0 {
		return 0, false, ErrZeroHeader
	}
	if header < 0 {
		return int(-header), false, nil
	}
	return int(header), true, nil
}
