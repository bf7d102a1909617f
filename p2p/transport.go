// Package p2p implements the framed, encrypted transport described in
// spec.md §4.4, grounded on the teacher's node/cn/peer.go connection
// plumbing (readLoop/broadcast over a raw net.Conn) generalized to wrap
// every frame in a Noise transport cipher.
package p2p

import (
	"encoding/binary"
	"io"
	"net"

	"github.com/pkg/errors"

	"github.com/aleocore/nodecore/internal/log"
)

var logger = log.NewModuleLogger(log.P2P)

// MaxMessageSize is the frame length ceiling (spec.md §4.4: "implementation
// chooses a concrete ceiling, e.g. 8 MiB").
const MaxMessageSize = 8 * 1024 * 1024

// ErrFrameTooLarge is a transient peer error (spec.md §7): the connection
// is terminated, the peer's failure counter is not otherwise touched since
// the disconnect itself is the penalty.
var ErrFrameTooLarge = errors.New("p2p: frame exceeds MaxMessageSize")

const lengthPrefixSize = 4

// Conn wraps a raw net.Conn with length-prefixed frame read/write and, once
// a handshake has produced transport ciphers, symmetric encryption of each
// frame's payload (spec.md §4.4).
type Conn struct {
	raw    net.Conn
	cipher *TransportCipher
}

// NewConn wraps raw with no encryption yet; call Upgrade after the
// handshake completes.
func NewConn(raw net.Conn) *Conn {
	return &Conn{raw: raw}
}

// Upgrade installs the transport ciphers produced by a completed Noise
// handshake (spec.md §4.4: "After both Version payloads exchange, each
// side transitions to transport mode").
func (c *Conn) Upgrade(cipher *TransportCipher) {
	c.cipher = cipher
}

// RemoteAddr returns the underlying connection's remote address.
func (c *Conn) RemoteAddr() net.Addr { return c.raw.RemoteAddr() }

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.raw.Close() }

// WriteFrame writes length-prefixed payload, encrypting it first if a
// transport cipher has been installed.
func (c *Conn) WriteFrame(payload []byte) error {
	if len(payload) > MaxMessageSize {
		return errors.Wrapf(ErrFrameTooLarge, "len=%d", len(payload))
	}
	out := payload
	if c.cipher != nil {
		var err error
		out, err = c.cipher.Encrypt(payload)
		if err != nil {
			return errors.Wrap(err, "p2p: encrypt frame")
		}
	}
	if len(out) > MaxMessageSize {
		return errors.Wrapf(ErrFrameTooLarge, "encrypted len=%d", len(out))
	}

	var prefix [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(out)))
	if _, err := c.raw.Write(prefix[:]); err != nil {
		return errors.Wrap(err, "p2p: write frame length")
	}
	if _, err := c.raw.Write(out); err != nil {
		return errors.Wrap(err, "p2p: write frame payload")
	}
	return nil
}

// ReadFrame reads one length-prefixed frame and decrypts it if a
// transport cipher has been installed. An oversize declared length
// returns ErrFrameTooLarge, a transient peer error on which the caller
// disconnects (spec.md §4.4).
func (c *Conn) ReadFrame() ([]byte, error) {
	var prefix [lengthPrefixSize]byte
	if _, err := io.ReadFull(c.raw, prefix[:]); err != nil {
		return nil, errors.Wrap(err, "p2p: read frame length")
	}
	length := binary.BigEndian.Uint32(prefix[:])
	if length > MaxMessageSize {
		return nil, errors.Wrapf(ErrFrameTooLarge, "declared len=%d", length)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(c.raw, buf); err != nil {
		return nil, errors.Wrap(err, "p2p: read frame payload")
	}
	if c.cipher == nil {
		return buf, nil
	}
	plain, err := c.cipher.Decrypt(buf)
	if err != nil {
		return nil, errors.Wrap(err, "p2p: decrypt frame")
	}
	return plain, nil
}

// WriteRaw/ReadRaw are used only during the handshake itself, before a
// TransportCipher exists: handshake messages are framed but not yet
// symmetrically encrypted (Noise encrypts later handshake payloads itself
// via the handshake state's own internal cipher).
func (c *Conn) WriteRaw(payload []byte) error {
	var prefix [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := c.raw.Write(prefix[:]); err != nil {
		return errors.Wrap(err, "p2p: write handshake frame length")
	}
	_, err := c.raw.Write(payload)
	return errors.Wrap(err, "p2p: write handshake frame payload")
}

func (c *Conn) ReadRaw() ([]byte, error) {
	var prefix [lengthPrefixSize]byte
	if _, err := io.ReadFull(c.raw, prefix[:]); err != nil {
		return nil, errors.Wrap(err, "p2p: read handshake frame length")
	}
	length := binary.BigEndian.Uint32(prefix[:])
	if length > MaxMessageSize {
		return nil, errors.Wrapf(ErrFrameTooLarge, "declared len=%d", length)
	}
	buf := make([]byte, length)
	_, err := io.ReadFull(c.raw, buf)
	return buf, errors.Wrap(err, "p2p: read handshake frame payload")
}
