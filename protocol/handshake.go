package protocol

import "github.com/pkg/errors"

// HandshakeState tracks which messages are legal next on a connection
// that has not yet reached transport mode (spec.md §4.4/§4.5). It is a
// standalone legality table: neither p2p nor node consults it, since the
// Version exchange travels inside the Noise handshake messages and the
// node's read loop starts only after that handshake completes.
type HandshakeState int

const (
	// AwaitingVersion is the state both initiator and responder start in
	// before either Noise handshake message has completed.
	AwaitingVersion HandshakeState = iota
	// AwaitingVerack is entered by the initiator after sending its own
	// Version payload and waiting for the responder's Verack.
	AwaitingVerack
	// Established means both Version payloads exchanged and nonces
	// matched (spec.md §4.4): application messages are now legal.
	Established
)

// ErrUnexpectedMessage is a protocol violation per spec.md §7.
var ErrUnexpectedMessage = errors.New("protocol: unexpected message for handshake state")

// ErrNonceMismatch is a protocol violation per spec.md §4.4: "Nonces in
// the Version payload must match across the pair; mismatch -> disconnect."
var ErrNonceMismatch = errors.New("protocol: handshake nonce mismatch")

// Allowed reports whether code is a legal message for state. Only
// Version/Verack are legal before Established; everything else requires
// an established transport (spec.md §4.5 invariant: "only Connected peers
// may exchange application messages").
func Allowed(state HandshakeState, code Code) bool {
	switch state {
	case AwaitingVersion:
		return code == CodeVersion
	case AwaitingVerack:
		return code == CodeVerack
	case Established:
		return code != CodeVersion && code != CodeVerack
	default:
		return false
	}
}
