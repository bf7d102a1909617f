package p2p

import (
	"crypto/rand"

	"github.com/flynn/noise"
	"github.com/pkg/errors"

	"github.com/aleocore/nodecore/protocol"
)

// cipherSuite fixes the DH/cipher/hash triple for every connection
// (spec.md §4.4 names only the handshake pattern, not the primitives; we
// pick Curve25519/ChaChaPoly/BLAKE2s, the combination flynn/noise's own
// examples favor for non-AES-NI hosts).
var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2s)

// pskPlacement mixes the pre-shared key into the third handshake message,
// matching spec.md §4.4's literal pattern:
//
//	1. Initiator -> Responder: e
//	2. Responder -> Initiator: e, ee, s, es, payload=Version
//	3. Initiator -> Responder: s, se, psk, payload=Version
const pskPlacement = 3

// TransportCipher wraps the pair of one-way ciphers a completed Noise
// handshake produces, one per direction (spec.md §4.4: "both sides
// transition to transport mode").
type TransportCipher struct {
	send *noise.CipherState
	recv *noise.CipherState
}

func (c *TransportCipher) Encrypt(plaintext []byte) ([]byte, error) {
	return c.send.Encrypt(nil, nil, plaintext), nil
}

func (c *TransportCipher) Decrypt(ciphertext []byte) ([]byte, error) {
	return c.recv.Decrypt(nil, nil, ciphertext)
}

// GenerateStaticKeypair creates a node's long-lived Noise static keypair,
// called once at startup; the key is not persisted (SPEC_FULL.md §11:
// flynn/noise supplies both the pattern and the DH keygen).
func GenerateStaticKeypair() (noise.DHKey, error) {
	return cipherSuite.GenerateKeypair(rand.Reader)
}

// ErrNonceMismatch re-exports protocol.ErrNonceMismatch for callers that
// only import p2p.
var ErrNonceMismatch = protocol.ErrNonceMismatch

// HandshakeResult carries what the rest of the node needs once the Noise
// exchange, which carries both Version payloads, completes. No Verack is
// exchanged.
type HandshakeResult struct {
	Cipher         *TransportCipher
	RemoteVersion  protocol.Version
	RemoteStatic   []byte
}

// DialHandshake runs the initiator side of the handshake: it sends
// message 1 (e), reads message 2 (e, ee, s, es, Version), sends message 3
// (s, se, psk, Version). The peer's Version is returned as received; its
// nonce is not compared with the local one here.
func DialHandshake(conn *Conn, psk []byte, static noise.DHKey, localVersion protocol.Version) (*HandshakeResult, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:           cipherSuite,
		Pattern:               noise.HandshakeXX,
		Initiator:             true,
		StaticKeypair:         static,
		PresharedKey:          psk,
		PresharedKeyPlacement: pskPlacement,
	})
	if err != nil {
		return nil, errors.Wrap(err, "p2p: init initiator handshake state")
	}

	// Message 1: e
	msg1, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, errors.Wrap(err, "p2p: write handshake message 1")
	}
	if err := conn.WriteRaw(msg1); err != nil {
		return nil, err
	}

	// Message 2: e, ee, s, es, payload=Version
	raw2, err := conn.ReadRaw()
	if err != nil {
		return nil, err
	}
	versionPayload, _, _, err := hs.ReadMessage(nil, raw2)
	if err != nil {
		return nil, errors.Wrap(err, "p2p: read handshake message 2")
	}
	remoteVersion, err := decodeVersion(versionPayload)
	if err != nil {
		return nil, err
	}

	// Message 3: s, se, psk, payload=Version
	localPayload, err := encodeVersion(localVersion)
	if err != nil {
		return nil, err
	}
	msg3, send, recv, err := hs.WriteMessage(nil, localPayload)
	if err != nil {
		return nil, errors.Wrap(err, "p2p: write handshake message 3")
	}
	if err := conn.WriteRaw(msg3); err != nil {
		return nil, err
	}

	return &HandshakeResult{
		Cipher:        &TransportCipher{send: send, recv: recv},
		RemoteVersion: remoteVersion,
		RemoteStatic:  hs.PeerStatic(),
	}, nil
}

// AcceptHandshake runs the responder side: read message 1 (e), write
// message 2 (e, ee, s, es, Version), read message 3 (s, se, psk, Version).
func AcceptHandshake(conn *Conn, psk []byte, static noise.DHKey, localVersion protocol.Version) (*HandshakeResult, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:           cipherSuite,
		Pattern:               noise.HandshakeXX,
		Initiator:             false,
		StaticKeypair:         static,
		PresharedKey:          psk,
		PresharedKeyPlacement: pskPlacement,
	})
	if err != nil {
		return nil, errors.Wrap(err, "p2p: init responder handshake state")
	}

	// Message 1: e
	raw1, err := conn.ReadRaw()
	if err != nil {
		return nil, err
	}
	if _, _, _, err := hs.ReadMessage(nil, raw1); err != nil {
		return nil, errors.Wrap(err, "p2p: read handshake message 1")
	}

	// Message 2: e, ee, s, es, payload=Version
	localPayload, err := encodeVersion(localVersion)
	if err != nil {
		return nil, err
	}
	msg2, _, _, err := hs.WriteMessage(nil, localPayload)
	if err != nil {
		return nil, errors.Wrap(err, "p2p: write handshake message 2")
	}
	if err := conn.WriteRaw(msg2); err != nil {
		return nil, err
	}

	// Message 3: s, se, psk, payload=Version
	raw3, err := conn.ReadRaw()
	if err != nil {
		return nil, err
	}
	versionPayload, recv, send, err := hs.ReadMessage(nil, raw3)
	if err != nil {
		return nil, errors.Wrap(err, "p2p: read handshake message 3")
	}
	remoteVersion, err := decodeVersion(versionPayload)
	if err != nil {
		return nil, err
	}

	return &HandshakeResult{
		Cipher:        &TransportCipher{send: send, recv: recv},
		RemoteVersion: remoteVersion,
		RemoteStatic:  hs.PeerStatic(),
	}, nil
}

func encodeVersion(v protocol.Version) ([]byte, error) {
	return protocol.SerializeMessage(protocol.Message{Code: protocol.CodeVersion, Payload: v})
}

func decodeVersion(data []byte) (protocol.Version, error) {
	msg, err := protocol.DeserializeMessage(data)
	if err != nil {
		return protocol.Version{}, err
	}
	v, ok := msg.Payload.(protocol.Version)
	if !ok {
		return protocol.Version{}, errors.New("p2p: handshake payload is not Version")
	}
	return v, nil
}
