// Package protocol implements the wire message taxonomy and the
// serializer described in spec.md §6.1, grounded on the teacher's
// consensus/protocol.go `Protocol{Name, Versions, Lengths}` declaration
// style and the eth wire-protocol code codes in node/cn/peer.go.
package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"

	"github.com/pkg/errors"
)

// Name and ProtocolVersion mirror the teacher's consensus.Protocol
// declaration: a named, versioned sub-protocol multiplexed over the
// transport.
const (
	Name            = "aleocore"
	ProtocolVersion = 1
)

// Code identifies a payload shape on the wire (spec.md §6.1 table).
type Code uint8

const (
	CodeVersion Code = iota
	CodeVerack
	CodePing
	CodePong
	CodeGetPeers
	CodePeers
	CodeGetBlocks
	CodeSync
	CodeGetBlock
	CodeSyncBlock
	CodeBlock
	CodeTransaction
	CodeGetMemoryPool
	CodeMemoryPool
)

func (c Code) String() string {
	switch c {
	case CodeVersion:
		return "Version"
	case CodeVerack:
		return "Verack"
	case CodePing:
		return "Ping"
	case CodePong:
		return "Pong"
	case CodeGetPeers:
		return "GetPeers"
	case CodePeers:
		return "Peers"
	case CodeGetBlocks:
		return "GetBlocks"
	case CodeSync:
		return "Sync"
	case CodeGetBlock:
		return "GetBlock"
	case CodeSyncBlock:
		return "SyncBlock"
	case CodeBlock:
		return "Block"
	case CodeTransaction:
		return "Transaction"
	case CodeGetMemoryPool:
		return "GetMemoryPool"
	case CodeMemoryPool:
		return "MemoryPool"
	default:
		return "Unknown"
	}
}

// ErrUnknownCode is returned by DeserializePayload for an unrecognized code.
var ErrUnknownCode = errors.New("protocol: unknown message code")

// Payload shapes (spec.md §6.1 table). Block/Transaction bytes are the
// canonical serialization produced by the Codec external collaborator
// (spec.md §6.2), opaque to this package.

type Version struct {
	Nonce        uint64
	BlockHeight  uint64
	ListenerPort uint16
	NetworkID    uint32
}

type Verack struct {
	Nonce uint64
}

type Ping struct{ Nonce uint64 }
type Pong struct{ Nonce uint64 }

type GetPeers struct{}

type Peers struct {
	Addresses []string
}

// GetBlocks carries a block locator: a sparse list of raw 32-byte hashes
// the requester already has, most recent first.
type GetBlocks struct {
	Locator [][32]byte
}

type Sync struct {
	Hashes [][32]byte
}

type GetBlock struct {
	Hash [32]byte
}

type SyncBlock struct {
	Bytes []byte
}

type Block struct {
	Bytes []byte
}

type Transaction struct {
	Bytes []byte
}

type GetMemoryPool struct{}

type MemoryPool struct {
	Transactions [][]byte
}

// Message is a decoded frame: a code paired with its typed payload.
type Message struct {
	Code    Code
	Payload interface{}
}

// SerializeMessage encodes a Message into a code byte followed by a
// gob-encoded payload. The frame length prefix is applied by the
// transport layer (spec.md §4.4), not here.
func SerializeMessage(m Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := buf.WriteByte(byte(m.Code)); err != nil {
		return nil, err
	}
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(m.Payload); err != nil {
		return nil, errors.Wrapf(err, "protocol: encode %s payload", m.Code)
	}
	return buf.Bytes(), nil
}

// DeserializeMessage is the inverse of SerializeMessage; it constructs a
// zero-value payload of the shape matching the code, then gob-decodes into
// it (spec.md §8 round-trip invariant).
func DeserializeMessage(data []byte) (Message, error) {
	if len(data) < 1 {
		return Message{}, errors.New("protocol: empty frame")
	}
	code := Code(data[0])
	payload, err := zeroPayload(code)
	if err != nil {
		return Message{}, err
	}
	dec := gob.NewDecoder(bytes.NewReader(data[1:]))
	if err := dec.Decode(payload); err != nil {
		return Message{}, errors.Wrapf(err, "protocol: decode %s payload", code)
	}
	return Message{Code: code, Payload: derefPayload(payload)}, nil
}

func zeroPayload(code Code) (interface{}, error) {
	switch code {
	case CodeVersion:
		return &Version{}, nil
	case CodeVerack:
		return &Verack{}, nil
	case CodePing:
		return &Ping{}, nil
	case CodePong:
		return &Pong{}, nil
	case CodeGetPeers:
		return &GetPeers{}, nil
	case CodePeers:
		return &Peers{}, nil
	case CodeGetBlocks:
		return &GetBlocks{}, nil
	case CodeSync:
		return &Sync{}, nil
	case CodeGetBlock:
		return &GetBlock{}, nil
	case CodeSyncBlock:
		return &SyncBlock{}, nil
	case CodeBlock:
		return &Block{}, nil
	case CodeTransaction:
		return &Transaction{}, nil
	case CodeGetMemoryPool:
		return &GetMemoryPool{}, nil
	case CodeMemoryPool:
		return &MemoryPool{}, nil
	default:
		return nil, errors.Wrapf(ErrUnknownCode, "code=%d", code)
	}
}

// derefPayload returns the pointed-to value so callers get the same shape
// SerializeMessage accepted (value, not pointer), matching Go idiom for
// small wire structs.
func derefPayload(p interface{}) interface{} {
	switch v := p.(type) {
	case *Version:
		return *v
	case *Verack:
		return *v
	case *Ping:
		return *v
	case *Pong:
		return *v
	case *GetPeers:
		return *v
	case *Peers:
		return *v
	case *GetBlocks:
		return *v
	case *Sync:
		return *v
	case *GetBlock:
		return *v
	case *SyncBlock:
		return *v
	case *Block:
		return *v
	case *Transaction:
		return *v
	case *GetMemoryPool:
		return *v
	case *MemoryPool:
		return *v
	default:
		return p
	}
}

// PutUint32 / Uint32 are small helpers for the 4-byte big-endian frame
// length prefix (spec.md §4.4); the p2p transport writes and reads that
// prefix with encoding/binary directly rather than through these.
func PutUint32(b []byte, v uint32) { binary.BigEndian.PutUint32(b, v) }
func Uint32(b []byte) uint32       { return binary.BigEndian.Uint32(b) }
