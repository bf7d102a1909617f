package types

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// Hash is a block or transaction identifier: a fixed-size cryptographic
// digest of serialized bytes, used as both identity and sort key.
type Hash [32]byte

// ZeroHash is the parent hash of genesis.
var ZeroHash = Hash{}

// HashBytes computes the digest used for block headers and transaction ids.
// The proving system and record encoding are external collaborators
// (spec.md §6.2); this helper is the module's own deterministic stand-in,
// used where no external serializer is wired (tests, the in-memory ledger).
func HashBytes(b []byte) Hash {
	return Hash(blake2b.Sum256(b))
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the zero hash (genesis's previous_hash).
func (h Hash) IsZero() bool {
	return h == ZeroHash
}
