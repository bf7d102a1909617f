package types

import (
	"bytes"
	"encoding/binary"
	"math/big"
	"time"
)

// Header is the block header described in spec.md §3. previous_hash,
// merkle_root and pedersen_merkle_root identify the parent and the
// transaction set; difficulty_target and nonce/proof record the
// proof-of-work. The proof itself is opaque to this module — validity is
// checked by the external collaborator named in consensus.ProofVerifier.
type Header struct {
	PreviousHash       Hash
	MerkleRoot         Hash
	PedersenMerkleRoot Hash
	Timestamp          time.Time
	DifficultyTarget    *big.Int
	Nonce              uint64
	Proof              []byte
}

// serialize produces the canonical byte representation the header hash is
// computed over. This is the module's own deterministic stand-in for the
// external record-serialization encoding (spec.md §6.2). Block hashes are
// always computed over this encoding; consensus.Codec only governs how
// blocks are encoded on the wire.
func (h *Header) serialize() []byte {
	var buf bytes.Buffer
	buf.Write(h.PreviousHash[:])
	buf.Write(h.MerkleRoot[:])
	buf.Write(h.PedersenMerkleRoot[:])
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(h.Timestamp.Unix()))
	buf.Write(tsBuf[:])
	if h.DifficultyTarget != nil {
		buf.Write(h.DifficultyTarget.Bytes())
	}
	var nonceBuf [8]byte
	binary.BigEndian.PutUint64(nonceBuf[:], h.Nonce)
	buf.Write(nonceBuf[:])
	buf.Write(h.Proof)
	return buf.Bytes()
}

// Hash returns the header's identity: a digest of its serialized bytes.
func (h *Header) Hash() Hash {
	return HashBytes(h.serialize())
}

// Block is {header, transactions[]} per spec.md §3.
type Block struct {
	Header       *Header
	Transactions []*Transaction
}

// Hash is the block's identity, equal to its header's hash.
func (b *Block) Hash() Hash {
	return b.Header.Hash()
}

// PreviousHash is a convenience accessor used throughout the chain engine.
func (b *Block) PreviousHash() Hash {
	return b.Header.PreviousHash
}

// Weight is the block's contribution to cumulative chain work, derived from
// its difficulty target. Lower target means more work: weight = 2^256 /
// (target+1), matching the common Bitcoin-style work metric the design
// notes (spec.md §9, "Open question: difficulty metric") resolve in favor
// of cumulative work over block count.
func (b *Block) Weight() *big.Int {
	target := b.Header.DifficultyTarget
	if target == nil || target.Sign() <= 0 {
		return big.NewInt(0)
	}
	maxHash := new(big.Int).Lsh(big.NewInt(1), 256)
	denom := new(big.Int).Add(target, big.NewInt(1))
	return new(big.Int).Div(maxHash, denom)
}

// TxIDs returns the ordered list of transaction ids, the input to the
// Merkle/Pedersen-Merkle root computations.
func (b *Block) TxIDs() []Hash {
	ids := make([]Hash, len(b.Transactions))
	for i, tx := range b.Transactions {
		ids[i] = tx.TxID()
	}
	return ids
}
