// Package consensus declares the external collaborators the node core
// depends on but does not implement (spec.md §6.2): proof verification,
// canonical serialization, difficulty adjustment, and coinbase
// construction. Production wiring supplies concrete implementations backed
// by the cryptographic proving system and the record-serialization
// encoding named out of scope in spec.md §1; this package only fixes the
// boundary.
package consensus

import (
	"math/big"
	"time"

	"github.com/aleocore/nodecore/types"
)

// ProofVerifier checks a block header's proof-of-work against its declared
// difficulty target, and a transaction's validity against a view of the
// ledger. Both are cryptographic checks the core never performs itself.
type ProofVerifier interface {
	VerifyBlockProof(header *types.Header) bool
	VerifyTransaction(tx *types.Transaction, ledger LedgerView) bool
}

// LedgerView is the minimal read-only ledger surface a transaction
// validity check needs (e.g. to confirm an input isn't already spent).
type LedgerView interface {
	Contains(id types.Hash) bool
	Height() uint64
}

// Codec is the canonical block/transaction encoding (spec.md §6.2),
// supplied by the record-serialization layer.
type Codec interface {
	SerializeBlock(b *types.Block) ([]byte, error)
	DeserializeBlock(data []byte) (*types.Block, error)
}

// DifficultyOracle computes the next block's target given the parent
// header and a candidate timestamp. Difficulty adjustment itself is an
// external parameter per spec.md §4.3 step 4.
type DifficultyOracle interface {
	DifficultyFor(parent *types.Header, timestamp time.Time) *big.Int
}

// CoinbaseFactory constructs the reward transaction for a candidate block
// (spec.md §6.2, create_coinbase_tx).
type CoinbaseFactory interface {
	CreateCoinbaseTx(height uint64, address []byte, networkID uint32) (*types.Transaction, error)
}

// ProofOfWork is the single proof-of-work function the core assumes
// (spec.md Non-goals rule out a pluggable mining algorithm). Solve runs the
// search and reports the winning header mutation (nonce + proof); it
// checks stop between attempts so a newly-heavier tip can cancel stale
// mining, mirroring the teacher's consensus.PoW/Engine.Seal split
// (consensus/protocol.go).
type ProofOfWork interface {
	// Solve attempts to find a nonce/proof pair satisfying header's
	// difficulty target, starting from seed and stopping at maxNonce.
	// It returns ok=false if no solution was found in range, or if stop
	// is closed first.
	Solve(header *types.Header, seed uint64, maxNonce uint64, stop <-chan struct{}) (nonce uint64, proof []byte, ok bool)
}
