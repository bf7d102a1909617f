// Package ledger declares the durable, append-only block store the chain
// engine sits on top of (spec.md §6.2: ledger.put/get/contains/tip/height/
// ancestors). The ledger only ever holds the canonical chain; the
// side-chain buffer and orphan store are the chain engine's own in-memory
// bookkeeping (spec.md §3), not part of this interface.
package ledger

import (
	"github.com/aleocore/nodecore/types"
	"github.com/pkg/errors"
)

// ErrNotFound is returned by Get/Ancestors when a hash is unknown.
var ErrNotFound = errors.New("ledger: block not found")

// Ledger is the durable, hash-indexed canonical block store. It is the
// external collaborator named in spec.md §6.2; the underlying key/value
// store itself (e.g. the teacher's storage/database package) is out of
// scope for this module, which ships only the interface and a
// deterministic in-memory implementation used by tests and the default
// standalone binary.
type Ledger interface {
	// Put appends block to the canonical chain. The caller (chain engine)
	// guarantees block.PreviousHash() equals the current Tip().
	Put(block *types.Block) error

	// Get returns the canonical block with the given hash.
	Get(hash types.Hash) (*types.Block, bool)

	// Contains reports whether hash names a canonical block.
	Contains(hash types.Hash) bool

	// Tip returns the hash of the current canonical chain head, or the
	// zero hash if the ledger is empty (no genesis committed yet).
	Tip() types.Hash

	// Height returns the number of blocks in the canonical chain
	// (0 before genesis is committed).
	Height() uint64

	// Ancestors walks the canonical chain backward from hash, returning up
	// to count hashes (hash itself first, then its parent, and so on).
	Ancestors(hash types.Hash, count int) ([]types.Hash, error)

	// Remove deletes a block from the canonical chain; used only by reorg
	// rollback (spec.md §4.1.2) to undo a committed block.
	Remove(hash types.Hash) error

	// Genesis returns the chain's genesis block, or nil if unset.
	Genesis() *types.Block
}
