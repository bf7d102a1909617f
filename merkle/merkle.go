// Package merkle computes the two root hashes a block header carries
// (spec.md §3): merkle_root and pedersen_merkle_root, both taken over the
// block's transaction id list (spec.md §4.3 step 3). The cryptographic
// proving system that actually consumes the Pedersen variant inside a
// zero-knowledge circuit is an external collaborator out of scope per
// spec.md §1; this package only computes the root the header commits to,
// using the module's own hash (types.HashBytes) with a domain tag so the
// two roots never collide over the same non-empty transaction set. An
// empty transaction set has the zero hash as both roots.
package merkle

import "github.com/aleocore/nodecore/types"

var (
	leafTag  = []byte{0x00}
	nodeTag  = []byte{0x01}
	pedTag   = []byte{0x02}
)

// Root computes the plain Merkle root over txids.
func Root(txids []types.Hash) types.Hash {
	return compute(txids, nodeTag, leafTag)
}

// PedersenRoot computes the root over txids using a distinct domain tag,
// standing in for the Pedersen-hash-based tree the proving system builds
// internally.
func PedersenRoot(txids []types.Hash) types.Hash {
	return compute(txids, pedTag, pedTag)
}

func compute(txids []types.Hash, nodeTag, leafTag []byte) types.Hash {
	if len(txids) == 0 {
		return types.ZeroHash
	}
	level := make([]types.Hash, len(txids))
	for i, id := range txids {
		level[i] = types.HashBytes(append(append([]byte{}, leafTag...), id[:]...))
	}
	for len(level) > 1 {
		var next []types.Hash
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}
			buf := append(append(append([]byte{}, nodeTag...), left[:]...), right[:]...)
			next = append(next, types.HashBytes(buf))
		}
		level = next
	}
	return level[0]
}
