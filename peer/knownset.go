package peer

import (
	lru "github.com/hashicorp/golang-lru"
)

// knownItemCacheSize bounds how many recently-seen block/transaction ids
// a single peer's known-set remembers, mirroring the teacher's bounded
// knownTxsCache/knownBlocksCache sizing in node/cn/peer.go (there backed
// by the teacher's own common.Cache wrapper; here by the same underlying
// hashicorp/golang-lru the teacher's cache wrapper is itself built on).
const knownItemCacheSize = 4096

// KnownSet tracks which block/transaction ids a peer has already seen, so
// Node.broadcast never resends an announcement the peer already has
// (spec.md §8 scenario 5's "exactly once" guarantee extended across
// repeated gossip rounds, not just the single announcing event).
type KnownSet struct {
	blocks *lru.Cache
	txs    *lru.Cache
}

// NewKnownSet allocates the bounded LRU sets for one peer.
func NewKnownSet() *KnownSet {
	blocks, _ := lru.New(knownItemCacheSize)
	txs, _ := lru.New(knownItemCacheSize)
	return &KnownSet{blocks: blocks, txs: txs}
}

func (k *KnownSet) HasBlock(hash [32]byte) bool {
	return k.blocks.Contains(hash)
}

func (k *KnownSet) MarkBlock(hash [32]byte) {
	k.blocks.Add(hash, struct{}{})
}

func (k *KnownSet) HasTx(id [32]byte) bool {
	return k.txs.Contains(id)
}

func (k *KnownSet) MarkTx(id [32]byte) {
	k.txs.Add(id, struct{}{})
}
