// Package txpool implements the memory pool described in spec.md §4.2: an
// ordered staging area for verified-but-unconfirmed transactions, with
// dedup and an in-pool double-spend screen. There is deliberately no
// priority queue — insertion order is preserved solely for deterministic
// block assembly (spec.md §3).
package txpool

import (
	"encoding/gob"
	"bytes"
	"sync"

	"github.com/aleocore/nodecore/consensus"
	"github.com/aleocore/nodecore/types"
	"github.com/aleocore/nodecore/internal/log"
	"github.com/pkg/errors"
	metrics "github.com/rcrowley/go-metrics"
)

var logger = log.NewModuleLogger(log.TxPool)

var (
	// ErrCoinbase rejects a coinbase transaction offered directly to the
	// pool; coinbases are only ever minted by the miner, never relayed.
	ErrCoinbase = errors.New("txpool: coinbase transaction rejected")
	// ErrDoubleSpend rejects a transaction whose serial numbers collide
	// with another transaction already resident in the pool.
	ErrDoubleSpend = errors.New("txpool: conflicts with a pooled transaction")
	// ErrInvalid rejects a transaction external validation refused.
	ErrInvalid = errors.New("txpool: invalid transaction")
)

var (
	insertedCounter = metrics.NewRegisteredCounter("txpool/inserted", nil)
	droppedCounter  = metrics.NewRegisteredCounter("txpool/dropped", nil)
	cleansedCounter = metrics.NewRegisteredCounter("txpool/cleansed", nil)
)

// entry is a MemoryPool entry: {size_in_bytes, transaction} (spec.md §3).
type entry struct {
	tx          *types.Transaction
	sizeInBytes int
}

// BlobStore is the narrow persistence surface MemoryPool.Store/Load needs;
// it is satisfied by ledger.MemLedger and may be satisfied by any durable
// store wired in by the embedder (spec.md §4.2: store(ledger)/load(ledger)).
type BlobStore interface {
	PutBlob(key string, data []byte) error
	GetBlob(key string) ([]byte, bool, error)
}

const blobKey = "txpool.snapshot"

// MemoryPool is the mutex-guarded staging area for candidate transactions.
// Every exported method holds the single mutex only for the duration of its
// own body (spec.md §5): the miner must copy candidates out under the lock
// and release it before running proof-of-work.
type MemoryPool struct {
	mu       sync.Mutex
	verifier consensus.ProofVerifier

	byTxID   map[types.Hash]*entry
	order    []types.Hash // insertion order, for deterministic assembly
	bySerial map[types.Hash]types.Hash // serial number -> owning txid
}

// New returns an empty memory pool. verifier is the external validity
// collaborator (spec.md §6.2); it may be nil in tests that pre-validate
// transactions themselves.
func New(verifier consensus.ProofVerifier) *MemoryPool {
	return &MemoryPool{
		verifier: verifier,
		byTxID:   make(map[types.Hash]*entry),
		bySerial: make(map[types.Hash]types.Hash),
	}
}

// Insert admits tx into the pool. It returns (txid, true, nil) on success,
// (zero, false, nil) if tx was already present (silently dropped), and
// (zero, false, err) if validation rejected it — mirroring spec.md §4.2's
// Some(txid) | None | Err contract.
func (p *MemoryPool) Insert(tx *types.Transaction, ledgerView consensus.LedgerView) (types.Hash, bool, error) {
	if tx.IsCoinbase() {
		return types.Hash{}, false, ErrCoinbase
	}
	if tx.ValueBalance < 0 {
		return types.Hash{}, false, ErrCoinbase
	}

	txid := tx.TxID()

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.byTxID[txid]; exists {
		return types.Hash{}, false, nil
	}

	for _, sn := range tx.SerialNumbers {
		if owner, conflict := p.bySerial[sn]; conflict && owner != txid {
			droppedCounter.Inc(1)
			return types.Hash{}, false, ErrDoubleSpend
		}
	}

	if p.verifier != nil && !p.verifier.VerifyTransaction(tx, ledgerView) {
		droppedCounter.Inc(1)
		return types.Hash{}, false, ErrInvalid
	}

	p.byTxID[txid] = &entry{tx: tx, sizeInBytes: tx.SizeInBytes()}
	p.order = append(p.order, txid)
	for _, sn := range tx.SerialNumbers {
		p.bySerial[sn] = txid
	}

	insertedCounter.Inc(1)
	logger.Debug("transaction admitted", "txid", txid.String())
	return txid, true, nil
}

// Contains reports whether txid is currently pooled.
func (p *MemoryPool) Contains(txid types.Hash) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.byTxID[txid]
	return ok
}

// Len returns the number of pooled transactions.
func (p *MemoryPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.order)
}

// GetCandidates returns transactions in insertion order, greedily packed up
// to maxBytes (spec.md §4.2/§4.3 step 1).
func (p *MemoryPool) GetCandidates(maxBytes int) []*types.Transaction {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []*types.Transaction
	total := 0
	for _, id := range p.order {
		e := p.byTxID[id]
		if e == nil {
			continue
		}
		if total+e.sizeInBytes > maxBytes {
			continue
		}
		out = append(out, e.tx)
		total += e.sizeInBytes
	}
	return out
}

// Remove deletes a single transaction, used when it is confirmed into a
// canonical block (spec.md §3 lifecycle: destroyed on canonicalization).
func (p *MemoryPool) Remove(txid types.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(txid)
}

func (p *MemoryPool) removeLocked(txid types.Hash) {
	e, ok := p.byTxID[txid]
	if !ok {
		return
	}
	delete(p.byTxID, txid)
	for _, sn := range e.tx.SerialNumbers {
		if p.bySerial[sn] == txid {
			delete(p.bySerial, sn)
		}
	}
	for i, id := range p.order {
		if id == txid {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

// RemoveConfirmed removes every transaction in txids, used when the chain
// engine extends the canonical chain with a block carrying them.
func (p *MemoryPool) RemoveConfirmed(txids []types.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range txids {
		p.removeLocked(id)
	}
}

// Requeue returns transactions to the pool, used by reorg rollback
// (spec.md §4.1.2) to give rolled-back block contents another chance at
// canonicalization. Transactions already pooled are silently skipped.
func (p *MemoryPool) Requeue(txs []*types.Transaction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, tx := range txs {
		if tx.IsCoinbase() {
			continue
		}
		txid := tx.TxID()
		if _, exists := p.byTxID[txid]; exists {
			continue
		}
		conflict := false
		for _, sn := range tx.SerialNumbers {
			if _, ok := p.bySerial[sn]; ok {
				conflict = true
				break
			}
		}
		if conflict {
			continue
		}
		p.byTxID[txid] = &entry{tx: tx, sizeInBytes: tx.SizeInBytes()}
		p.order = append(p.order, txid)
		for _, sn := range tx.SerialNumbers {
			p.bySerial[sn] = txid
		}
	}
}

// Cleanse drops pooled transactions now invalid against the ledger, e.g.
// whose serial numbers were spent by a newly canonical block (spec.md
// §4.2). isSpent reports whether a serial number now appears on-chain.
func (p *MemoryPool) Cleanse(isSpent func(sn types.Hash) bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var toDrop []types.Hash
	for id, e := range p.byTxID {
		for _, sn := range e.tx.SerialNumbers {
			if isSpent(sn) {
				toDrop = append(toDrop, id)
				break
			}
		}
	}
	for _, id := range toDrop {
		p.removeLocked(id)
		cleansedCounter.Inc(1)
	}
}

// snapshot is the opaque blob persisted by Store/loaded by Load. It carries
// each transaction's payload, network id, value balance and serial
// numbers; the pool re-derives ids, sizes and its indexes on Load via
// Insert so invariants (dedup, double-spend) are re-checked.
type snapshot struct {
	Payloads []txSnapshot
}

type txSnapshot struct {
	Payload       []byte
	NetworkID     uint32
	ValueBalance  int64
	SerialNumbers [][32]byte
}

// Store persists the pool across restart as an opaque blob (spec.md §4.2).
func (p *MemoryPool) Store(store BlobStore) error {
	p.mu.Lock()
	snap := snapshot{}
	for _, id := range p.order {
		e := p.byTxID[id]
		sns := make([][32]byte, len(e.tx.SerialNumbers))
		for i, sn := range e.tx.SerialNumbers {
			sns[i] = sn
		}
		snap.Payloads = append(snap.Payloads, txSnapshot{
			Payload:       e.tx.Payload,
			NetworkID:     e.tx.NetworkID,
			ValueBalance:  e.tx.ValueBalance,
			SerialNumbers: sns,
		})
	}
	p.mu.Unlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
		return errors.Wrap(err, "txpool: encode snapshot")
	}
	return store.PutBlob(blobKey, buf.Bytes())
}

// Load restores a previously stored pool (spec.md §4.2). Transactions are
// re-admitted through Insert so all invariants are re-validated; callers
// should invoke Load before accepting new network traffic.
func (p *MemoryPool) Load(store BlobStore, ledgerView consensus.LedgerView) error {
	data, ok, err := store.GetBlob(blobKey)
	if err != nil {
		return errors.Wrap(err, "txpool: load snapshot")
	}
	if !ok {
		return nil
	}
	var snap snapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		return errors.Wrap(err, "txpool: decode snapshot")
	}
	for _, ts := range snap.Payloads {
		sns := make([]types.Hash, len(ts.SerialNumbers))
		for i, sn := range ts.SerialNumbers {
			sns[i] = sn
		}
		tx := &types.Transaction{
			Payload:       ts.Payload,
			NetworkID:     ts.NetworkID,
			ValueBalance:  ts.ValueBalance,
			SerialNumbers: sns,
		}
		if _, _, err := p.Insert(tx, ledgerView); err != nil {
			logger.Warn("dropping persisted transaction on load", "err", err)
		}
	}
	return nil
}
