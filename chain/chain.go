// Package chain implements the chain engine described in spec.md §4.1: block
// admission, orphan buffering and replay, and fork-choice/reorg. All chain
// mutations are linearized behind a single exclusive lock so that admission,
// orphan replay, and fork choice run as one atomic sequence (spec.md §5).
package chain

import (
	"math/big"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/aleocore/nodecore/consensus"
	"github.com/aleocore/nodecore/internal/log"
	"github.com/aleocore/nodecore/ledger"
	"github.com/aleocore/nodecore/merkle"
	"github.com/aleocore/nodecore/txpool"
	"github.com/aleocore/nodecore/types"
)

var logger = log.NewModuleLogger(log.Chain)

// Result is the outcome of admitting one block (spec.md §4.1 contract).
type Result int

const (
	Accepted Result = iota
	SideChain
	Orphan
	Rejected
)

func (r Result) String() string {
	switch r {
	case Accepted:
		return "Accepted"
	case SideChain:
		return "SideChain"
	case Orphan:
		return "Orphan"
	case Rejected:
		return "Rejected"
	default:
		return "Unknown"
	}
}

// Outcome is what ReceiveBlock returns: the admission Result, plus the
// validation reason when Result == Rejected.
type Outcome struct {
	Result Result
	Reason error
}

// Validation-rejection reasons (spec.md §4.1 step 1-2).
var (
	ErrDuplicate           = errors.New("chain: block already known")
	ErrMalformedHeader     = errors.New("chain: malformed header")
	ErrTimestampInFuture   = errors.New("chain: timestamp too far in the future")
	ErrInvalidProof        = errors.New("chain: invalid proof of work")
	ErrMerkleMismatch      = errors.New("chain: merkle root does not match transactions")
	ErrInvalidTransaction  = errors.New("chain: block contains an invalid transaction")
	ErrMultipleCoinbase    = errors.New("chain: more than one coinbase transaction")
	ErrNegativeValueBalance = errors.New("chain: non-coinbase transaction has negative value balance")
)

// ReorgEvent is the observable event emitted on a successful fork-choice
// switch (spec.md §4.1.2).
type ReorgEvent struct {
	From  types.Hash
	To    types.Hash
	Depth int
}

// MaxFutureDrift bounds how far into the future a block's timestamp may be
// (spec.md §4.1 step 2, "N seconds"). Exported so embedders can tune it.
var MaxFutureDrift = 15 * time.Second

// maxOrphanDepth bounds orphan replay recursion; replay is already bounded
// by orphan store size (spec.md §4.1.1), this is a defensive backstop.
const maxOrphanDepth = 10000

// Engine is the chain engine (spec.md §4.1).
type Engine struct {
	mu sync.RWMutex // exclusive for the whole admission+replay+fork-choice sequence

	ledger   ledger.Ledger
	pool     *txpool.MemoryPool
	verifier consensus.ProofVerifier

	sideBlocks     map[types.Hash]*types.Block
	orphanByHash   map[types.Hash]*types.Block
	orphanByParent map[types.Hash][]types.Hash

	reorgSubs []chan<- ReorgEvent
	subMu     sync.Mutex

	now func() time.Time // injectable for tests
}

// New returns a chain engine sitting atop ledger l, feeding confirmations
// into pool, and validating structure/transactions via verifier.
func New(l ledger.Ledger, pool *txpool.MemoryPool, verifier consensus.ProofVerifier) *Engine {
	return &Engine{
		ledger:         l,
		pool:           pool,
		verifier:       verifier,
		sideBlocks:     make(map[types.Hash]*types.Block),
		orphanByHash:   make(map[types.Hash]*types.Block),
		orphanByParent: make(map[types.Hash][]types.Hash),
		now:            time.Now,
	}
}

// SubscribeReorg registers ch to receive ReorgEvents. Sends are
// non-blocking; a slow subscriber misses events rather than stalling
// admission. The returned func unsubscribes.
func (e *Engine) SubscribeReorg(ch chan<- ReorgEvent) func() {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	e.reorgSubs = append(e.reorgSubs, ch)
	return func() {
		e.subMu.Lock()
		defer e.subMu.Unlock()
		for i, c := range e.reorgSubs {
			if c == ch {
				e.reorgSubs = append(e.reorgSubs[:i], e.reorgSubs[i+1:]...)
				break
			}
		}
	}
}

func (e *Engine) emitReorg(ev ReorgEvent) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for _, ch := range e.reorgSubs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Tip returns the current canonical tip hash.
func (e *Engine) Tip() types.Hash {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ledger.Tip()
}

// Height returns the current canonical chain height.
func (e *Engine) Height() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ledger.Height()
}

// LatestBlock returns the current canonical tip block.
func (e *Engine) LatestBlock() (*types.Block, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	tip := e.ledger.Tip()
	if tip.IsZero() {
		return nil, false
	}
	return e.ledger.Get(tip)
}

// IsSideChain reports whether hash is resident in the side-chain store.
func (e *Engine) IsSideChain(hash types.Hash) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.sideBlocks[hash]
	return ok
}

// IsOrphan reports whether hash is resident in the orphan store.
func (e *Engine) IsOrphan(hash types.Hash) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.orphanByHash[hash]
	return ok
}

// ReceiveGenesis commits block directly as the canonical genesis, bypassing
// the normal "extends tip" check (there is no tip yet). It still runs
// structure validation.
func (e *Engine) ReceiveGenesis(block *types.Block) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ledger.Height() != 0 {
		return errors.New("chain: genesis already committed")
	}
	if reason := e.validateStructure(block); reason != nil {
		return errors.Wrap(reason, "chain: invalid genesis")
	}
	return e.ledger.Put(block)
}

// ReceiveBlock is the chain engine's single entry point (spec.md §4.1),
// used identically whether the block arrived from a peer or was just
// mined locally. Storage errors are returned as the second value and are
// fatal to the call (spec.md §7); validation outcomes are reported via the
// returned Outcome.
func (e *Engine) ReceiveBlock(block *types.Block) (Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.receiveBlockLocked(block, 0)
}

func (e *Engine) receiveBlockLocked(block *types.Block, depth int) (Outcome, error) {
	if depth > maxOrphanDepth {
		return Outcome{Result: Rejected, Reason: errors.New("chain: orphan replay depth exceeded")}, nil
	}

	hash := block.Hash()

	// Step 1: duplicate check across all three stores.
	if e.ledger.Contains(hash) || e.sideExists(hash) || e.orphanExists(hash) {
		return Outcome{Result: Rejected, Reason: ErrDuplicate}, nil
	}

	// Step 2: structure validation.
	if reason := e.validateStructure(block); reason != nil {
		logger.Debug("block rejected", "hash", hash.String(), "reason", reason.Error())
		return Outcome{Result: Rejected, Reason: reason}, nil
	}

	prev := block.PreviousHash()
	tip := e.ledger.Tip()

	switch {
	case prev == tip:
		// Step 3: extends canonical tip.
		if err := e.ledger.Put(block); err != nil {
			return Outcome{}, errors.Wrap(err, "chain: commit canonical block")
		}
		e.pool.RemoveConfirmed(block.TxIDs())
		logger.Info("block accepted as canonical", "hash", hash.String(), "height", e.ledger.Height())
		if err := e.replayOrphans(hash, depth+1); err != nil {
			return Outcome{}, err
		}
		return Outcome{Result: Accepted}, nil

	case e.ledger.Contains(prev) || e.sideExists(prev):
		// Step 4: side-chain extension, then fork choice.
		e.sideBlocks[hash] = block
		logger.Info("block stored in side chain", "hash", hash.String())
		promoted, err := e.runForkChoice(block)
		if err != nil {
			return Outcome{}, err
		}
		if err := e.replayOrphans(hash, depth+1); err != nil {
			return Outcome{}, err
		}
		if promoted {
			return Outcome{Result: Accepted}, nil
		}
		return Outcome{Result: SideChain}, nil

	default:
		// Step 5: unknown parent.
		e.orphanByHash[hash] = block
		e.orphanByParent[prev] = append(e.orphanByParent[prev], hash)
		logger.Debug("block stored as orphan", "hash", hash.String(), "previous", prev.String())
		return Outcome{Result: Orphan}, nil
	}
}

func (e *Engine) sideExists(hash types.Hash) bool {
	_, ok := e.sideBlocks[hash]
	return ok
}

func (e *Engine) orphanExists(hash types.Hash) bool {
	_, ok := e.orphanByHash[hash]
	return ok
}

// replayOrphans implements spec.md §4.1.1: after any admitted block,
// recursively admit every orphan whose previous_hash equals it.
func (e *Engine) replayOrphans(parent types.Hash, depth int) error {
	children := e.orphanByParent[parent]
	if len(children) == 0 {
		return nil
	}
	delete(e.orphanByParent, parent)

	for _, childHash := range children {
		block, ok := e.orphanByHash[childHash]
		if !ok {
			continue
		}
		delete(e.orphanByHash, childHash)
		if _, err := e.receiveBlockLocked(block, depth); err != nil {
			return err
		}
	}
	return nil
}

// validateStructure implements spec.md §4.1 step 2: well-formed header,
// timestamp bound, proof-of-work, Merkle roots, and per-transaction
// validity.
func (e *Engine) validateStructure(block *types.Block) error {
	if block.Header == nil {
		return ErrMalformedHeader
	}
	if block.Header.Timestamp.After(e.now().Add(MaxFutureDrift)) {
		return ErrTimestampInFuture
	}

	coinbaseCount := 0
	for i, tx := range block.Transactions {
		if tx.IsCoinbase() {
			coinbaseCount++
			if i != 0 {
				return ErrMultipleCoinbase
			}
		} else if tx.ValueBalance < 0 {
			return ErrNegativeValueBalance
		}
	}
	if coinbaseCount > 1 {
		return ErrMultipleCoinbase
	}

	txids := block.TxIDs()
	if block.Header.MerkleRoot != merkle.Root(txids) {
		return ErrMerkleMismatch
	}
	if block.Header.PedersenMerkleRoot != merkle.PedersenRoot(txids) {
		return ErrMerkleMismatch
	}

	if e.verifier != nil {
		if !e.verifier.VerifyBlockProof(block.Header) {
			return ErrInvalidProof
		}
		view := ledgerView{e.ledger}
		for _, tx := range block.Transactions {
			if tx.IsCoinbase() {
				continue
			}
			if !e.verifier.VerifyTransaction(tx, view) {
				return ErrInvalidTransaction
			}
		}
	}
	return nil
}

type ledgerView struct{ l ledger.Ledger }

func (v ledgerView) Contains(id types.Hash) bool { return v.l.Contains(id) }
func (v ledgerView) Height() uint64              { return v.l.Height() }

// runForkChoice implements spec.md §4.1.2. It returns promoted=true if the
// side branch containing newBlock became canonical.
func (e *Engine) runForkChoice(newBlock *types.Block) (bool, error) {
	branchPath, lca, err := e.sideBranchPath(newBlock.Hash())
	if err != nil {
		return false, err
	}

	sideWeight := big.NewInt(0)
	for _, h := range branchPath {
		b := e.sideBlocks[h]
		sideWeight.Add(sideWeight, b.Weight())
	}

	canonWeight, rollback, err := e.canonicalWeightAbove(lca)
	if err != nil {
		return false, err
	}

	if sideWeight.Cmp(canonWeight) <= 0 {
		return false, nil
	}

	// apply list: LCA-child-first, i.e. reverse of branchPath (tip-first).
	apply := make([]types.Hash, len(branchPath))
	for i, h := range branchPath {
		apply[len(branchPath)-1-i] = h
	}

	oldTip := e.ledger.Tip()
	committed, err := e.applyReorg(rollback, apply)
	if err != nil {
		return false, err
	}
	if !committed {
		return false, nil
	}

	e.emitReorg(ReorgEvent{From: oldTip, To: newBlock.Hash(), Depth: len(rollback)})
	logger.Info("reorg completed", "from", oldTip.String(), "to", newBlock.Hash().String(), "depth", len(rollback))
	return true, nil
}

// sideBranchPath walks backward from hash through the side-chain store
// until it reaches a canonical block (the LCA), returning the path
// tip-first (hash itself first) and the LCA hash.
func (e *Engine) sideBranchPath(hash types.Hash) ([]types.Hash, types.Hash, error) {
	var path []types.Hash
	cur := hash
	for {
		block, ok := e.sideBlocks[cur]
		if !ok {
			return nil, types.Hash{}, errors.Errorf("chain: side branch missing block %s", cur.String())
		}
		path = append(path, cur)
		prev := block.PreviousHash()
		if e.ledger.Contains(prev) {
			return path, prev, nil
		}
		cur = prev
	}
}

// canonicalWeightAbove sums the weight of every canonical block above lca
// (exclusive), returning that weight and the rollback list (tip-first).
func (e *Engine) canonicalWeightAbove(lca types.Hash) (*big.Int, []types.Hash, error) {
	tip := e.ledger.Tip()
	weight := big.NewInt(0)
	var rollback []types.Hash

	cur := tip
	for cur != lca {
		if cur.IsZero() {
			return nil, nil, errors.New("chain: lca not found on canonical chain")
		}
		block, ok := e.ledger.Get(cur)
		if !ok {
			return nil, nil, errors.Errorf("chain: missing canonical block %s", cur.String())
		}
		weight.Add(weight, block.Weight())
		rollback = append(rollback, cur)
		cur = block.PreviousHash()
	}
	return weight, rollback, nil
}

// applyReorg performs the rollback/apply sequence of spec.md §4.1.2,
// returning committed=true once every apply-list block has landed. On
// validation failure it aborts: reapplies the rollback list in reverse and
// leaves the side branch in the side store, returning committed=false with
// a nil error (the reorg simply didn't happen). A non-nil error means a
// storage error occurred, which spec.md §7 treats as fatal to the caller.
func (e *Engine) applyReorg(rollback, apply []types.Hash) (bool, error) {
	// Rollback: undo canonical blocks tip-first, returning their
	// transactions to the memory pool.
	for _, h := range rollback {
		block, ok := e.ledger.Get(h)
		if !ok {
			return false, errors.Errorf("chain: missing canonical block %s during rollback", h.String())
		}
		if err := e.ledger.Remove(h); err != nil {
			return false, errors.Wrap(err, "chain: rollback remove")
		}
		e.sideBlocks[h] = block
		e.pool.Requeue(block.Transactions)
	}

	// Apply: re-validate and commit the side branch, LCA-child-first.
	applied := make([]types.Hash, 0, len(apply))
	for _, h := range apply {
		block, ok := e.sideBlocks[h]
		if !ok {
			return false, errors.Errorf("chain: missing side block %s during apply", h.String())
		}
		if reason := e.validateStructure(block); reason != nil {
			return false, e.abortReorg(rollback, applied, reason)
		}
		if err := e.ledger.Put(block); err != nil {
			return false, e.abortReorg(rollback, applied, err)
		}
		delete(e.sideBlocks, h)
		e.pool.RemoveConfirmed(block.TxIDs())
		applied = append(applied, h)
	}
	return true, nil
}

// abortReorg undoes a partially-applied reorg: demotes every already-applied
// block back to the side store, then restores the original canonical
// chain. It returns nil unless restoration itself hits a storage error, in
// which case that error is fatal (spec.md §7).
func (e *Engine) abortReorg(rollback, applied []types.Hash, cause error) error {
	for i := len(applied) - 1; i >= 0; i-- {
		h := applied[i]
		block, ok := e.ledger.Get(h)
		if ok {
			_ = e.ledger.Remove(h)
			e.sideBlocks[h] = block
		}
	}
	for i := len(rollback) - 1; i >= 0; i-- {
		h := rollback[i]
		block, ok := e.sideBlocks[h]
		if !ok {
			return errors.Wrapf(cause, "chain: reorg abort could not restore %s", h.String())
		}
		if err := e.ledger.Put(block); err != nil {
			return errors.Wrapf(err, "chain: reorg abort failed restoring canonical chain (original cause: %v)", cause)
		}
		delete(e.sideBlocks, h)
		e.pool.RemoveConfirmed(block.TxIDs())
	}
	logger.Warn("reorg aborted, side branch left in side store", "reason", cause.Error())
	return nil
}
