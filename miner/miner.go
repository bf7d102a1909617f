// Package miner implements the block assembly and proof-of-work loop
// described in spec.md §4.3. It holds no locks across the proof-of-work
// search: candidates are copied out from the memory pool under its own
// lock, and the result is submitted to the chain engine atomically at the
// end (spec.md §4.3, §5), mirroring the teacher's CpuAgent pattern
// (work/agent.go) of reading a snapshot then running the search
// unsynchronized.
package miner

import (
	"math/big"
	"math/rand"
	"time"

	"github.com/pkg/errors"
	metrics "github.com/rcrowley/go-metrics"

	"github.com/aleocore/nodecore/chain"
	"github.com/aleocore/nodecore/consensus"
	"github.com/aleocore/nodecore/internal/log"
	"github.com/aleocore/nodecore/ledger"
	"github.com/aleocore/nodecore/merkle"
	"github.com/aleocore/nodecore/txpool"
	"github.com/aleocore/nodecore/types"
)

var logger = log.NewModuleLogger(log.Miner)

var (
	blocksMinedCounter  = metrics.NewRegisteredCounter("miner/blocksmined", nil)
	noSolutionCounter   = metrics.NewRegisteredCounter("miner/nosolution", nil)
	abortedNetworkMismatch = metrics.NewRegisteredCounter("miner/networkmismatch", nil)
)

// ErrNoSolution is returned when nonce iteration exhausts maxNonce without
// finding a valid proof (spec.md §4.3 step 5); the outer loop retries with
// a refreshed snapshot.
var ErrNoSolution = errors.New("miner: no solution found in nonce range")

// ErrNetworkMismatch aborts a mining attempt when a pooled transaction's
// network_id disagrees with the miner's configured network (spec.md §4.3
// step 2).
var ErrNetworkMismatch = errors.New("miner: pooled transaction has mismatched network id")

// Config bundles the parameters spec.md §4.3/§6.3 names.
type Config struct {
	NetworkID       uint32
	CoinbaseAddress []byte
	MaxBlockSize    int
	MaxNonce        uint64
}

// Miner assembles candidate blocks from the memory pool, runs
// proof-of-work, and submits the result to the chain engine exactly as if
// it had arrived from a peer (spec.md §4.3 step 6).
type Miner struct {
	cfg      Config
	pool     *txpool.MemoryPool
	chain    *chain.Engine
	ledger   ledger.Ledger
	pow      consensus.ProofOfWork
	coinbase consensus.CoinbaseFactory
	diff     consensus.DifficultyOracle

	// rng is injected rather than ambient (spec.md §9, "thread_rng
	// coupling") so mining is reproducible in tests.
	rng *rand.Rand
}

// New constructs a Miner. rng must not be nil; pass a seeded
// *rand.Rand for deterministic tests.
func New(cfg Config, pool *txpool.MemoryPool, engine *chain.Engine, l ledger.Ledger, pow consensus.ProofOfWork, coinbase consensus.CoinbaseFactory, diff consensus.DifficultyOracle, rng *rand.Rand) *Miner {
	return &Miner{cfg: cfg, pool: pool, chain: engine, ledger: l, pow: pow, coinbase: coinbase, diff: diff, rng: rng}
}

// MineBlock blocks until a valid block is found or stop fires, then submits
// it to the chain engine and returns it (spec.md §4.3 contract). On
// ErrNoSolution from one attempt it immediately retries with a refreshed
// pool snapshot, until stop fires.
func (m *Miner) MineBlock(stop <-chan struct{}) (*types.Block, error) {
	for {
		select {
		case <-stop:
			return nil, errors.New("miner: cancelled")
		default:
		}

		block, err := m.mineAttempt(stop)
		if err == ErrNoSolution {
			noSolutionCounter.Inc(1)
			continue
		}
		if err == ErrNetworkMismatch {
			abortedNetworkMismatch.Inc(1)
			continue
		}
		if err != nil {
			return nil, err
		}

		outcome, err := m.chain.ReceiveBlock(block)
		if err != nil {
			return nil, errors.Wrap(err, "miner: submit mined block")
		}
		if outcome.Result == chain.Rejected {
			return nil, errors.Wrapf(outcome.Reason, "miner: chain engine rejected mined block")
		}
		blocksMinedCounter.Inc(1)
		logger.Info("mined block", "hash", block.Hash().String(), "result", outcome.Result.String())
		return block, nil
	}
}

// mineAttempt implements spec.md §4.3 steps 1-5 for a single pool snapshot.
func (m *Miner) mineAttempt(stop <-chan struct{}) (*types.Block, error) {
	// Step 1: snapshot the pool.
	txs := m.pool.GetCandidates(m.cfg.MaxBlockSize)

	for _, tx := range txs {
		if tx.NetworkID != m.cfg.NetworkID {
			return nil, ErrNetworkMismatch
		}
	}

	tip := m.ledger.Tip()
	var parentHeader *types.Header
	if !tip.IsZero() {
		parentBlock, ok := m.ledger.Get(tip)
		if !ok {
			return nil, errors.New("miner: canonical tip missing from ledger")
		}
		parentHeader = parentBlock.Header
	}
	height := m.ledger.Height()

	// Step 2: construct the coinbase transaction.
	coinbaseTx, err := m.coinbase.CreateCoinbaseTx(height, m.cfg.CoinbaseAddress, m.cfg.NetworkID)
	if err != nil {
		return nil, errors.Wrap(err, "miner: create coinbase")
	}
	allTxs := append([]*types.Transaction{coinbaseTx}, txs...)

	// Step 3: compute Merkle roots.
	txids := make([]types.Hash, len(allTxs))
	for i, tx := range allTxs {
		txids[i] = tx.TxID()
	}
	merkleRoot := merkle.Root(txids)
	pedersenRoot := merkle.PedersenRoot(txids)

	// Step 4: query the difficulty target.
	now := time.Now()
	target := m.diff.DifficultyFor(parentHeader, now)

	previousHash := types.ZeroHash
	if parentHeader != nil {
		previousHash = parentHeader.Hash()
	}

	header := &types.Header{
		PreviousHash:       previousHash,
		MerkleRoot:         merkleRoot,
		PedersenMerkleRoot: pedersenRoot,
		Timestamp:          now,
		DifficultyTarget:    target,
	}

	// Step 5: iterate nonces from a random seed.
	seed := m.rng.Uint64()
	nonce, proof, ok := m.pow.Solve(header, seed, m.cfg.MaxNonce, stop)
	if !ok {
		return nil, ErrNoSolution
	}
	header.Nonce = nonce
	header.Proof = proof

	return &types.Block{Header: header, Transactions: allTxs}, nil
}

// EstimateWeight is a small helper used by callers that want to log a
// mined block's contribution to cumulative work without reaching into the
// chain package.
func EstimateWeight(target *big.Int) *big.Int {
	if target == nil || target.Sign() <= 0 {
		return big.NewInt(0)
	}
	maxHash := new(big.Int).Lsh(big.NewInt(1), 256)
	denom := new(big.Int).Add(target, big.NewInt(1))
	return new(big.Int).Div(maxHash, denom)
}
