package miner

import (
	"math/big"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aleocore/nodecore/chain"
	"github.com/aleocore/nodecore/ledger"
	"github.com/aleocore/nodecore/txpool"
	"github.com/aleocore/nodecore/types"
)

type fixedCoinbase struct{ address []byte }

func (f fixedCoinbase) CreateCoinbaseTx(height uint64, address []byte, networkID uint32) (*types.Transaction, error) {
	return &types.Transaction{Payload: []byte("coinbase"), NetworkID: networkID, ValueBalance: -50}, nil
}

type fixedDifficulty struct{ target *big.Int }

func (f fixedDifficulty) DifficultyFor(parent *types.Header, ts time.Time) *big.Int { return f.target }

// firstNonceWorks always succeeds on the first nonce it tries, mirroring a
// trivially-low difficulty target in tests.
type firstNonceWorks struct{}

func (firstNonceWorks) Solve(header *types.Header, seed uint64, maxNonce uint64, stop <-chan struct{}) (uint64, []byte, bool) {
	return seed, []byte{0x01}, true
}

type alwaysFails struct{}

func (alwaysFails) Solve(header *types.Header, seed uint64, maxNonce uint64, stop <-chan struct{}) (uint64, []byte, bool) {
	return 0, nil, false
}

func TestMineBlockAssemblesAndSubmits(t *testing.T) {
	l := ledger.NewMemLedger()
	pool := txpool.New(nil)
	engine := chain.New(l, pool, nil)

	genesis := &types.Block{Header: &types.Header{DifficultyTarget: big.NewInt(100)}}
	require.NoError(t, engine.ReceiveGenesis(genesis))

	cfg := Config{NetworkID: 1, CoinbaseAddress: []byte("addr"), MaxBlockSize: 1 << 20, MaxNonce: 1000}
	m := New(cfg, pool, engine, l, firstNonceWorks{}, fixedCoinbase{}, fixedDifficulty{target: big.NewInt(100)}, rand.New(rand.NewSource(1)))

	stop := make(chan struct{})
	block, err := m.MineBlock(stop)
	require.NoError(t, err)
	require.NotNil(t, block)
	assert.Equal(t, genesis.Hash(), block.Header.PreviousHash)
	assert.Len(t, block.Transactions, 1)
	assert.True(t, block.Transactions[0].IsCoinbase())
	assert.Equal(t, block.Hash(), engine.Tip())
	latest, ok := engine.LatestBlock()
	require.True(t, ok)
	assert.Equal(t, block.Hash(), latest.Hash())
}

func TestMineBlockRetriesOnNoSolution(t *testing.T) {
	l := ledger.NewMemLedger()
	pool := txpool.New(nil)
	engine := chain.New(l, pool, nil)
	genesis := &types.Block{Header: &types.Header{DifficultyTarget: big.NewInt(100)}}
	require.NoError(t, engine.ReceiveGenesis(genesis))

	cfg := Config{NetworkID: 1, CoinbaseAddress: []byte("addr"), MaxBlockSize: 1 << 20, MaxNonce: 1000}
	m := New(cfg, pool, engine, l, alwaysFails{}, fixedCoinbase{}, fixedDifficulty{target: big.NewInt(100)}, rand.New(rand.NewSource(1)))

	stop := make(chan struct{})
	go func() {
		time.Sleep(10 * time.Millisecond)
		close(stop)
	}()
	_, err := m.MineBlock(stop)
	assert.Error(t, err)
}

func TestEstimateWeightHandlesNilAndNonPositive(t *testing.T) {
	assert.Equal(t, big.NewInt(0), EstimateWeight(nil))
	assert.Equal(t, big.NewInt(0), EstimateWeight(big.NewInt(0)))
	assert.True(t, EstimateWeight(big.NewInt(10)).Sign() > 0)
}
