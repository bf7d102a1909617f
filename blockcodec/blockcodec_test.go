package blockcodec

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aleocore/nodecore/types"
)

func TestRoundTripPreservesHashAndContents(t *testing.T) {
	block := &types.Block{
		Header: &types.Header{
			Timestamp:        time.Unix(1700000000, 0).UTC(),
			DifficultyTarget: big.NewInt(12345),
			Nonce:            99,
			Proof:            []byte{1, 2, 3},
		},
		Transactions: []*types.Transaction{
			{Payload: []byte("tx-a"), NetworkID: 1, ValueBalance: 5},
			{Payload: []byte("tx-b"), NetworkID: 1, ValueBalance: -50, SerialNumbers: []types.Hash{{1}, {2}}},
		},
	}

	var codec GobCodec
	raw, err := codec.SerializeBlock(block)
	require.NoError(t, err)

	decoded, err := codec.DeserializeBlock(raw)
	require.NoError(t, err)

	assert.Equal(t, block.Hash(), decoded.Hash())
	assert.Len(t, decoded.Transactions, 2)
	assert.Equal(t, block.Transactions[1].SerialNumbers, decoded.Transactions[1].SerialNumbers)
}

func TestDeserializeRejectsGarbage(t *testing.T) {
	var codec GobCodec
	_, err := codec.DeserializeBlock([]byte("not gob data"))
	assert.Error(t, err)
}
