package txpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aleocore/nodecore/types"
)

type fakeLedgerView struct{}

func (fakeLedgerView) Contains(id types.Hash) bool { return false }
func (fakeLedgerView) Height() uint64              { return 0 }

type fakeBlobStore struct {
	data map[string][]byte
}

func newFakeBlobStore() *fakeBlobStore { return &fakeBlobStore{data: make(map[string][]byte)} }

func (s *fakeBlobStore) PutBlob(key string, data []byte) error {
	s.data[key] = append([]byte{}, data...)
	return nil
}

func (s *fakeBlobStore) GetBlob(key string) ([]byte, bool, error) {
	v, ok := s.data[key]
	return v, ok, nil
}

func tx(payload string, serials ...byte) *types.Transaction {
	sns := make([]types.Hash, len(serials))
	for i, b := range serials {
		var h types.Hash
		h[0] = b
		sns[i] = h
	}
	return &types.Transaction{Payload: []byte(payload), SerialNumbers: sns}
}

func TestInsertDedupAndOrder(t *testing.T) {
	p := New(nil)

	id1, inserted, err := p.Insert(tx("a"), fakeLedgerView{})
	require.NoError(t, err)
	assert.True(t, inserted)

	id2, inserted, err := p.Insert(tx("a"), fakeLedgerView{})
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.True(t, id2.IsZero())

	_, _, err = p.Insert(tx("b"), fakeLedgerView{})
	require.NoError(t, err)

	assert.Equal(t, 2, p.Len())
	candidates := p.GetCandidates(1 << 20)
	require.Len(t, candidates, 2)
	assert.Equal(t, "a", string(candidates[0].Payload))
	assert.Equal(t, "b", string(candidates[1].Payload))
	assert.True(t, p.Contains(id1))
}

func TestInsertRejectsCoinbase(t *testing.T) {
	p := New(nil)
	coinbase := &types.Transaction{Payload: []byte("reward"), ValueBalance: -10}
	_, inserted, err := p.Insert(coinbase, fakeLedgerView{})
	assert.False(t, inserted)
	assert.ErrorIs(t, err, ErrCoinbase)
}

func TestInsertRejectsDoubleSpend(t *testing.T) {
	p := New(nil)
	_, _, err := p.Insert(tx("a", 0x01), fakeLedgerView{})
	require.NoError(t, err)

	_, inserted, err := p.Insert(tx("b", 0x01), fakeLedgerView{})
	assert.False(t, inserted)
	assert.ErrorIs(t, err, ErrDoubleSpend)
}

func TestGetCandidatesSkipsOversizeButContinues(t *testing.T) {
	p := New(nil)
	_, _, _ = p.Insert(tx("first"), fakeLedgerView{})
	oversize := &types.Transaction{Payload: make([]byte, 1000)}
	_, _, _ = p.Insert(oversize, fakeLedgerView{})
	_, _, _ = p.Insert(tx("third"), fakeLedgerView{})

	out := p.GetCandidates(len("first") + len("third") + 16)
	var payloads []string
	for _, candidate := range out {
		payloads = append(payloads, string(candidate.Payload))
	}
	assert.Equal(t, []string{"first", "third"}, payloads)
}

func TestRemoveConfirmedAndCleanse(t *testing.T) {
	p := New(nil)
	id, _, _ := p.Insert(tx("a", 0x02), fakeLedgerView{})
	p.RemoveConfirmed([]types.Hash{id})
	assert.False(t, p.Contains(id))

	id2, _, _ := p.Insert(tx("b", 0x03), fakeLedgerView{})
	p.Cleanse(func(sn types.Hash) bool { return sn[0] == 0x03 })
	assert.False(t, p.Contains(id2))
}

func TestRequeueSkipsConflictsAndCoinbase(t *testing.T) {
	p := New(nil)
	_, _, _ = p.Insert(tx("a", 0x04), fakeLedgerView{})

	conflicting := tx("b", 0x04)
	coinbase := &types.Transaction{Payload: []byte("reward"), ValueBalance: -1}
	fresh := tx("c", 0x05)

	p.Requeue([]*types.Transaction{conflicting, coinbase, fresh})
	assert.Equal(t, 2, p.Len())
	assert.True(t, p.Contains(fresh.TxID()))
	assert.False(t, p.Contains(conflicting.TxID()))
}

func TestStoreLoadRoundTrip(t *testing.T) {
	p := New(nil)
	_, _, _ = p.Insert(tx("a"), fakeLedgerView{})
	_, _, _ = p.Insert(tx("b"), fakeLedgerView{})

	store := newFakeBlobStore()
	require.NoError(t, p.Store(store))

	p2 := New(nil)
	require.NoError(t, p2.Load(store, fakeLedgerView{}))
	assert.Equal(t, 2, p2.Len())
}
