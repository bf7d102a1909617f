package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, code Code, payload interface{}) interface{} {
	t.Helper()
	raw, err := SerializeMessage(Message{Code: code, Payload: payload})
	require.NoError(t, err)
	msg, err := DeserializeMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, code, msg.Code)
	return msg.Payload
}

func TestRoundTripEveryPayloadShape(t *testing.T) {
	assert.Equal(t, Ping{Nonce: 7}, roundTrip(t, CodePing, Ping{Nonce: 7}))
	assert.Equal(t, Pong{Nonce: 7}, roundTrip(t, CodePong, Pong{Nonce: 7}))
	assert.Equal(t, Peers{Addresses: []string{"a", "b"}}, roundTrip(t, CodePeers, Peers{Addresses: []string{"a", "b"}}))
	assert.Equal(t, Block{Bytes: []byte{1, 2, 3}}, roundTrip(t, CodeBlock, Block{Bytes: []byte{1, 2, 3}}))
	assert.Equal(t, Transaction{Bytes: []byte{4, 5}}, roundTrip(t, CodeTransaction, Transaction{Bytes: []byte{4, 5}}))
	assert.Equal(t, MemoryPool{Transactions: [][]byte{{1}, {2}}}, roundTrip(t, CodeMemoryPool, MemoryPool{Transactions: [][]byte{{1}, {2}}}))
	assert.Equal(t, GetBlocks{Locator: [][32]byte{{1}}}, roundTrip(t, CodeGetBlocks, GetBlocks{Locator: [][32]byte{{1}}}))
	assert.Equal(t, Sync{Hashes: [][32]byte{{2}}}, roundTrip(t, CodeSync, Sync{Hashes: [][32]byte{{2}}}))
	assert.Equal(t, GetSyncPayload(), roundTrip(t, CodeGetBlock, GetSyncPayload()))
	assert.Equal(t, SyncBlock{Bytes: []byte{6, 7}}, roundTrip(t, CodeSyncBlock, SyncBlock{Bytes: []byte{6, 7}}))
	assert.Equal(t, GetPeers{}, roundTrip(t, CodeGetPeers, GetPeers{}))
	assert.Equal(t, GetMemoryPool{}, roundTrip(t, CodeGetMemoryPool, GetMemoryPool{}))
}

// GetSyncPayload exercises the GetBlock shape named in spec.md
// §6.1's round-trip invariant ("GetBlocks/Sync/GetSync").
func GetSyncPayload() GetBlock {
	return GetBlock{Hash: [32]byte{9}}
}

func TestVersionVerackRoundTrip(t *testing.T) {
	v := Version{Nonce: 1, BlockHeight: 10, ListenerPort: 4133, NetworkID: 1}
	assert.Equal(t, v, roundTrip(t, CodeVersion, v))

	ack := Verack{Nonce: 1}
	assert.Equal(t, ack, roundTrip(t, CodeVerack, ack))
}

func TestDeserializeUnknownCode(t *testing.T) {
	_, err := DeserializeMessage([]byte{255})
	assert.ErrorIs(t, err, ErrUnknownCode)
}

func TestHandshakeStateAllowedTransitions(t *testing.T) {
	assert.True(t, Allowed(AwaitingVersion, CodeVersion))
	assert.False(t, Allowed(AwaitingVersion, CodePing))
	assert.True(t, Allowed(AwaitingVerack, CodeVerack))
	assert.False(t, Allowed(AwaitingVerack, CodeVersion))
	assert.True(t, Allowed(Established, CodePing))
	assert.False(t, Allowed(Established, CodeVersion))
}
