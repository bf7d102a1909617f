package node

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aleocore/nodecore/blockcodec"
	"github.com/aleocore/nodecore/chain"
	"github.com/aleocore/nodecore/ledger"
	"github.com/aleocore/nodecore/p2p"
	"github.com/aleocore/nodecore/peer"
	"github.com/aleocore/nodecore/protocol"
	"github.com/aleocore/nodecore/txpool"
	"github.com/aleocore/nodecore/types"
)

var errDialTimeout = errors.New("node: dial did not complete in time")

func TestConfigValidateRejectsInvalidOptions(t *testing.T) {
	cfg := DefaultConfig
	cfg.MinPeers = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig
	cfg.MinPeers, cfg.MaxPeers = 10, 5
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig
	cfg.PeerSyncInterval = time.Second
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig
	cfg.BindAddress = ""
	assert.Error(t, cfg.Validate())

	assert.NoError(t, DefaultConfig.Validate())
}

func TestReconnectBackoffGrowsAndCaps(t *testing.T) {
	assert.Equal(t, 5*time.Second, reconnectBackoff(0))
	first := reconnectBackoff(1)
	second := reconnectBackoff(2)
	assert.Greater(t, second, first)
	assert.LessOrEqual(t, reconnectBackoff(100), 5*time.Minute)
}

func newTestNode(t *testing.T, bind string) *Node {
	t.Helper()
	l := ledger.NewMemLedger()
	pool := txpool.New(nil)
	engine := chain.New(l, pool, nil)
	genesis := &types.Block{Header: &types.Header{}}
	require.NoError(t, engine.ReceiveGenesis(genesis))

	cfg := DefaultConfig
	cfg.BindAddress = bind
	cfg.PeerSyncInterval = 2 * time.Second
	cfg.NetworkID = 1
	cfg.PresharedKey = make([]byte, 32)

	staticKey, err := p2p.GenerateStaticKeypair()
	require.NoError(t, err)

	n, err := New(cfg, l, pool, engine, blockcodec.GobCodec{}, staticKey)
	require.NoError(t, err)
	return n
}

func TestTwoNodesCompleteHandshakeOverTCP(t *testing.T) {
	a := newTestNode(t, "127.0.0.1:0")
	require.NoError(t, a.Start())
	defer a.Stop()

	b := newTestNode(t, "127.0.0.1:0")
	require.NoError(t, b.Start())
	defer b.Stop()

	require.NoError(t, a.dialAndWait(b.listener.Addr().String(), time.Second))

	assert.Eventually(t, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		return len(a.peers) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return len(b.peers) == 1
	}, time.Second, 10*time.Millisecond)
}

func appendBlock(t *testing.T, l ledger.Ledger, prev types.Hash, nonce uint64) types.Hash {
	t.Helper()
	b := &types.Block{Header: &types.Header{PreviousHash: prev, Nonce: nonce}}
	require.NoError(t, l.Put(b))
	return b.Hash()
}

func TestBlockLocatorIsMostRecentFirstAndSparsifies(t *testing.T) {
	n := newTestNode(t, "127.0.0.1:0")

	prev := n.ledger.Genesis().Hash()
	for i := uint64(1); i <= 20; i++ {
		prev = appendBlock(t, n.ledger, prev, i)
	}

	locator, err := n.blockLocator()
	require.NoError(t, err)
	require.NotEmpty(t, locator)
	assert.Equal(t, [32]byte(n.ledger.Tip()), locator[0])
	assert.Greater(t, len(locator), 10)
	assert.Less(t, len(locator), 21)
}

func TestDesignatedSyncPeerPicksLowestConnectedAddress(t *testing.T) {
	n := newTestNode(t, "127.0.0.1:0")

	_, ok := n.designatedSyncPeer()
	assert.False(t, ok)

	require.NoError(t, n.book.ConnectAttempt("10.0.0.2:1", 1))
	require.NoError(t, n.book.HandshakeOK("10.0.0.2:1"))
	require.NoError(t, n.book.ConnectAttempt("10.0.0.1:1", 2))
	require.NoError(t, n.book.HandshakeOK("10.0.0.1:1"))

	addr, ok := n.designatedSyncPeer()
	require.True(t, ok)
	assert.Equal(t, "10.0.0.1:1", addr)
}

func registerFakePeer(t *testing.T, n *Node, addr string) *peerConn {
	t.Helper()
	pc := &peerConn{addr: addr, out: make(chan []byte, 8), closeCh: make(chan struct{}), known: peer.NewKnownSet()}
	n.mu.Lock()
	n.peers[addr] = pc
	n.mu.Unlock()
	return pc
}

func TestHandleGetBlocksRepliesWithHashesAboveLocator(t *testing.T) {
	n := newTestNode(t, "127.0.0.1:0")

	genesisHash := n.ledger.Genesis().Hash()
	hashes := []types.Hash{genesisHash}
	prev := genesisHash
	for i := uint64(1); i <= 5; i++ {
		prev = appendBlock(t, n.ledger, prev, i)
		hashes = append(hashes, prev)
	}

	pc := registerFakePeer(t, n, "10.0.0.9:1")
	n.handleGetBlocks(pc, protocol.GetBlocks{Locator: [][32]byte{[32]byte(genesisHash)}})

	select {
	case frame := <-pc.out:
		msg, err := protocol.DeserializeMessage(frame)
		require.NoError(t, err)
		sync, ok := msg.Payload.(protocol.Sync)
		require.True(t, ok)
		require.Len(t, sync.Hashes, 5)
		assert.Equal(t, [32]byte(hashes[1]), sync.Hashes[0])
		assert.Equal(t, [32]byte(hashes[5]), sync.Hashes[4])
	default:
		t.Fatal("expected a Sync reply")
	}
}

func TestHandleSyncRequestsOnlyUnknownBlocks(t *testing.T) {
	n := newTestNode(t, "127.0.0.1:0")

	genesisHash := n.ledger.Genesis().Hash()
	known := appendBlock(t, n.ledger, genesisHash, 1)
	unknown := (&types.Block{Header: &types.Header{PreviousHash: known, Nonce: 2}}).Hash()

	pc := registerFakePeer(t, n, "10.0.0.10:1")
	n.handleSync(pc, protocol.Sync{Hashes: [][32]byte{[32]byte(known), [32]byte(unknown)}})

	select {
	case frame := <-pc.out:
		msg, err := protocol.DeserializeMessage(frame)
		require.NoError(t, err)
		req, ok := msg.Payload.(protocol.GetBlock)
		require.True(t, ok)
		assert.Equal(t, [32]byte(unknown), req.Hash)
	default:
		t.Fatal("expected a GetBlock request for the unknown hash")
	}

	select {
	case frame := <-pc.out:
		t.Fatalf("expected only one GetBlock request, got extra frame %v", frame)
	default:
	}
}

func TestHandleGetBlockAndSyncBlockRoundTrip(t *testing.T) {
	requester := newTestNode(t, "127.0.0.1:0")
	responder := newTestNode(t, "127.0.0.1:0")

	genesisHash := responder.ledger.Genesis().Hash()
	wanted := appendBlock(t, responder.ledger, genesisHash, 7)

	responderSide := registerFakePeer(t, responder, "10.0.0.11:1")
	responder.handleGetBlock(responderSide, protocol.GetBlock{Hash: [32]byte(wanted)})

	var raw []byte
	select {
	case frame := <-responderSide.out:
		msg, err := protocol.DeserializeMessage(frame)
		require.NoError(t, err)
		sb, ok := msg.Payload.(protocol.SyncBlock)
		require.True(t, ok)
		raw = sb.Bytes
	default:
		t.Fatal("expected a SyncBlock reply")
	}

	requesterSide := registerFakePeer(t, requester, "10.0.0.12:1")
	assert.False(t, requester.ledger.Contains(wanted))
	requester.handleSyncBlock(requesterSide, raw)
	assert.True(t, requester.ledger.Contains(wanted))
}

// dialAndWait dials addr synchronously (unlike the async dial used by
// peerSyncLoop/bootnode startup) so the test can assert on the result.
func (n *Node) dialAndWait(addr string, timeout time.Duration) error {
	n.dial(addr)
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		n.mu.Lock()
		_, ok := n.peers[addr]
		n.mu.Unlock()
		if ok {
			return nil
		}
		time.Sleep(5 * time.Millisecond)
	}
	return errDialTimeout
}
