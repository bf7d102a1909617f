package peer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBlobStore struct{ data map[string][]byte }

func newFakeBlobStore() *fakeBlobStore { return &fakeBlobStore{data: make(map[string][]byte)} }

func (s *fakeBlobStore) PutBlob(key string, data []byte) error {
	s.data[key] = append([]byte{}, data...)
	return nil
}

func (s *fakeBlobStore) GetBlob(key string) ([]byte, bool, error) {
	v, ok := s.data[key]
	return v, ok, nil
}

func TestConnectHandshakeHappyPath(t *testing.T) {
	b := NewBook()
	const addr = "127.0.0.1:4133"

	require.NoError(t, b.ConnectAttempt(addr, 42))
	info, ok := b.Get(addr)
	require.True(t, ok)
	assert.Equal(t, Connecting, info.Status)
	assert.Equal(t, uint64(42), info.HandshakeNonce)

	require.NoError(t, b.HandshakeOK(addr))
	info, _ = b.Get(addr)
	assert.Equal(t, Connected, info.Status)
	assert.Equal(t, 0, info.Failures)
}

func TestIllegalTransitionsRejected(t *testing.T) {
	b := NewBook()
	const addr = "10.0.0.1:1"

	err := b.HandshakeOK(addr)
	assert.ErrorIs(t, err, ErrUnknownPeer)

	require.NoError(t, b.ConnectAttempt(addr, 1))
	err = b.ConnectAttempt(addr, 2)
	assert.ErrorIs(t, err, ErrIllegalTransition)

	err = b.Disconnect(addr)
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestHandshakeFailAndDisconnectClearNonce(t *testing.T) {
	b := NewBook()
	const addr = "10.0.0.2:1"

	require.NoError(t, b.ConnectAttempt(addr, 7))
	require.NoError(t, b.HandshakeFail(addr))
	info, _ := b.Get(addr)
	assert.Equal(t, Disconnected, info.Status)
	assert.Equal(t, uint64(0), info.HandshakeNonce)

	require.NoError(t, b.ConnectAttempt(addr, 8))
	require.NoError(t, b.HandshakeOK(addr))
	require.NoError(t, b.Disconnect(addr))
	info, _ = b.Get(addr)
	assert.Equal(t, Disconnected, info.Status)
}

func TestRecordFailureThreshold(t *testing.T) {
	b := NewBook()
	const addr = "10.0.0.3:1"
	b.Touch(addr)

	var last int
	for i := 0; i < 4; i++ {
		last = b.RecordFailure(addr)
	}
	assert.Equal(t, 4, last)
	assert.Greater(t, last, 3)
}

func TestStoreLoadRoundTrip(t *testing.T) {
	b := NewBook()
	const addr = "10.0.0.4:1"
	require.NoError(t, b.ConnectAttempt(addr, 1))
	require.NoError(t, b.HandshakeOK(addr))
	require.NoError(t, b.Disconnect(addr))

	store := newFakeBlobStore()
	require.NoError(t, b.Store(store))

	b2 := NewBook()
	require.NoError(t, b2.Load(store))
	info, ok := b2.Get(addr)
	require.True(t, ok)
	assert.Equal(t, Disconnected, info.Status)
	assert.False(t, info.LastConnected.IsZero())
}

func TestClearFailuresResetsCounter(t *testing.T) {
	b := NewBook()
	const addr = "10.0.0.6:1"
	b.Touch(addr)

	b.RecordFailure(addr)
	b.RecordFailure(addr)
	info, _ := b.Get(addr)
	require.Equal(t, 2, info.Failures)

	b.ClearFailures(addr)
	info, _ = b.Get(addr)
	assert.Equal(t, 0, info.Failures)
}

func TestSetBackoffRecorded(t *testing.T) {
	b := NewBook()
	const addr = "10.0.0.5:1"
	b.Touch(addr)
	until := time.Now().Add(time.Minute)
	b.SetBackoff(addr, until)
	info, _ := b.Get(addr)
	assert.WithinDuration(t, until, info.NextRetryAt, time.Second)
}
