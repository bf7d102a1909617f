// Package peer implements the peer book described in spec.md §3/§4.5: a
// mapping from socket address to PeerInfo, with status transitions
// enumerated by the state machine in §4.5.
package peer

import (
	"bytes"
	"encoding/gob"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/aleocore/nodecore/internal/log"
)

var logger = log.NewModuleLogger(log.Peer)

// Status is a PeerInfo's connection status (spec.md §3/§4.5).
type Status int

const (
	NeverConnected Status = iota
	Connecting
	Connected
	Disconnected
)

func (s Status) String() string {
	switch s {
	case NeverConnected:
		return "NeverConnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Disconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// Errors surfaced by illegal state transitions (spec.md §4.5 invariant:
// status transitions only follow the documented state machine).
var (
	ErrIllegalTransition = errors.New("peer: illegal status transition")
	ErrUnknownPeer       = errors.New("peer: unknown address")
)

// Info is the per-peer record (spec.md §3).
type Info struct {
	Address          string
	Status           Status
	FirstSeen        time.Time
	LastConnected    time.Time
	LastDisconnected time.Time
	LastSeen         time.Time
	HandshakeNonce   uint64
	RTTMillis        int64
	Failures         int

	// LastPingSent supports the keep-alive duty (spec.md §4.5).
	LastPingSent time.Time

	// NextRetryAt is a supplemented feature (SPEC_FULL.md §12 item 2,
	// grounded on the original's peer_manager.rs backoff): the peer sync
	// timer skips reconnect attempts to this peer until this time.
	NextRetryAt time.Time
}

func newInfo(addr string) *Info {
	now := time.Now()
	return &Info{Address: addr, Status: NeverConnected, FirstSeen: now}
}

// snapshot returns a value copy safe to hand to callers outside the lock.
func (i *Info) snapshot() Info {
	return *i
}

// Book is the reader-writer-lock-guarded peer book (spec.md §5): status
// reads are frequent, mutations occur on handshake completion,
// disconnection, and ping timeout.
type Book struct {
	mu    sync.RWMutex
	peers map[string]*Info
}

// NewBook returns an empty peer book.
func NewBook() *Book {
	return &Book{peers: make(map[string]*Info)}
}

// Touch ensures addr has a PeerInfo, creating one in NeverConnected if this
// is the first time the address has been seen (spec.md §3 lifecycle).
func (b *Book) Touch(addr string) Info {
	b.mu.Lock()
	defer b.mu.Unlock()
	info, ok := b.peers[addr]
	if !ok {
		info = newInfo(addr)
		b.peers[addr] = info
	}
	return info.snapshot()
}

// Get returns a snapshot of addr's PeerInfo, if known.
func (b *Book) Get(addr string) (Info, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	info, ok := b.peers[addr]
	if !ok {
		return Info{}, false
	}
	return info.snapshot(), true
}

// ConnectAttempt transitions NeverConnected|Disconnected -> Connecting and
// assigns a fresh handshake nonce (spec.md §4.5).
func (b *Book) ConnectAttempt(addr string, nonce uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	info := b.getOrCreateLocked(addr)
	switch info.Status {
	case NeverConnected, Disconnected:
		info.Status = Connecting
		info.HandshakeNonce = nonce
		return nil
	default:
		return errors.Wrapf(ErrIllegalTransition, "%s: %s -> Connecting", addr, info.Status)
	}
}

// HandshakeOK transitions Connecting -> Connected (spec.md §4.5).
func (b *Book) HandshakeOK(addr string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	info, ok := b.peers[addr]
	if !ok {
		return errors.Wrap(ErrUnknownPeer, addr)
	}
	if info.Status != Connecting {
		return errors.Wrapf(ErrIllegalTransition, "%s: %s -> Connected", addr, info.Status)
	}
	now := time.Now()
	info.Status = Connected
	info.LastConnected = now
	info.LastSeen = now
	info.Failures = 0
	return nil
}

// HandshakeFail transitions Connecting -> Disconnected (spec.md §4.5,
// handshake_fail/timeout edge), clearing the handshake nonce.
func (b *Book) HandshakeFail(addr string) error {
	return b.toDisconnectedLocked(addr, Connecting)
}

// Disconnect transitions Connected -> Disconnected (spec.md §4.5,
// peer_close/error/timeout edge), clearing the handshake nonce.
func (b *Book) Disconnect(addr string) error {
	return b.toDisconnectedLocked(addr, Connected)
}

func (b *Book) toDisconnectedLocked(addr string, from Status) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	info, ok := b.peers[addr]
	if !ok {
		return errors.Wrap(ErrUnknownPeer, addr)
	}
	if info.Status != from {
		return errors.Wrapf(ErrIllegalTransition, "%s: %s -> Disconnected", addr, info.Status)
	}
	info.Status = Disconnected
	info.LastDisconnected = time.Now()
	info.HandshakeNonce = 0
	return nil
}

func (b *Book) getOrCreateLocked(addr string) *Info {
	info, ok := b.peers[addr]
	if !ok {
		info = newInfo(addr)
		b.peers[addr] = info
	}
	return info
}

// RecordSeen updates last_seen, used on every inbound application message
// from a connected peer.
func (b *Book) RecordSeen(addr string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if info, ok := b.peers[addr]; ok {
		info.LastSeen = time.Now()
	}
}

// RecordPingSent records that a keep-alive Ping was just sent (spec.md §4.5).
func (b *Book) RecordPingSent(addr string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if info, ok := b.peers[addr]; ok {
		info.LastPingSent = time.Now()
	}
}

// RecordFailure increments the peer's failure counter, returning the new
// count. The caller disconnects once the count exceeds the configured
// threshold (spec.md §4.5: "disconnect when failures > 3").
func (b *Book) RecordFailure(addr string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	info, ok := b.peers[addr]
	if !ok {
		return 0
	}
	info.Failures++
	return info.Failures
}

// ClearFailures resets a peer's failure counter to zero, called when a
// keep-alive Pong lands before its window expires (spec.md §4.5: only a
// Pong that fails to arrive in time counts against the peer).
func (b *Book) ClearFailures(addr string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if info, ok := b.peers[addr]; ok {
		info.Failures = 0
	}
}

// SetBackoff sets the next time the peer sync timer may attempt to
// reconnect to addr (SPEC_FULL.md §12 item 2).
func (b *Book) SetBackoff(addr string, until time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if info, ok := b.peers[addr]; ok {
		info.NextRetryAt = until
	}
}

// Snapshot returns a copy of every known PeerInfo, keyed by address.
func (b *Book) Snapshot() map[string]Info {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]Info, len(b.peers))
	for addr, info := range b.peers {
		out[addr] = info.snapshot()
	}
	return out
}

// AddressesWithStatus returns every address currently in the given status.
func (b *Book) AddressesWithStatus(status Status) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []string
	for addr, info := range b.peers {
		if info.Status == status {
			out = append(out, addr)
		}
	}
	return out
}

// CountWithStatus returns the number of peers currently in the given status.
func (b *Book) CountWithStatus(status Status) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, info := range b.peers {
		if info.Status == status {
			n++
		}
	}
	return n
}

// BlobStore mirrors txpool.BlobStore; the peer book is persisted through
// the same narrow interface (SPEC_FULL.md §12 item 3, grounded on the
// original's address_book.rs persistence).
type BlobStore interface {
	PutBlob(key string, data []byte) error
	GetBlob(key string) ([]byte, bool, error)
}

const blobKey = "peerbook.snapshot"

type persistedInfo struct {
	Address          string
	LastConnected    time.Time
	LastDisconnected time.Time
	Failures         int
}

// Store persists the address book across restarts (SPEC_FULL.md §12 item
// 3). Only addresses and historical timestamps survive; live status
// always resets to NeverConnected/Disconnected on Load, since an open
// connection cannot survive a process restart.
func (b *Book) Store(store BlobStore) error {
	b.mu.RLock()
	var out []persistedInfo
	for _, info := range b.peers {
		out = append(out, persistedInfo{
			Address:          info.Address,
			LastConnected:    info.LastConnected,
			LastDisconnected: info.LastDisconnected,
			Failures:         info.Failures,
		})
	}
	b.mu.RUnlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(out); err != nil {
		return errors.Wrap(err, "peer: encode address book")
	}
	return store.PutBlob(blobKey, buf.Bytes())
}

// Load restores a previously persisted address book.
func (b *Book) Load(store BlobStore) error {
	data, ok, err := store.GetBlob(blobKey)
	if err != nil {
		return errors.Wrap(err, "peer: load address book")
	}
	if !ok {
		return nil
	}
	var in []persistedInfo
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&in); err != nil {
		return errors.Wrap(err, "peer: decode address book")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range in {
		status := NeverConnected
		if !p.LastConnected.IsZero() {
			status = Disconnected
		}
		b.peers[p.Address] = &Info{
			Address:          p.Address,
			Status:           status,
			FirstSeen:        p.LastConnected,
			LastConnected:    p.LastConnected,
			LastDisconnected: p.LastDisconnected,
			Failures:         p.Failures,
		}
	}
	logger.Info("loaded persisted address book", "count", len(in))
	return nil
}
