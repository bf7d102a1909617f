package types

// Transaction is an opaque payload with a deterministic identifier, a
// network discriminator, and a signed value balance (spec.md §3). Negative
// value_balance is reserved for the coinbase transaction; all other
// transactions must carry value_balance >= 0.
type Transaction struct {
	Payload      []byte
	NetworkID    uint32
	ValueBalance int64
	// SerialNumbers identifies the inputs this transaction spends, used by
	// the memory pool's double-spend screen (spec.md §4.2). A coinbase
	// transaction has none.
	SerialNumbers []Hash

	id     Hash
	idOnce bool
}

// TxID returns hash(serialized_tx), memoized since the payload is immutable
// once constructed.
func (t *Transaction) TxID() Hash {
	if !t.idOnce {
		t.id = HashBytes(t.Payload)
		t.idOnce = true
	}
	return t.id
}

// IsCoinbase reports whether this transaction is a block's reward
// transaction, distinguished by a negative value_balance (spec.md glossary).
func (t *Transaction) IsCoinbase() bool {
	return t.ValueBalance < 0
}

// SizeInBytes is the size used by MemoryPool.get_candidates' max_bytes cap.
func (t *Transaction) SizeInBytes() int {
	return len(t.Payload)
}
