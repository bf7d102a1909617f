package merkle

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aleocore/nodecore/types"
)

func hashOf(b byte) types.Hash {
	var h types.Hash
	h[0] = b
	return h
}

func TestRootIsDeterministicAndOrderSensitive(t *testing.T) {
	a := []types.Hash{hashOf(1), hashOf(2), hashOf(3)}
	b := []types.Hash{hashOf(1), hashOf(2), hashOf(3)}
	c := []types.Hash{hashOf(3), hashOf(2), hashOf(1)}

	assert.Equal(t, Root(a), Root(b))
	assert.NotEqual(t, Root(a), Root(c))
}

func TestRootAndPedersenRootNeverCollide(t *testing.T) {
	txids := []types.Hash{hashOf(1), hashOf(2)}
	assert.NotEqual(t, Root(txids), PedersenRoot(txids))
}

func TestEmptyRootIsStable(t *testing.T) {
	assert.Equal(t, Root(nil), Root(nil))
	assert.NotEqual(t, Root(nil), Root([]types.Hash{hashOf(1)}))
}

func TestOddLeafCountDuplicatesLast(t *testing.T) {
	three := []types.Hash{hashOf(1), hashOf(2), hashOf(3)}
	four := []types.Hash{hashOf(1), hashOf(2), hashOf(3), hashOf(3)}
	assert.Equal(t, Root(three), Root(four))
}
