// Package blockcodec provides the default canonical block encoding
// (spec.md §6.2's serialize(block)/deserialize(bytes) external
// collaborator). Like the merkle package's Pedersen-root stand-in, this
// is a module-internal placeholder: a real deployment plugs in whatever
// encoding the record/storage layer actually uses. gob is adequate here
// because types.Block/Header/Transaction are plain exported structs with
// no custom wire requirements.
package blockcodec

import (
	"bytes"
	"encoding/gob"

	"github.com/pkg/errors"

	"github.com/aleocore/nodecore/types"
)

// GobCodec implements consensus.Codec via encoding/gob.
type GobCodec struct{}

func (GobCodec) SerializeBlock(b *types.Block) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(b); err != nil {
		return nil, errors.Wrap(err, "blockcodec: encode block")
	}
	return buf.Bytes(), nil
}

func (GobCodec) DeserializeBlock(data []byte) (*types.Block, error) {
	var b types.Block
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&b); err != nil {
		return nil, errors.Wrap(err, "blockcodec: decode block")
	}
	return &b, nil
}
