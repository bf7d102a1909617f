// Package node wires every other package into the orchestrator described
// in spec.md §4.6: a TCP listener, per-connection reader/writer tasks, the
// periodic peer/block/tx sync timers, and the routing of decoded messages
// to {peer handler, chain engine, memory pool, miner} (spec.md §2).
package node

import (
	"bufio"
	"fmt"
	"os"
	"reflect"
	"time"
	"unicode"

	"github.com/naoina/toml"
	"github.com/pkg/errors"
)

// Config holds the recognized options from spec.md §6.3.
type Config struct {
	BindAddress string   `toml:"bind_address"`
	Bootnodes   []string `toml:"bootnodes"`
	IsBootnode  bool     `toml:"is_bootnode"`
	IsMiner     bool     `toml:"is_miner"`

	MinPeers int `toml:"min_peers"`
	MaxPeers int `toml:"max_peers"`

	PeerSyncInterval  time.Duration `toml:"peer_sync_interval"`
	BlockSyncInterval time.Duration `toml:"block_sync_interval"`
	TxSyncInterval    time.Duration `toml:"tx_sync_interval"`

	NetworkID uint32 `toml:"network_id"`

	MinerAddress []byte `toml:"-"`
	PresharedKey []byte `toml:"-"`
}

// DefaultConfig mirrors the teacher's node.DefaultConfig pattern: a
// starting point overridden by a TOML file and then by CLI flags.
var DefaultConfig = Config{
	BindAddress:       "0.0.0.0:4133",
	MinPeers:          4,
	MaxPeers:          50,
	PeerSyncInterval:  10 * time.Second,
	BlockSyncInterval: 30 * time.Second,
	TxSyncInterval:    15 * time.Second,
	NetworkID:         1,
}

// tomlSettings matches the teacher's cmd/ranger/config.go convention:
// keys are matched exactly as written rather than normalized, and unknown
// fields are a hard error. Every Config field carries a toml tag, so the
// TOML keys are the tag names (bind_address, min_peers, ...).
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string { return key },
	FieldToKey:    func(rt reflect.Type, field string) string { return field },
	MissingField: func(rt reflect.Type, field string) error {
		return fmt.Errorf("field '%s' is not defined in %s", field, rt.String())
	},
}

// LoadConfigFile reads and decodes a TOML config file on top of cfg.
func LoadConfigFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "node: open config file")
	}
	defer f.Close()

	if err := tomlSettings.NewDecoder(bufio.NewReader(f)).Decode(cfg); err != nil {
		if _, ok := err.(*toml.LineError); ok {
			return errors.Wrap(err, path)
		}
		return errors.Wrap(err, "node: decode config file")
	}
	return nil
}

// Validate rejects invalid configuration at startup (spec.md §6.3,
// §7 "Configuration errors: fatal at startup only").
func (c Config) Validate() error {
	if c.MinPeers <= 0 {
		return errors.New("node: min_peers must be > 0")
	}
	if c.MaxPeers <= 0 {
		return errors.New("node: max_peers must be > 0")
	}
	if c.MinPeers > c.MaxPeers {
		return errors.New("node: min_peers must be <= max_peers")
	}
	if c.PeerSyncInterval < 2*time.Second || c.PeerSyncInterval > 300*time.Second {
		return errors.New("node: peer_sync_interval must be within [2s, 300s]")
	}
	if c.BindAddress == "" {
		return errors.New("node: bind_address must be set")
	}
	return nil
}
