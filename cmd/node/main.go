// Command node runs a single P2P blockchain node core (spec.md §4.6),
// grounded on the teacher's cmd/kcn/main.go app-and-flags structure,
// scaled down to the flags spec.md §6.3 actually names.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli"

	"github.com/aleocore/nodecore/blockcodec"
	"github.com/aleocore/nodecore/chain"
	"github.com/aleocore/nodecore/internal/log"
	"github.com/aleocore/nodecore/ledger"
	"github.com/aleocore/nodecore/node"
	"github.com/aleocore/nodecore/p2p"
	"github.com/aleocore/nodecore/txpool"
)

var logger = log.NewModuleLogger(log.Node)

var (
	configFileFlag = cli.StringFlag{Name: "config", Usage: "TOML configuration file"}
	bindFlag       = cli.StringFlag{Name: "bind", Usage: "listener bind address"}
	bootnodesFlag  = cli.StringFlag{Name: "bootnodes", Usage: "comma-separated bootnode addresses"}
	isBootnodeFlag = cli.BoolFlag{Name: "bootnode", Usage: "run as a bootnode (skip reconnect-to-saved-peers on startup)"}
	isMinerFlag    = cli.BoolFlag{Name: "mine", Usage: "spawn the miner task"}
	networkIDFlag  = cli.UintFlag{Name: "networkid", Usage: "network id"}
)

func main() {
	app := cli.NewApp()
	app.Name = "node"
	app.Usage = "aleocore P2P node"
	app.Flags = []cli.Flag{configFileFlag, bindFlag, bootnodesFlag, isBootnodeFlag, isMinerFlag, networkIDFlag}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	cfg := node.DefaultConfig
	if file := ctx.String(configFileFlag.Name); file != "" {
		if err := node.LoadConfigFile(file, &cfg); err != nil {
			return err
		}
	}
	if v := ctx.String(bindFlag.Name); v != "" {
		cfg.BindAddress = v
	}
	if v := ctx.String(bootnodesFlag.Name); v != "" {
		cfg.Bootnodes = strings.Split(v, ",")
	}
	if ctx.Bool(isBootnodeFlag.Name) {
		cfg.IsBootnode = true
	}
	if ctx.Bool(isMinerFlag.Name) {
		cfg.IsMiner = true
	}
	if v := ctx.Uint(networkIDFlag.Name); v != 0 {
		cfg.NetworkID = uint32(v)
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "err", err.Error())
		return err
	}

	staticKey, err := p2p.GenerateStaticKeypair()
	if err != nil {
		return err
	}

	memLedger := ledger.NewMemLedger()
	pool := txpool.New(nil)
	engine := chain.New(memLedger, pool, nil)

	n, err := node.New(cfg, memLedger, pool, engine, blockcodec.GobCodec{}, staticKey)
	if err != nil {
		return err
	}
	if err := n.Start(); err != nil {
		return err
	}

	logger.Info("node started", "bind", cfg.BindAddress, "network_id", cfg.NetworkID)
	select {}
}
