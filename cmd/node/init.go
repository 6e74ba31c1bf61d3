package main

import (
	"fmt"
	"os"
	"path/filepath"

	"Paylane/internal/api"
	"Paylane/internal/engine"
	"Paylane/internal/ledgerclient"
	"Paylane/internal/network"
	"Paylane/internal/signature"
	"Paylane/internal/storage"
	"Paylane/internal/transport"
)

// initStorage opens the Pebble store under the data directory.
func (n *Node) initStorage() error {
	if err := os.MkdirAll(n.cfg.DataPath, 0755); err != nil {
		return fmt.Errorf("create data directory:\n%w", err)
	}

	db, err := storage.New(filepath.Join(n.cfg.DataPath, "db"))
	if err != nil {
		return fmt.Errorf("init storage:\n%w", err)
	}

	n.storage = db

	return nil
}

// initTransport creates the QUIC node and the counterparty transport.
// The TLS identity is derived from the off-chain key so it survives restarts.
func (n *Node) initTransport() error {
	peers, err := parsePeers(n.cfg.Peers)
	if err != nil {
		return err
	}

	net, err := network.NewNode(network.Config{
		Identity:   network.DeriveIdentity(signature.KeyBytes(n.cfg.Key)),
		ListenAddr: n.cfg.QUICAddress,
	})
	if err != nil {
		return fmt.Errorf("init network:\n%w", err)
	}

	n.network = net
	n.transport = transport.New(signature.Address(n.cfg.AccountKey), net)

	for _, p := range peers {
		n.transport.AddPeer(p.account, p.addr)
	}

	return nil
}

// initEngine creates the channel engine over the store, ledger and transport.
func (n *Node) initEngine() error {
	combiner, err := n.cfg.combiner()
	if err != nil {
		return err
	}

	eng, err := engine.New(engine.Config{
		Account:      n.cfg.AccountKey,
		Key:          n.cfg.Key,
		Ledger:       ledgerclient.New(n.cfg.LedgerURL),
		Store:        n.storage,
		Counterparty: n.transport,
		Combiner:     combiner,
	})
	if err != nil {
		return fmt.Errorf("init engine:\n%w", err)
	}

	n.engine = eng
	n.transport.SetHandler(eng)
	n.api = api.New(n.cfg.HTTPAddress, eng)

	return nil
}
