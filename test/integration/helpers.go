// Package integration runs full Paylane nodes in process: a devnet ledger
// behind its HTTP server, and nodes wired the way cmd/node wires them, each
// with a Pebble store, a ledger client, QUIC transport and the operator API.
package integration

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/holiman/uint256"

	"Paylane/client"
	"Paylane/internal/api"
	"Paylane/internal/channel"
	"Paylane/internal/devnet"
	"Paylane/internal/engine"
	"Paylane/internal/ledgerclient"
	"Paylane/internal/network"
	"Paylane/internal/signature"
	"Paylane/internal/storage"
	"Paylane/internal/transport"
)

// Cluster is a devnet ledger and the nodes using it.
type Cluster struct {
	ledger    *devnet.Ledger
	ledgerURL string
	nodes     []*Node
}

// Node is one running party.
type Node struct {
	Account   channel.Address // Account is the on-chain account
	Client    *client.Client  // Client drives the operator API
	engine    *engine.Engine
	transport *transport.Transport
	network   *network.Node
}

// NewCluster starts a devnet ledger server with the given window.
func NewCluster(t *testing.T, window time.Duration) *Cluster {
	t.Helper()

	ledger := devnet.New(devnet.Config{Window: window, Finality: 10 * time.Millisecond})
	t.Cleanup(ledger.Close)

	srv := httptest.NewServer(devnet.NewServer("", ledger).Handler())
	t.Cleanup(srv.Close)

	return &Cluster{ledger: ledger, ledgerURL: srv.URL}
}

// AddNode starts a node holding mint free balance and introduces it to every
// existing node.
func (c *Cluster) AddNode(t *testing.T, mint uint64) *Node {
	t.Helper()

	account, err := signature.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	key, err := signature.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	db, err := storage.New(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	net, err := network.NewNode(network.Config{
		Identity:   network.DeriveIdentity(signature.KeyBytes(key)),
		ListenAddr: "127.0.0.1:0",
	})
	if err != nil {
		t.Fatalf("network.NewNode: %v", err)
	}

	if err := net.Start(); err != nil {
		t.Fatalf("network Start: %v", err)
	}
	t.Cleanup(func() { net.Close() })

	self := signature.Address(account)
	tr := transport.New(self, net)

	eng, err := engine.New(engine.Config{
		Account:      account,
		Key:          key,
		Ledger:       ledgerclient.New(c.ledgerURL),
		Store:        db,
		Counterparty: tr,
		OpenTimeout:  10 * time.Second,
	})
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	tr.SetHandler(eng)

	c.ledger.Mint(self, *uint256.NewInt(mint))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := eng.Start(ctx); err != nil {
		t.Fatalf("engine Start: %v", err)
	}
	t.Cleanup(eng.Stop)

	srv := httptest.NewServer(api.New("", eng).Handler())
	t.Cleanup(srv.Close)

	n := &Node{
		Account:   self,
		Client:    client.New(srv.URL),
		engine:    eng,
		transport: tr,
		network:   net,
	}

	for _, other := range c.nodes {
		other.transport.AddPeer(n.Account, n.network.Addr())
		n.transport.AddPeer(other.Account, other.network.Addr())
	}
	c.nodes = append(c.nodes, n)

	return n
}

// FreeBalance returns the account's unescrowed ledger balance.
func (c *Cluster) FreeBalance(t *testing.T, n *Node) uint64 {
	t.Helper()

	b, err := c.ledger.FreeBalance(context.Background(), n.Account)
	if err != nil {
		t.Fatalf("FreeBalance: %v", err)
	}

	return b.Uint64()
}

// WaitClosed blocks until the channel of n with peer is closed on the ledger.
func (n *Node) WaitClosed(t *testing.T, peer *Node) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := n.engine.OnceClosed(ctx, peer.Account); err != nil {
		t.Fatalf("OnceClosed: %v", err)
	}
}

// Eventually polls cond until it holds or timeout elapses.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Fatalf("condition not met within %v", timeout)
}
