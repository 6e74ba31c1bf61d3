package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"Paylane/internal/api"
	"Paylane/internal/engine"
	"Paylane/internal/logger"
	"Paylane/internal/network"
	"Paylane/internal/storage"
	"Paylane/internal/transport"
)

// startTimeout bounds the engine start, which announces the off-chain key.
const startTimeout = time.Minute

// Node represents a running Paylane node.
type Node struct {
	cfg       *Config
	storage   *storage.Storage
	network   *network.Node
	transport *transport.Transport
	engine    *engine.Engine
	api       *api.Server
}

// NewNode creates and initializes a new node.
func NewNode(cfg *Config) (*Node, error) {
	n := &Node{cfg: cfg}

	if err := n.initStorage(); err != nil {
		return nil, err
	}

	if err := n.initTransport(); err != nil {
		n.Close()
		return nil, err
	}

	if err := n.initEngine(); err != nil {
		n.Close()
		return nil, err
	}

	return n, nil
}

// Run starts the node and blocks until shutdown signal.
func (n *Node) Run() error {
	if err := n.network.Start(); err != nil {
		n.Close()
		return fmt.Errorf("start network:\n%w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
	err := n.engine.Start(ctx)
	cancel()

	if err != nil {
		n.Close()
		return fmt.Errorf("start engine:\n%w", err)
	}

	if err := n.api.Start(); err != nil {
		n.Close()
		return fmt.Errorf("start api:\n%w", err)
	}

	logger.Info("node ready", "account", n.engine.Self().Hex(), "quic", n.network.Addr())

	return n.waitForShutdown()
}

// waitForShutdown blocks until SIGINT or SIGTERM, then closes the node.
func (n *Node) waitForShutdown() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	return n.Close()
}

// Close shuts down all node components gracefully.
// The API goes first so no request reaches a stopped engine.
func (n *Node) Close() error {
	if n.api != nil {
		n.api.Stop()
	}

	if n.engine != nil {
		n.engine.Stop()
	}

	if n.network != nil {
		n.network.Close()
	}

	if n.storage != nil {
		if err := n.storage.Close(); err != nil {
			return fmt.Errorf("close storage:\n%w", err)
		}
	}

	return nil
}
