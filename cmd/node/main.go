package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"Paylane/internal/logger"
	"Paylane/internal/signature"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run is the main entry point with error handling.
func run() error {
	cfg := parseFlags()

	level, err := cfg.level()
	if err != nil {
		return err
	}
	logger.InitLevel(level)

	cfg.Key, err = loadOrGenerateKey(cfg.KeyPath)
	if err != nil {
		return fmt.Errorf("load off-chain key:\n%w", err)
	}

	cfg.AccountKey, err = loadOrGenerateKey(cfg.AccountKeyPath)
	if err != nil {
		return fmt.Errorf("load account key:\n%w", err)
	}

	node, err := NewNode(cfg)
	if err != nil {
		return fmt.Errorf("create node:\n%w", err)
	}

	printStartupInfo(cfg)

	return node.Run()
}

// printStartupInfo displays node configuration at startup.
func printStartupInfo(cfg *Config) {
	logger.Info("starting paylane node",
		"account", signature.Address(cfg.AccountKey).Hex(),
		"offchain_key", hex.EncodeToString(signature.PublicKey(cfg.Key)),
		"http", cfg.HTTPAddress,
		"quic", cfg.QUICAddress,
		"ledger", cfg.LedgerURL,
		"data", cfg.DataPath,
		"combiner", cfg.Combiner,
	)
}
