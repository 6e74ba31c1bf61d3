package main

import (
	"crypto/ecdsa"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"Paylane/internal/challenge"
	"Paylane/internal/channel"
	"Paylane/internal/logger"
	"Paylane/internal/signature"
)

// Config holds the node configuration.
type Config struct {
	// DataPath is the directory for persistent storage.
	DataPath string

	// HTTPAddress is the operator API listen address.
	HTTPAddress string

	// QUICAddress is the counterparty transport listen address.
	QUICAddress string

	// LedgerURL is the base URL of the devnet ledger server.
	LedgerURL string

	// KeyPath is the off-chain secp256k1 key file.
	KeyPath string

	// AccountKeyPath is the on-chain secp256k1 key file.
	AccountKeyPath string

	// Peers is the raw comma separated account@host:port list.
	Peers string

	// Combiner names the key-half combiner (xor or scalar).
	Combiner string

	// LogLevel is the minimum log level.
	LogLevel string

	// Key is the off-chain signing key.
	Key *ecdsa.PrivateKey

	// AccountKey is the on-chain account key.
	AccountKey *ecdsa.PrivateKey
}

// peerAddr is one known counterparty.
type peerAddr struct {
	account channel.Address
	addr    string
}

// parseFlags parses command-line flags into Config.
func parseFlags() *Config {
	cfg := &Config{}

	flag.StringVar(&cfg.DataPath, "data", "./data", "Data directory path")
	flag.StringVar(&cfg.HTTPAddress, "http", ":8080", "HTTP API address")
	flag.StringVar(&cfg.QUICAddress, "quic", ":9000", "QUIC counterparty transport address")
	flag.StringVar(&cfg.LedgerURL, "ledger", "http://127.0.0.1:7000", "Devnet ledger URL")
	flag.StringVar(&cfg.KeyPath, "key", "", "Off-chain secp256k1 key path (generates new if missing)")
	flag.StringVar(&cfg.AccountKeyPath, "account-key", "", "On-chain secp256k1 key path (generates new if missing)")
	flag.StringVar(&cfg.Peers, "peers", "", "Counterparties as account@host:port, comma separated")
	flag.StringVar(&cfg.Combiner, "combiner", "xor", "Key half combiner (xor or scalar)")
	flag.StringVar(&cfg.LogLevel, "log-level", "info", "Minimum log level (debug, info, warn, error)")
	flag.Parse()

	return cfg
}

// level returns the parsed log level.
func (c *Config) level() (slog.Level, error) {
	return logger.ParseLevel(c.LogLevel)
}

// combiner returns the configured key-half combiner.
func (c *Config) combiner() (challenge.Combiner, error) {
	return challenge.ParseCombiner(c.Combiner)
}

// parsePeers parses a comma separated account@host:port list.
func parsePeers(s string) ([]peerAddr, error) {
	var out []peerAddr

	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		account, addr, ok := strings.Cut(entry, "@")
		if !ok || addr == "" {
			return nil, fmt.Errorf("invalid peer %q, want account@host:port", entry)
		}

		if !common.IsHexAddress(account) {
			return nil, fmt.Errorf("invalid peer account %q", account)
		}

		out = append(out, peerAddr{account: common.HexToAddress(account), addr: addr})
	}

	return out, nil
}

// loadOrGenerateKey loads a private key from file or generates a new one.
// An empty path yields an ephemeral key.
func loadOrGenerateKey(keyPath string) (*ecdsa.PrivateKey, error) {
	if keyPath == "" {
		return signature.GenerateKey()
	}

	data, err := os.ReadFile(keyPath)
	if os.IsNotExist(err) {
		return generateAndSaveKey(keyPath)
	}

	if err != nil {
		return nil, fmt.Errorf("read key file:\n%w", err)
	}

	return signature.KeyFromBytes(data)
}

// generateAndSaveKey creates a new key and saves it to the given path.
func generateAndSaveKey(path string) (*ecdsa.PrivateKey, error) {
	key, err := signature.GenerateKey()
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(path, signature.KeyBytes(key), 0600); err != nil {
		return nil, fmt.Errorf("save key to %s:\n%w", path, err)
	}

	return key, nil
}
