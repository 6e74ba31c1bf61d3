// Command devnet runs the development ledger behind its HTTP server.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"Paylane/internal/channel"
	"Paylane/internal/devnet"
	"Paylane/internal/logger"
)

// Config holds the devnet configuration.
type Config struct {
	HTTPAddress string        // HTTPAddress is the ledger listen address
	Window      time.Duration // Window is the settlement window
	Finality    time.Duration // Finality delays transaction application
	Mint        string        // Mint is the raw account=amount list credited at start
}

// mint is one initial credit.
type mint struct {
	account channel.Address
	amount  channel.Balance
}

func main() {
	logger.Init()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := &Config{}

	flag.StringVar(&cfg.HTTPAddress, "http", ":7000", "HTTP listen address")
	flag.DurationVar(&cfg.Window, "window", devnet.DefaultWindow, "Settlement window")
	flag.DurationVar(&cfg.Finality, "finality", devnet.DefaultFinality, "Finality delay")
	flag.StringVar(&cfg.Mint, "mint", "", "Initial balances as account=amount, comma separated")
	flag.Parse()

	mints, err := parseMints(cfg.Mint)
	if err != nil {
		return err
	}

	ledger := devnet.New(devnet.Config{Window: cfg.Window, Finality: cfg.Finality})
	defer ledger.Close()

	for _, m := range mints {
		ledger.Mint(m.account, m.amount)
	}

	server := devnet.NewServer(cfg.HTTPAddress, ledger)
	if err := server.Start(); err != nil {
		return fmt.Errorf("start server:\n%w", err)
	}

	logger.Info("devnet configured", "window", cfg.Window, "finality", cfg.Finality, "mints", len(mints))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	return server.Stop()
}

// parseMints parses a comma separated account=amount list.
func parseMints(s string) ([]mint, error) {
	var out []mint

	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		account, amount, ok := strings.Cut(entry, "=")
		if !ok || !common.IsHexAddress(account) {
			return nil, fmt.Errorf("invalid mint %q, want account=amount", entry)
		}

		var m mint
		m.account = common.HexToAddress(account)

		if err := m.amount.SetFromDecimal(amount); err != nil {
			return nil, fmt.Errorf("invalid mint amount %q:\n%w", amount, err)
		}

		out = append(out, m)
	}

	return out, nil
}
