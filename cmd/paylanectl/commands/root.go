package commands

import (
	"crypto/ecdsa"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"Paylane/internal/logger"
	"Paylane/internal/signature"
	"Paylane/internal/storage"
)

var (
	dataDir     string
	accountPath string
	logLevel    string
)

// Execute runs the CLI.
func Execute() error {
	return newRoot().Execute()
}

func newRoot() *cobra.Command {
	root := &cobra.Command{
		Use:          "paylanectl",
		Short:        "Paylane node operator tool",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := logger.ParseLevel(logLevel)
			if err != nil {
				return err
			}
			logger.InitLevel(level)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&dataDir, "data", "./data", "node data directory")
	root.PersistentFlags().StringVar(&accountPath, "account-key", "", "on-chain key file of the node")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "minimum log level")
	root.PersistentFlags().StringVar(&nodeAddr, "node", "127.0.0.1:8080", "operator API of the node")

	root.AddCommand(keygenCmd(), exportCmd(), importCmd(), decodeTicketCmd())
	root.AddCommand(nodeCmds()...)
	return root
}

// openStore opens the node's Pebble store.
func openStore() (*storage.Storage, error) {
	path := filepath.Join(dataDir, "db")
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("no store at %s:\n%w", path, err)
	}

	return storage.New(path)
}

// loadAccount reads the node's on-chain key.
func loadAccount() (*ecdsa.PrivateKey, error) {
	if accountPath == "" {
		return nil, fmt.Errorf("--account-key is required")
	}

	data, err := os.ReadFile(accountPath)
	if err != nil {
		return nil, fmt.Errorf("read account key:\n%w", err)
	}

	return signature.KeyFromBytes(data)
}
