package commands

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"Paylane/internal/signature"
)

func keygenCmd() *cobra.Command {
	var out string
	var force bool

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a secp256k1 key file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if out == "" {
				return fmt.Errorf("--out is required")
			}

			if _, err := os.Stat(out); err == nil && !force {
				return fmt.Errorf("%s exists, pass --force to replace it", out)
			}

			key, err := signature.GenerateKey()
			if err != nil {
				return err
			}

			if err := os.WriteFile(out, signature.KeyBytes(key), 0o600); err != nil {
				return fmt.Errorf("write key:\n%w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Account:    %s\n", signature.Address(key).Hex())
			fmt.Fprintf(cmd.OutOrStdout(), "Public key: %s\n", hex.EncodeToString(signature.PublicKey(key)))
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "key file to write")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}
