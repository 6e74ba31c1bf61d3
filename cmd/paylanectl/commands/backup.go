package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"Paylane/internal/backup"
	"Paylane/internal/signature"
)

func exportCmd() *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a backup of the node's channel records",
		RunE: func(cmd *cobra.Command, args []string) error {
			if out == "" {
				return fmt.Errorf("--out is required")
			}

			account, err := loadAccount()
			if err != nil {
				return err
			}

			db, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			data, err := backup.Export(db, signature.Address(account), time.Now())
			if err != nil {
				return err
			}

			if err := os.WriteFile(out, data, 0o600); err != nil {
				return fmt.Errorf("write backup:\n%w", err)
			}

			b, err := backup.Decode(data)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Exported %d channel records to %s\n", len(b.Records), out)
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "backup file to write")
	return cmd
}

func importCmd() *cobra.Command {
	var in string

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Restore channel records from a backup without overwriting",
		RunE: func(cmd *cobra.Command, args []string) error {
			if in == "" {
				return fmt.Errorf("--in is required")
			}

			account, err := loadAccount()
			if err != nil {
				return err
			}

			data, err := os.ReadFile(in)
			if err != nil {
				return fmt.Errorf("read backup:\n%w", err)
			}

			db, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			n, err := backup.Import(db, signature.Address(account), data)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d channel records\n", n)
			return nil
		},
	}

	cmd.Flags().StringVarP(&in, "in", "i", "", "backup file to read")
	return cmd
}
