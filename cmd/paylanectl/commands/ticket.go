package commands

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"Paylane/internal/nonce"
	"Paylane/internal/signature"
	"Paylane/internal/ticket"
)

func decodeTicketCmd() *cobra.Command {
	var checkStore bool

	cmd := &cobra.Command{
		Use:   "decode-ticket <hex>",
		Short: "Print the fields and signer of a signed ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(args[0]), "0x"))
			if err != nil {
				return fmt.Errorf("invalid hex:\n%w", err)
			}

			st, err := ticket.DecodeSigned(raw)
			if err != nil {
				return err
			}

			signer, err := st.Signer()
			if err != nil {
				return err
			}

			addr, err := signature.AddressOf(signer)
			if err != nil {
				return err
			}

			hash := st.Hash()
			t := st.Ticket
			w := cmd.OutOrStdout()

			fmt.Fprintf(w, "Channel:     %s\n", t.Channel)
			fmt.Fprintf(w, "Amount:      %s\n", t.Amount.Dec())
			fmt.Fprintf(w, "Win prob:    %d (%.6f)\n", t.WinProb, float64(t.WinProb)/float64(ticket.AlwaysWins))
			fmt.Fprintf(w, "Challenge:   %x\n", t.Challenge)
			fmt.Fprintf(w, "Epoch:       %d\n", t.Epoch)
			fmt.Fprintf(w, "Iteration:   %d\n", t.Iteration)
			fmt.Fprintf(w, "Hash:        %x\n", hash)
			fmt.Fprintf(w, "Signer key:  %x\n", signer)
			fmt.Fprintf(w, "Signer addr: %s\n", addr.Hex())

			if !checkStore {
				return nil
			}

			db, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			seen, err := nonce.New(db).Seen(t.Channel, st.Signature)
			if err != nil {
				return err
			}

			fmt.Fprintf(w, "Consumed:    %t\n", seen)
			return nil
		},
	}

	cmd.Flags().BoolVar(&checkStore, "check-store", false, "report whether the node already accepted the ticket")
	return cmd
}
