package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"Paylane/client"
	"Paylane/internal/ticket"
)

// nodeTimeout bounds one API call; opening and settling wait on the ledger.
const nodeTimeout = 2 * time.Minute

// nodeAddr is the operator API of the node driven by the API commands.
var nodeAddr string

func apiContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), nodeTimeout)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the node's phase and account",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := apiContext()
			defer cancel()

			h, err := client.New(nodeAddr).Health(ctx)
			if err != nil {
				return err
			}

			return printJSON(cmd.OutOrStdout(), h)
		},
	}
}

func channelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "channels [counterparty]",
		Short: "List channels, or show one with its open status",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := apiContext()
			defer cancel()

			c := client.New(nodeAddr)

			if len(args) == 1 {
				ch, err := c.Channel(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), ch)
			}

			chans, err := c.Channels(ctx)
			if err != nil {
				return err
			}

			return printJSON(cmd.OutOrStdout(), chans)
		},
	}
}

func openCmd() *cobra.Command {
	var theirs string

	cmd := &cobra.Command{
		Use:   "open <counterparty> <amount>",
		Short: "Fund and activate a channel",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := apiContext()
			defer cancel()

			ch, err := client.New(nodeAddr).Open(ctx, args[0], args[1], theirs)
			if err != nil {
				return err
			}

			return printJSON(cmd.OutOrStdout(), ch)
		},
	}

	cmd.Flags().StringVar(&theirs, "theirs", "", "amount credited to the counterparty")
	return cmd
}

// settlementCmd builds a command running one per-channel settlement step.
func settlementCmd(use, short string, step func(*client.Client, context.Context, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <counterparty>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := apiContext()
			defer cancel()

			if err := step(client.New(nodeAddr), ctx, args[0]); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", use)
			return nil
		},
	}
}

func closeAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "close-all",
		Short: "Initiate settlement of every channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := apiContext()
			defer cancel()

			failures, err := client.New(nodeAddr).CloseAll(ctx)
			if err != nil {
				return err
			}

			for _, f := range failures {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", f.Counterparty, f.Error)
			}

			if len(failures) > 0 {
				return fmt.Errorf("%d channels failed to settle", len(failures))
			}

			fmt.Fprintln(cmd.OutOrStdout(), "close-all: ok")
			return nil
		},
	}
}

func issueCmd() *cobra.Command {
	var (
		req     client.TicketRequest
		winProb float64
	)

	cmd := &cobra.Command{
		Use:   "issue <counterparty> <amount>",
		Short: "Sign a ticket, optionally delivering it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := apiContext()
			defer cancel()

			if winProb < 0 || winProb > 1 {
				return fmt.Errorf("--win-prob must be within [0, 1], got %g", winProb)
			}

			req.Counterparty, req.Amount = args[0], args[1]
			req.WinProb = ticket.Probability(winProb)

			signed, err := client.New(nodeAddr).IssueTicket(ctx, req)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), signed)
			return nil
		},
	}

	cmd.Flags().Float64Var(&winProb, "win-prob", 1, "winning probability within [0, 1]")
	cmd.Flags().StringVar(&req.Challenge, "challenge", "", "32-byte hex challenge hash")
	cmd.Flags().Uint64Var(&req.Epoch, "epoch", 0, "ticket epoch")
	cmd.Flags().BoolVar(&req.Send, "send", false, "deliver the ticket to the counterparty")
	return cmd
}

func acceptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "accept <counterparty> <ticket-hex>",
		Short: "Accept a ticket received from a counterparty",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := apiContext()
			defer cancel()

			r, err := client.New(nodeAddr).AcceptTicket(ctx, args[0], args[1])
			if err != nil {
				return err
			}

			return printJSON(cmd.OutOrStdout(), r)
		},
	}
}

func secretCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "secret <counterparty>",
		Short: "Print the reconstructed redemption secret of a channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := apiContext()
			defer cancel()

			s, err := client.New(nodeAddr).Secret(ctx, args[0])
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), s)
			return nil
		},
	}
}

// nodeCmds returns the commands that drive a running node over its API.
func nodeCmds() []*cobra.Command {
	return []*cobra.Command{
		statusCmd(),
		channelsCmd(),
		openCmd(),
		settlementCmd("settle", "Initiate settlement of a channel", (*client.Client).Settle),
		settlementCmd("withdraw", "Withdraw a settled channel", (*client.Client).Withdraw),
		settlementCmd("cooperative-close", "Finalize a settlement the counterparty initiated", (*client.Client).CooperativeClose),
		closeAllCmd(),
		issueCmd(),
		acceptCmd(),
		secretCmd(),
	}
}
