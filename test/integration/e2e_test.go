package integration

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"Paylane/client"
	"Paylane/internal/signature"
)

func TestChannelLifecycle(t *testing.T) {
	c := NewCluster(t, 300*time.Millisecond)
	alice := c.AddNode(t, 1000)
	bob := c.AddNode(t, 1000)

	ctx := context.Background()

	ch, err := alice.Client.Open(ctx, bob.Account.Hex(), "100", "50")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if ch.State != "active" || ch.Balance != "100" || ch.CounterpartyBalance != "50" {
		t.Fatalf("unexpected channel %+v", ch)
	}

	// Both sides hold the channel, seen from their own side.
	view, err := bob.Client.Channel(ctx, alice.Account.Hex())
	if err != nil {
		t.Fatalf("bob Channel: %v", err)
	}

	if view.State != "active" || view.Balance != "50" || view.Open == nil || !*view.Open {
		t.Fatalf("unexpected bob view %+v", view)
	}

	// Alice pays bob with a delivered ticket; bob accepts it through the transport.
	if _, err := alice.Client.IssueTicket(ctx, client.TicketRequest{
		Counterparty: bob.Account.Hex(),
		Amount:       "10",
		WinProb:      ^uint64(0),
		Challenge:    strings.Repeat("11", 32),
		Epoch:        1,
		Send:         true,
	}); err != nil {
		t.Fatalf("IssueTicket: %v", err)
	}

	Eventually(t, 5*time.Second, func() bool {
		_, err := bob.Client.Secret(ctx, alice.Account.Hex())
		return err == nil
	})

	// Settlement: alice initiates, bob follows the ledger event.
	if err := alice.Client.Settle(ctx, bob.Account.Hex()); err != nil {
		t.Fatalf("Settle: %v", err)
	}

	Eventually(t, 5*time.Second, func() bool {
		v, err := bob.Client.Channel(ctx, alice.Account.Hex())
		return err == nil && v.State == "pending_settlement"
	})

	var apiErr *client.APIError
	if err := alice.Client.Withdraw(ctx, bob.Account.Hex()); !errors.As(err, &apiErr) || apiErr.Status != http.StatusConflict {
		t.Fatalf("early withdraw: expected 409, got %v", err)
	}

	alice.WaitClosed(t, bob)

	if err := alice.Client.Withdraw(ctx, bob.Account.Hex()); err != nil {
		t.Fatalf("Withdraw: %v", err)
	}

	if err := bob.Client.Withdraw(ctx, alice.Account.Hex()); err != nil {
		t.Fatalf("bob Withdraw: %v", err)
	}

	// Funding moved 50 of alice's escrow to bob.
	if got := c.FreeBalance(t, alice); got != 950 {
		t.Errorf("alice free balance %d, want 950", got)
	}

	if got := c.FreeBalance(t, bob); got != 1050 {
		t.Errorf("bob free balance %d, want 1050", got)
	}

	chans, err := alice.Client.Channels(ctx)
	if err != nil {
		t.Fatalf("Channels: %v", err)
	}

	if len(chans) != 0 {
		t.Errorf("expected no channels after withdrawal, got %+v", chans)
	}
}

func TestCooperativeCloseAcrossNodes(t *testing.T) {
	c := NewCluster(t, time.Hour)
	alice := c.AddNode(t, 1000)
	bob := c.AddNode(t, 1000)

	ctx := context.Background()

	if _, err := alice.Client.Open(ctx, bob.Account.Hex(), "40", ""); err != nil {
		t.Fatalf("Open: %v", err)
	}

	if failures, err := bob.Client.CloseAll(ctx); err != nil || len(failures) != 0 {
		t.Fatalf("CloseAll: %v, %+v", err, failures)
	}

	Eventually(t, 5*time.Second, func() bool {
		v, err := alice.Client.Channel(ctx, bob.Account.Hex())
		return err == nil && v.State == "pending_settlement"
	})

	// Alice did not initiate, so she may finalize before the window ends.
	if err := alice.Client.CooperativeClose(ctx, bob.Account.Hex()); err != nil {
		t.Fatalf("CooperativeClose: %v", err)
	}

	bob.WaitClosed(t, alice)

	if err := bob.Client.Withdraw(ctx, alice.Account.Hex()); err != nil {
		t.Fatalf("bob Withdraw: %v", err)
	}

	if got := c.FreeBalance(t, alice); got != 1000 {
		t.Errorf("alice free balance %d, want 1000", got)
	}
}

func TestUnreachablePeerLeavesFunded(t *testing.T) {
	c := NewCluster(t, time.Hour)
	alice := c.AddNode(t, 1000)

	// An account with no node behind it: funding lands, activation cannot.
	key, err := signature.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	ghost := signature.Address(key).Hex()

	ctx := context.Background()

	if _, err := alice.Client.Open(ctx, ghost, "30", ""); err == nil {
		t.Fatal("expected activation to fail")
	}

	view, err := alice.Client.Channel(ctx, ghost)
	if err != nil {
		t.Fatalf("Channel: %v", err)
	}

	if view.State != "funded" || view.Open == nil || !*view.Open {
		t.Errorf("expected an open funded channel, got %+v", view)
	}

	if got := c.FreeBalance(t, alice); got != 970 {
		t.Errorf("alice free balance %d, want 970", got)
	}
}
