package transport

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/holiman/uint256"

	"Paylane/internal/channel"
	"Paylane/internal/devnet"
	"Paylane/internal/engine"
	"Paylane/internal/network"
	"Paylane/internal/signature"
	"Paylane/internal/storage"
	"Paylane/internal/ticket"
)

type party struct {
	eng  *engine.Engine
	tr   *Transport
	node *network.Node
}

func newParty(t *testing.T, ledger *devnet.Ledger) *party {
	t.Helper()

	account, err := signature.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	key, err := signature.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	db, err := storage.NewInMemory()
	if err != nil {
		t.Fatalf("NewInMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	node, err := network.NewNode(network.Config{
		Identity:   network.DeriveIdentity(signature.KeyBytes(key)),
		ListenAddr: "127.0.0.1:0",
	})
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}

	if err := node.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { node.Close() })

	tr := New(signature.Address(account), node)

	eng, err := engine.New(engine.Config{
		Account:      account,
		Key:          key,
		Ledger:       ledger,
		Store:        db,
		Counterparty: tr,
		OpenTimeout:  5 * time.Second,
	})
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}

	tr.SetHandler(eng)

	ledger.Mint(eng.Self(), *uint256.NewInt(1000))

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("engine Start: %v", err)
	}
	t.Cleanup(eng.Stop)

	return &party{eng: eng, tr: tr, node: node}
}

func connect(a, b *party) {
	a.tr.AddPeer(b.eng.Self(), b.node.Addr())
	b.tr.AddPeer(a.eng.Self(), a.node.Addr())
}

func TestOpenAndTicketOverQUIC(t *testing.T) {
	ledger := devnet.New(devnet.Config{Window: time.Second, Finality: 5 * time.Millisecond})
	t.Cleanup(ledger.Close)

	a, b := newParty(t, ledger), newParty(t, ledger)
	connect(a, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := a.eng.Open(ctx, b.eng.Self(), *uint256.NewInt(60), *uint256.NewInt(40))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if c.State().Kind() != channel.KindActive {
		t.Fatalf("kind = %s, want active", c.State().Kind())
	}

	if !bytes.Equal(c.Record.Signer, b.eng.PublicKey()) {
		t.Fatal("activation should be countersigned by the peer")
	}

	signed, err := a.eng.IssueTicket(b.eng.Self(), *uint256.NewInt(5), ticket.AlwaysWins, [32]byte{1}, 3)
	if err != nil {
		t.Fatalf("IssueTicket: %v", err)
	}

	if err := a.eng.SendTicket(ctx, b.eng.Self(), signed); err != nil {
		t.Fatalf("SendTicket: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		_, ok, err := b.eng.Secret(a.eng.Self())
		if err != nil {
			t.Fatalf("Secret: %v", err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("ticket was not accepted")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestActivationRefusalTravelsBack(t *testing.T) {
	ledger := devnet.New(devnet.Config{Window: time.Second, Finality: 5 * time.Millisecond})
	t.Cleanup(ledger.Close)

	a, b := newParty(t, ledger), newParty(t, ledger)
	connect(a, b)

	active, _ := channel.NewActive(*uint256.NewInt(1), *uint256.NewInt(2))
	proposal := channel.NewSignedState(a.eng.Self(), b.eng.Self(), 1, active)

	key, _ := signature.GenerateKey()
	if err := proposal.Sign(key); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := a.tr.RequestActivation(ctx, b.eng.Self(), proposal); !errors.Is(err, ErrRemote) {
		t.Fatalf("err = %v, want ErrRemote", err)
	}
}

func TestUnknownPeer(t *testing.T) {
	ledger := devnet.New(devnet.Config{})
	t.Cleanup(ledger.Close)

	a := newParty(t, ledger)

	if err := a.tr.SendTicket(context.Background(), channel.Address{9}, nil); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("err = %v, want ErrUnknownPeer", err)
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	sender := channel.Address{1, 2, 3}

	env, err := decodeEnvelope(encodeEnvelope(KindTicket, sender, []byte("payload")))
	if err != nil {
		t.Fatalf("decodeEnvelope: %v", err)
	}

	if env.kind != KindTicket || env.sender != sender || string(env.payload) != "payload" {
		t.Fatalf("envelope = %+v", env)
	}
}

func TestEnvelopeRejectsGarbage(t *testing.T) {
	for _, data := range [][]byte{nil, {1, 2}, bytes.Repeat([]byte{0xff}, 40)} {
		if _, err := decodeEnvelope(data); !errors.Is(err, ErrMalformedEnvelope) {
			t.Fatalf("decode %x: err = %v, want ErrMalformedEnvelope", data, err)
		}
	}
}
