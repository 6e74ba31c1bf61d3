package devnet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"testing"
	"time"

	"github.com/holiman/uint256"

	"Paylane/internal/chain"
	"Paylane/internal/channel"
	"Paylane/internal/signature"
)

// party is a test account with its key.
type party struct {
	key  *ecdsa.PrivateKey
	addr channel.Address
}

func newParty(t *testing.T) party {
	t.Helper()

	key, err := signature.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	return party{key: key, addr: signature.Address(key)}
}

func newTestLedger(t *testing.T, window time.Duration) *Ledger {
	t.Helper()

	l := New(Config{Window: window, Finality: 5 * time.Millisecond})
	t.Cleanup(l.Close)

	return l
}

// submit sends a call with the sender's next nonce.
func submit(t *testing.T, l *Ledger, p party, call chain.Call) (chain.TxHash, error) {
	t.Helper()

	nonce, _ := l.TxNonce(context.Background(), p.addr)
	return l.Submit(context.Background(), call, p.key, nonce)
}

func fundCall(from, to party, own, theirs uint64) chain.Call {
	return chain.Call{
		Method:             chain.MethodFund,
		Channel:            channel.NewID(from.addr, to.addr),
		Counterparty:       to.addr,
		Amount:             *uint256.NewInt(own),
		CounterpartyAmount: *uint256.NewInt(theirs),
	}
}

// wait blocks on a subscription with a test timeout.
func wait(t *testing.T, sub *chain.Subscription) chain.Event {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ev, err := sub.Wait(ctx)
	if err != nil {
		t.Fatalf("waiting for event: %v", err)
	}

	return ev
}

func TestFundEmitsOpened(t *testing.T) {
	l := newTestLedger(t, time.Second)
	alice, bob := newParty(t), newParty(t)
	l.Mint(alice.addr, *uint256.NewInt(1000))

	id := channel.NewID(alice.addr, bob.addr)
	sub, _ := l.Subscribe(context.Background(), chain.EventOpened, id)
	defer sub.Cancel()

	if _, err := submit(t, l, alice, fundCall(alice, bob, 60, 40)); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	ev := wait(t, sub)
	if ev.Channel != id || ev.Info.Iteration != 1 {
		t.Fatalf("event = %+v", ev)
	}

	if ev.Info.Funder != alice.addr {
		t.Errorf("funder = %s, want %s", ev.Info.Funder.Hex(), alice.addr.Hex())
	}

	a, total, err := channel.Balances(ev.Info.State)
	if err != nil {
		t.Fatalf("Balances: %v", err)
	}

	want := uint64(60)
	if !channel.IsPartyA(alice.addr, bob.addr) {
		want = 40
	}

	if a.Uint64() != want || total.Uint64() != 100 {
		t.Errorf("balances = %s/%s, want %d/100", a.Dec(), total.Dec(), want)
	}

	free, _ := l.FreeBalance(context.Background(), alice.addr)
	if free.Uint64() != 900 {
		t.Errorf("free balance = %s, want 900", free.Dec())
	}
}

func TestSubmitRejects(t *testing.T) {
	l := newTestLedger(t, time.Second)
	alice, bob := newParty(t), newParty(t)
	l.Mint(alice.addr, *uint256.NewInt(10))

	ctx := context.Background()

	if _, err := l.Submit(ctx, fundCall(alice, bob, 5, 0), alice.key, 3); !errors.Is(err, chain.ErrRejected) {
		t.Errorf("wrong nonce: got %v", err)
	}

	if _, err := submit(t, l, alice, fundCall(alice, bob, 11, 0)); !errors.Is(err, chain.ErrRejected) {
		t.Errorf("overdraw: got %v", err)
	}

	bad := fundCall(alice, bob, 1, 0)
	bad.Channel[0] ^= 0xFF
	if _, err := submit(t, l, alice, bad); !errors.Is(err, chain.ErrRejected) {
		t.Errorf("wrong channel id: got %v", err)
	}

	if _, err := submit(t, l, alice, chain.Call{Method: chain.MethodInitiateClose, Channel: channel.NewID(alice.addr, bob.addr), Counterparty: bob.addr}); !errors.Is(err, chain.ErrRejected) {
		t.Errorf("close of missing channel: got %v", err)
	}

	nonce, _ := l.TxNonce(ctx, alice.addr)
	if nonce != 0 {
		t.Errorf("rejected transactions consumed nonces: %d", nonce)
	}
}

func TestRevalidatedAtFinality(t *testing.T) {
	l := newTestLedger(t, time.Second)
	alice, bob, carol := newParty(t), newParty(t), newParty(t)
	l.Mint(alice.addr, *uint256.NewInt(10))

	ctx := context.Background()
	first, second := fundCall(alice, bob, 8, 0), fundCall(alice, carol, 8, 0)

	// Both pass the submit check; only one can still pay when applied.
	if _, err := l.Submit(ctx, first, alice.key, 0); err != nil {
		t.Fatalf("first: %v", err)
	}

	if _, err := l.Submit(ctx, second, alice.key, 1); err != nil {
		t.Fatalf("second: %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	a, _ := l.QueryState(ctx, first.Channel)
	b, _ := l.QueryState(ctx, second.Channel)

	if a.Open() == b.Open() {
		t.Errorf("open = %v/%v, want exactly one funded channel", a.Open(), b.Open())
	}

	free, _ := l.FreeBalance(ctx, alice.addr)
	if free.Uint64() != 2 {
		t.Errorf("free balance = %s, want 2", free.Dec())
	}
}

// openChannel funds a channel and waits for it.
func openChannel(t *testing.T, l *Ledger, from, to party) channel.ID {
	t.Helper()

	l.Mint(from.addr, *uint256.NewInt(100))
	call := fundCall(from, to, 60, 40)

	sub, _ := l.Subscribe(context.Background(), chain.EventOpened, call.Channel)
	defer sub.Cancel()

	if _, err := submit(t, l, from, call); err != nil {
		t.Fatalf("fund: %v", err)
	}

	wait(t, sub)
	return call.Channel
}

func TestSettlementWindow(t *testing.T) {
	l := newTestLedger(t, 100*time.Millisecond)
	alice, bob := newParty(t), newParty(t)
	id := openChannel(t, l, alice, bob)
	ctx := context.Background()

	closeCall := chain.Call{Method: chain.MethodInitiateClose, Channel: id, Counterparty: bob.addr}
	sub, _ := l.Subscribe(ctx, chain.EventClosureInitiated, id)
	submit(t, l, alice, closeCall)
	ev := wait(t, sub)

	p, ok := ev.Info.State.(channel.PendingSettlement)
	if !ok || ev.Info.Initiator != alice.addr {
		t.Fatalf("after initiate: %+v", ev.Info)
	}

	if p.SettlementRound <= uint64(time.Now().UnixMilli()) {
		t.Error("settlement round is not in the future")
	}

	finalize := chain.Call{Method: chain.MethodFinalizeClose, Channel: id, Counterparty: bob.addr}
	if _, err := submit(t, l, alice, finalize); !errors.Is(err, chain.ErrRejected) {
		t.Errorf("initiator finalized inside the window: %v", err)
	}

	time.Sleep(120 * time.Millisecond)

	closed, _ := l.Subscribe(ctx, chain.EventClosed, id)
	if _, err := submit(t, l, alice, finalize); err != nil {
		t.Fatalf("finalize after window: %v", err)
	}
	wait(t, closed)

	info, _ := l.QueryState(ctx, id)
	if info.Open() || info.Iteration != 1 {
		t.Errorf("after close: %+v", info)
	}

	fa, _ := l.FreeBalance(ctx, alice.addr)
	fb, _ := l.FreeBalance(ctx, bob.addr)
	if fa.Uint64() != 60 || fb.Uint64() != 40 {
		t.Errorf("payout = %s/%s, want 60/40", fa.Dec(), fb.Dec())
	}
}

func TestCooperativeCloseByCounterparty(t *testing.T) {
	l := newTestLedger(t, time.Hour)
	alice, bob := newParty(t), newParty(t)
	id := openChannel(t, l, alice, bob)
	ctx := context.Background()

	sub, _ := l.Subscribe(ctx, chain.EventClosureInitiated, id)
	submit(t, l, alice, chain.Call{Method: chain.MethodInitiateClose, Channel: id, Counterparty: bob.addr})
	wait(t, sub)

	closed, _ := l.Subscribe(ctx, chain.EventClosed, id)
	if _, err := submit(t, l, bob, chain.Call{Method: chain.MethodFinalizeClose, Channel: id, Counterparty: alice.addr}); err != nil {
		t.Fatalf("counterparty finalize: %v", err)
	}
	wait(t, closed)

	// A second lifetime gets a fresh iteration.
	id2 := openChannel(t, l, alice, bob)
	info, _ := l.QueryState(ctx, id2)
	if id2 != id || info.Iteration != 2 {
		t.Errorf("reopened channel iteration = %d, want 2", info.Iteration)
	}
}

func TestAnnounce(t *testing.T) {
	l := newTestLedger(t, time.Second)
	alice := newParty(t)
	offchain, _ := signature.GenerateKey()
	ctx := context.Background()

	if _, err := submit(t, l, alice, chain.Call{Method: chain.MethodAnnounce, Payload: []byte{0x01}}); !errors.Is(err, chain.ErrRejected) {
		t.Errorf("short key accepted: %v", err)
	}

	if _, err := submit(t, l, alice, chain.Call{Method: chain.MethodAnnounce, Payload: signature.PublicKey(offchain)}); err != nil {
		t.Fatalf("announce: %v", err)
	}

	time.Sleep(30 * time.Millisecond)

	b, _ := l.Binding(ctx, alice.addr)
	if string(b) != string(signature.PublicKey(offchain)) {
		t.Errorf("binding = %x", b)
	}
}

func TestSubscriptionCancel(t *testing.T) {
	l := newTestLedger(t, time.Second)
	alice, bob := newParty(t), newParty(t)

	sub, _ := l.Subscribe(context.Background(), chain.EventOpened, channel.NewID(alice.addr, bob.addr))
	sub.Cancel()

	l.mu.Lock()
	n := len(l.subs)
	l.mu.Unlock()

	if n != 0 {
		t.Errorf("%d subscriber sets left after cancel", n)
	}
}
