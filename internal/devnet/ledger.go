// Package devnet is an in-process development ledger implementing the
// channel protocol's on-chain side, and an HTTP server exposing it.
package devnet

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"sync"
	"time"

	"Paylane/internal/chain"
	"Paylane/internal/channel"
	"Paylane/internal/logger"
	"Paylane/internal/signature"
)

const (
	// DefaultWindow is the settlement window when none is configured.
	DefaultWindow = 10 * time.Second

	// DefaultFinality is the delay between submission and application.
	DefaultFinality = 50 * time.Millisecond
)

// Config configures a development ledger.
type Config struct {
	Window   time.Duration    // Window is the settlement window
	Finality time.Duration    // Finality delays application of submitted transactions
	Now      func() time.Time // Now is the ledger clock
}

// account holds the per-account ledger state.
type account struct {
	free    channel.Balance // free is the unescrowed balance
	nonce   uint64          // nonce is the next accepted transaction nonce
	binding []byte          // binding is the announced off-chain key
}

// subKey identifies the subscribers of one event on one channel.
type subKey struct {
	kind chain.EventKind
	id   channel.ID
}

// Ledger is an in-memory ledger with delayed finality.
type Ledger struct {
	cfg Config

	mu         sync.Mutex
	accounts   map[channel.Address]*account
	channels   map[channel.ID]*chain.ChannelInfo
	parties    map[channel.ID][2]channel.Address
	iterations map[channel.ID]uint64
	subs       map[subKey]map[uint64]chan chain.Event
	nextSub    uint64
	timers     map[*time.Timer]struct{}
	closed     bool
}

// New creates a development ledger. Zero config fields take defaults.
func New(cfg Config) *Ledger {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}

	if cfg.Finality < 0 {
		cfg.Finality = 0
	}

	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Ledger{
		cfg:        cfg,
		accounts:   make(map[channel.Address]*account),
		channels:   make(map[channel.ID]*chain.ChannelInfo),
		parties:    make(map[channel.ID][2]channel.Address),
		iterations: make(map[channel.ID]uint64),
		subs:       make(map[subKey]map[uint64]chan chain.Event),
		timers:     make(map[*time.Timer]struct{}),
	}
}

// Mint credits free balance to an account.
func (l *Ledger) Mint(addr channel.Address, amount channel.Balance) {
	l.mu.Lock()
	defer l.mu.Unlock()

	acc := l.account(addr)
	acc.free.Add(&acc.free, &amount)

	logger.Debug("minted", "account", addr.Hex(), "amount", amount.Dec())
}

// Close stops pending transactions from being applied.
func (l *Ledger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.closed = true
	for t := range l.timers {
		t.Stop()
	}
	l.timers = nil
}

// Submit implements chain.Ledger.
func (l *Ledger) Submit(ctx context.Context, call chain.Call, signer *ecdsa.PrivateKey, nonce uint64) (chain.TxHash, error) {
	data, _, err := chain.EncodeTx(call, nonce, signer)
	if err != nil {
		return chain.TxHash{}, err
	}

	return l.SubmitRaw(data)
}

// SubmitRaw accepts an encoded transaction. It is validated now and
// again when applied after the finality delay.
func (l *Ledger) SubmitRaw(data []byte) (chain.TxHash, error) {
	tx, err := chain.DecodeTx(data)
	if err != nil {
		return chain.TxHash{}, fmt.Errorf("%w: %v", chain.ErrRejected, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return chain.TxHash{}, fmt.Errorf("%w: ledger closed", chain.ErrRejected)
	}

	acc := l.account(tx.Sender)
	if tx.Nonce != acc.nonce {
		return chain.TxHash{}, fmt.Errorf("%w: nonce %d, want %d", chain.ErrRejected, tx.Nonce, acc.nonce)
	}

	if err := l.validate(tx); err != nil {
		return chain.TxHash{}, fmt.Errorf("%w: %v", chain.ErrRejected, err)
	}

	acc.nonce++

	var timer *time.Timer
	timer = time.AfterFunc(l.cfg.Finality, func() { l.finalize(tx, timer) })
	l.timers[timer] = struct{}{}

	logger.Debug("tx accepted", "hash", tx.Hash.String()[:16], "method", tx.Call.Method, "sender", tx.Sender.Hex())

	return tx.Hash, nil
}

// finalize applies a transaction once its finality delay elapsed.
func (l *Ledger) finalize(tx *chain.Tx, timer *time.Timer) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	delete(l.timers, timer)

	if err := l.validate(tx); err != nil {
		logger.Warn("tx failed at finality", "hash", tx.Hash.String()[:16], "method", tx.Call.Method, "error", err)
		return
	}

	l.apply(tx)
}

// validate checks a transaction against the current state. Caller holds mu.
func (l *Ledger) validate(tx *chain.Tx) error {
	call := tx.Call

	if call.Method == chain.MethodAnnounce {
		if len(call.Payload) != signature.PublicKeySize {
			return fmt.Errorf("announce payload is %d bytes, want %d", len(call.Payload), signature.PublicKeySize)
		}

		if _, err := signature.AddressOf(call.Payload); err != nil {
			return err
		}

		return nil
	}

	if call.Counterparty == tx.Sender {
		return fmt.Errorf("channel with self")
	}

	if channel.NewID(tx.Sender, call.Counterparty) != call.Channel {
		return fmt.Errorf("channel id does not match parties")
	}

	info := l.info(call.Channel)

	switch call.Method {
	case chain.MethodFund:
		switch info.State.Kind() {
		case channel.KindUninitialized, channel.KindFunded:
		default:
			return fmt.Errorf("cannot fund a %s channel", info.State.Kind())
		}

		var need channel.Balance
		if _, overflow := need.AddOverflow(&call.Amount, &call.CounterpartyAmount); overflow {
			return fmt.Errorf("amount overflow")
		}

		if need.IsZero() {
			return fmt.Errorf("zero funding")
		}

		if free := l.account(tx.Sender).free; free.Lt(&need) {
			return fmt.Errorf("insufficient balance: need %s, free %s", need.Dec(), free.Dec())
		}

	case chain.MethodInitiateClose:
		if info.State.Kind() != channel.KindFunded {
			return fmt.Errorf("cannot initiate close of a %s channel", info.State.Kind())
		}

	case chain.MethodFinalizeClose:
		p, ok := info.State.(channel.PendingSettlement)
		if !ok {
			return fmt.Errorf("cannot finalize a %s channel", info.State.Kind())
		}

		// The initiator waits for the window; the other party may close early.
		if tx.Sender == info.Initiator && uint64(l.cfg.Now().UnixMilli()) < p.SettlementRound {
			return fmt.Errorf("settlement window still open")
		}

	default:
		return fmt.Errorf("unknown method %s", call.Method)
	}

	return nil
}

// apply mutates state and emits the resulting event. Caller holds mu.
func (l *Ledger) apply(tx *chain.Tx) {
	call := tx.Call

	if call.Method == chain.MethodAnnounce {
		l.account(tx.Sender).binding = append([]byte(nil), call.Payload...)
		logger.Debug("key announced", "account", tx.Sender.Hex())
		return
	}

	id := call.Channel
	info := l.info(id)

	switch call.Method {
	case chain.MethodFund:
		l.applyFund(tx, info)
		l.emit(chain.EventOpened, id, tx.Hash)

	case chain.MethodInitiateClose:
		a, total, _ := channel.Balances(info.State)
		round := uint64(l.cfg.Now().Add(l.cfg.Window).UnixMilli())
		pending, _ := channel.NewPendingSettlement(a, total, round)

		l.channels[id] = &chain.ChannelInfo{State: pending, Iteration: info.Iteration, Initiator: tx.Sender, Funder: info.Funder}
		l.emit(chain.EventClosureInitiated, id, tx.Hash)

	case chain.MethodFinalizeClose:
		a, total, _ := channel.Balances(info.State)
		parties := l.parties[id]

		var b channel.Balance
		b.Sub(&total, &a)

		accA, accB := l.account(parties[0]), l.account(parties[1])
		accA.free.Add(&accA.free, &a)
		accB.free.Add(&accB.free, &b)

		delete(l.channels, id)
		delete(l.parties, id)
		l.emit(chain.EventClosed, id, tx.Hash)
	}
}

// applyFund escrows the sender's funding. Caller holds mu.
func (l *Ledger) applyFund(tx *chain.Tx, info chain.ChannelInfo) {
	call := tx.Call
	id := call.Channel

	var need channel.Balance
	need.Add(&call.Amount, &call.CounterpartyAmount)

	acc := l.account(tx.Sender)
	acc.free.Sub(&acc.free, &need)

	var a, total channel.Balance
	iteration := info.Iteration
	funder := info.Funder

	if info.State.Kind() == channel.KindFunded {
		a, total, _ = channel.Balances(info.State)
	} else {
		l.iterations[id]++
		iteration = l.iterations[id]
		funder = tx.Sender
		pa, pb := channel.Order(tx.Sender, call.Counterparty)
		l.parties[id] = [2]channel.Address{pa, pb}
	}

	if channel.IsPartyA(tx.Sender, call.Counterparty) {
		a.Add(&a, &call.Amount)
	} else {
		a.Add(&a, &call.CounterpartyAmount)
	}
	total.Add(&total, &need)

	funded, _ := channel.NewFunded(a, total)
	l.channels[id] = &chain.ChannelInfo{State: funded, Iteration: iteration, Funder: funder}

	logger.Debug("channel funded", "channel", id.Short(), "balanceA", a.Dec(), "total", total.Dec())
}

// emit delivers an event to every subscriber and drops them. Caller holds mu.
func (l *Ledger) emit(kind chain.EventKind, id channel.ID, tx chain.TxHash) {
	ev := chain.Event{Kind: kind, Channel: id, Tx: tx, Info: l.info(id)}

	key := subKey{kind: kind, id: id}
	for _, c := range l.subs[key] {
		c <- ev
	}
	delete(l.subs, key)
}

// QueryState implements chain.Ledger.
func (l *Ledger) QueryState(ctx context.Context, id channel.ID) (chain.ChannelInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.info(id), nil
}

// Subscribe implements chain.Ledger.
func (l *Ledger) Subscribe(ctx context.Context, kind chain.EventKind, id channel.ID) (*chain.Subscription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := subKey{kind: kind, id: id}
	if l.subs[key] == nil {
		l.subs[key] = make(map[uint64]chan chain.Event)
	}

	n := l.nextSub
	l.nextSub++

	c := make(chan chain.Event, 1)
	l.subs[key][n] = c

	return chain.NewSubscription(c, func() {
		l.mu.Lock()
		defer l.mu.Unlock()

		delete(l.subs[key], n)
		if len(l.subs[key]) == 0 {
			delete(l.subs, key)
		}
	}), nil
}

// FreeBalance implements chain.Ledger.
func (l *Ledger) FreeBalance(ctx context.Context, addr channel.Address) (channel.Balance, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.account(addr).free, nil
}

// SettlementWindow implements chain.Ledger.
func (l *Ledger) SettlementWindow(ctx context.Context) (time.Duration, error) {
	return l.cfg.Window, nil
}

// TxNonce implements chain.Ledger.
func (l *Ledger) TxNonce(ctx context.Context, addr channel.Address) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.account(addr).nonce, nil
}

// Binding implements chain.Ledger.
func (l *Ledger) Binding(ctx context.Context, addr channel.Address) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.account(addr).binding
	if b == nil {
		return nil, nil
	}

	return append([]byte(nil), b...), nil
}

// Now returns the ledger clock.
func (l *Ledger) Now() time.Time {
	return l.cfg.Now()
}

// account returns the state of addr, creating it. Caller holds mu.
func (l *Ledger) account(addr channel.Address) *account {
	acc, ok := l.accounts[addr]
	if !ok {
		acc = &account{}
		l.accounts[addr] = acc
	}

	return acc
}

// info returns a copy of a channel's state. Caller holds mu.
func (l *Ledger) info(id channel.ID) chain.ChannelInfo {
	if c, ok := l.channels[id]; ok {
		return *c
	}

	return chain.ChannelInfo{State: channel.Uninitialized{}, Iteration: l.iterations[id]}
}
