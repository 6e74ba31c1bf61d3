package engine

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"Paylane/internal/chain"
	"Paylane/internal/channel"
	"Paylane/internal/logger"
)

// adoptTimeout bounds the background wait for a funding whose opener gave up.
const adoptTimeout = 2 * time.Minute

// Open funds the channel with peer and activates it. own is escrowed for the
// local party and theirs is credited to the counterparty, both from the
// local account. An Active channel is returned as is; a Funded one resumes
// activation without funding again. A ledger funding this account submitted
// but never recorded is adopted as Funded.
func (e *Engine) Open(ctx context.Context, peer channel.Address, own, theirs channel.Balance) (*Channel, error) {
	if err := e.life.check(); err != nil {
		return nil, err
	}

	id, err := e.channelID(peer)
	if err != nil {
		return nil, err
	}

	unlock := e.locks.lock(id)
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, e.cfg.OpenTimeout)
	defer cancel()

	info, err := e.cfg.Ledger.QueryState(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("query ledger state:\n%w", err)
	}

	rec, err := e.records.Get(id)
	if err != nil {
		return nil, err
	}

	if rec == nil {
		if ownFunding(info, e.self) {
			return e.adoptFunded(ctx, peer, info)
		}
		if info.Open() {
			return nil, divergence(id, info, nil)
		}
		return e.fund(ctx, peer, id, info, own, theirs)
	}

	if err := divergence(id, info, rec); err != nil {
		return nil, err
	}

	switch rec.State.(type) {
	case channel.Active:
		logger.Debug("channel already active", "channel", id.Short())
		return newChannel(e.self, rec), nil

	case channel.Funded:
		logger.Info("resuming activation", "channel", id.Short(), "counterparty", peer.Hex())
		return e.resumeActivation(ctx, peer, info)

	default:
		return nil, &channel.StateError{
			Channel: id,
			Got:     rec.State.Kind(),
			Want:    []channel.Kind{channel.KindUninitialized, channel.KindFunded, channel.KindActive},
		}
	}
}

// fund escrows own and theirs on the ledger, then runs the activation handshake.
func (e *Engine) fund(ctx context.Context, peer channel.Address, id channel.ID, prev chain.ChannelInfo, own, theirs channel.Balance) (*Channel, error) {
	var need channel.Balance
	if _, overflow := need.AddOverflow(&own, &theirs); overflow {
		return nil, fmt.Errorf("funding overflows the balance width")
	}

	if need.IsZero() {
		return nil, fmt.Errorf("funding amount is zero")
	}

	free, err := e.cfg.Ledger.FreeBalance(ctx, e.self)
	if err != nil {
		return nil, fmt.Errorf("query free balance:\n%w", err)
	}

	if free.Lt(&need) {
		return nil, &BalanceError{Need: need, Free: free}
	}

	sub, err := e.cfg.Ledger.Subscribe(ctx, chain.EventOpened, id)
	if err != nil {
		return nil, fmt.Errorf("subscribe to funding:\n%w", err)
	}

	call := chain.Call{
		Method:             chain.MethodFund,
		Channel:            id,
		Counterparty:       peer,
		Amount:             own,
		CounterpartyAmount: theirs,
	}

	if _, err := e.submit(ctx, call); err != nil {
		sub.Cancel()
		return nil, fmt.Errorf("submit funding:\n%w", err)
	}

	logger.Info("funding submitted",
		"channel", id.Short(),
		"counterparty", peer.Hex(),
		"own", own.Dec(),
		"theirs", theirs.Dec(),
	)

	balanceA := theirs
	if channel.IsPartyA(e.self, peer) {
		balanceA = own
	}

	active, err := channel.NewActive(balanceA, need)
	if err != nil {
		sub.Cancel()
		return nil, err
	}

	proposal := channel.NewSignedState(e.self, peer, prev.Iteration+1, active)

	return e.handshake(ctx, peer, proposal, sub)
}

// ownFunding reports whether the ledger holds a Funded channel whose
// funding self submitted.
func ownFunding(info chain.ChannelInfo, self channel.Address) bool {
	_, ok := info.State.(channel.Funded)
	return ok && info.Funder == self
}

// adoptFunded records a funding the ledger holds but the local store lost,
// then resumes activation. Caller holds the channel lock.
func (e *Engine) adoptFunded(ctx context.Context, peer channel.Address, info chain.ChannelInfo) (*Channel, error) {
	logger.Warn("adopting unrecorded funding", "channel", channel.NewID(e.self, peer).Short(), "counterparty", peer.Hex())

	if err := e.storeFunded(peer, info); err != nil {
		return nil, err
	}

	return e.resumeActivation(ctx, peer, info)
}

// resumeActivation proposes the Active state of a channel the ledger
// already holds as Funded.
func (e *Engine) resumeActivation(ctx context.Context, peer channel.Address, info chain.ChannelInfo) (*Channel, error) {
	active, err := channel.Activate(info.State)
	if err != nil {
		return nil, channel.WithChannel(err, channel.NewID(e.self, peer))
	}

	proposal := channel.NewSignedState(e.self, peer, info.Iteration, active)

	return e.handshake(ctx, peer, proposal, nil)
}

// handshake waits for the funding to finalize while the counterparty
// countersigns the proposal. A confirmed funding is stored as Funded at
// once; the Active state is stored only when both succeed.
// sub is nil when the ledger already holds the channel and the local store
// already has it as Funded.
func (e *Engine) handshake(ctx context.Context, peer channel.Address, proposal *channel.SignedState, sub *chain.Subscription) (*Channel, error) {
	id := proposal.Channel

	if err := proposal.Sign(e.cfg.Key); err != nil {
		if sub != nil {
			sub.Cancel()
		}
		return nil, fmt.Errorf("sign proposal:\n%w", err)
	}

	var (
		g          errgroup.Group
		confirmed  chain.ChannelInfo
		countersig *channel.SignedState
	)

	// Neither side cancels the other: the funding wait must run to completion
	// so a landed funding is always recorded.
	g.Go(func() error {
		if sub != nil {
			if _, err := sub.Wait(ctx); err != nil {
				return fmt.Errorf("wait for funding:\n%w", err)
			}
		}

		info, err := e.cfg.Ledger.QueryState(ctx, id)
		if err != nil {
			return fmt.Errorf("query ledger state:\n%w", err)
		}

		if !info.Open() {
			return fmt.Errorf("funding finalized but channel %s is missing on the ledger", id.Short())
		}

		confirmed = info

		if sub == nil {
			return nil
		}

		return e.storeFunded(peer, info)
	})

	var activationErr error
	g.Go(func() error {
		countersig, activationErr = e.exchange(ctx, peer, proposal)
		return nil
	})

	fundErr := g.Wait()

	if fundErr != nil {
		return nil, e.fundingFailed(peer, id, sub, fundErr)
	}

	if sub != nil {
		sub.Cancel()
	}

	if activationErr != nil {
		logger.Warn("channel left funded", "channel", id.Short(), "counterparty", peer.Hex(), "error", activationErr)
		return nil, fmt.Errorf("activate channel %s:\n%w", id.Short(), activationErr)
	}

	if err := matchesLedger(countersig, confirmed); err != nil {
		logger.Warn("channel left funded", "channel", id.Short(), "counterparty", peer.Hex(), "error", err)
		return nil, err
	}

	if err := e.records.Put(countersig); err != nil {
		return nil, err
	}

	e.clearSettler(id)
	e.watch(id, peer)

	logger.Info("channel activated",
		"channel", id.Short(),
		"counterparty", peer.Hex(),
		"iteration", countersig.Iteration,
	)

	return newChannel(e.self, countersig), nil
}

// fundingFailed records the channel as Funded if the ledger holds it after
// all. Otherwise a background wait adopts the funding should it still land.
func (e *Engine) fundingFailed(peer channel.Address, id channel.ID, sub *chain.Subscription, cause error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(e.ctx), 5*time.Second)
	defer cancel()

	info, err := e.cfg.Ledger.QueryState(ctx, id)
	if err == nil && info.Open() {
		if sub != nil {
			sub.Cancel()
		}
		if serr := e.storeFunded(peer, info); serr != nil {
			return serr
		}
		return fmt.Errorf("open channel %s:\n%w", id.Short(), cause)
	}

	if sub != nil && !e.spawn(func() { e.adopt(peer, id, sub) }) {
		sub.Cancel()
	}

	return fmt.Errorf("open channel %s:\n%w", id.Short(), cause)
}

// adopt stores a late-finalizing funding as Funded.
func (e *Engine) adopt(peer channel.Address, id channel.ID, sub *chain.Subscription) {
	defer sub.Cancel()

	ctx, cancel := context.WithTimeout(e.ctx, adoptTimeout)
	defer cancel()

	if _, err := sub.Wait(ctx); err != nil {
		return
	}

	unlock := e.locks.lock(id)
	defer unlock()

	rec, err := e.records.Get(id)
	if err != nil || rec != nil {
		return
	}

	info, err := e.cfg.Ledger.QueryState(ctx, id)
	if err != nil || !info.Open() {
		return
	}

	if err := e.storeFunded(peer, info); err != nil {
		logger.Error("failed to adopt late funding", "channel", id.Short(), "error", err)
		return
	}

	logger.Warn("adopted funding that finalized after open gave up", "channel", id.Short())
}

// storeFunded persists the ledger's Funded state, signed by the local key.
func (e *Engine) storeFunded(peer channel.Address, info chain.ChannelInfo) error {
	f, ok := info.State.(channel.Funded)
	if !ok {
		return fmt.Errorf("ledger holds channel as %s, want funded", info.State.Kind())
	}

	rec := channel.NewSignedState(e.self, peer, info.Iteration, f)
	if err := rec.Sign(e.cfg.Key); err != nil {
		return err
	}

	if err := e.records.Put(rec); err != nil {
		return err
	}

	e.watch(rec.Channel, peer)

	logger.Info("channel funded",
		"channel", rec.Channel.Short(),
		"counterparty", peer.Hex(),
		"iteration", rec.Iteration,
	)

	return nil
}

// exchange asks peer to countersign proposal and checks the answer.
func (e *Engine) exchange(ctx context.Context, peer channel.Address, proposal *channel.SignedState) (*channel.SignedState, error) {
	if e.cfg.Counterparty == nil {
		return nil, fmt.Errorf("no counterparty transport configured")
	}

	resp, err := e.cfg.Counterparty.RequestActivation(ctx, peer, proposal)
	if err != nil {
		return nil, fmt.Errorf("request activation:\n%w", err)
	}

	if !resp.SameTerms(proposal) {
		return nil, fmt.Errorf("%w: countersigned state differs from the proposal", ErrTermsMismatch)
	}

	if err := resp.Verify(); err != nil {
		return nil, err
	}

	key, err := e.peerKey(ctx, peer)
	if err != nil {
		return nil, err
	}

	if !bytes.Equal(resp.Signer, key) {
		return nil, ErrSignerMismatch
	}

	return resp, nil
}

// matchesLedger checks that a signed Active state carries the ledger's
// funded balances and iteration.
func matchesLedger(s *channel.SignedState, info chain.ChannelInfo) error {
	f, ok := info.State.(channel.Funded)
	if !ok {
		return fmt.Errorf("%w: ledger holds %s", ErrTermsMismatch, info.State.Kind())
	}

	a, ok := s.State.(channel.Active)
	if !ok {
		return fmt.Errorf("%w: state is %s", ErrTermsMismatch, s.State.Kind())
	}

	if s.Iteration != info.Iteration || a.BalanceA != f.BalanceA || a.BalanceTotal != f.BalanceTotal {
		return fmt.Errorf("%w: iteration %d balances %s/%s, ledger %d %s/%s", ErrTermsMismatch,
			s.Iteration, a.BalanceA.Dec(), a.BalanceTotal.Dec(),
			info.Iteration, f.BalanceA.Dec(), f.BalanceTotal.Dec())
	}

	return nil
}

// HandleActivation countersigns an Active proposal from the channel's
// funder once the ledger shows the matching funding. The proposer-signed
// state is stored; the countersigned copy is returned to the proposer.
func (e *Engine) HandleActivation(ctx context.Context, from channel.Address, proposal *channel.SignedState) (*channel.SignedState, error) {
	if err := e.life.check(); err != nil {
		return nil, err
	}

	if err := proposal.Validate(); err != nil {
		return nil, err
	}

	if proposal.PartyA != e.self && proposal.PartyB != e.self {
		return nil, fmt.Errorf("proposal for channel %s does not involve %s", proposal.Channel.Short(), e.self.Hex())
	}

	if proposal.Counterparty(e.self) != from {
		return nil, fmt.Errorf("proposal for channel %s not sent by a party", proposal.Channel.Short())
	}

	if _, ok := proposal.State.(channel.Active); !ok {
		return nil, &channel.StateError{Channel: proposal.Channel, Got: proposal.State.Kind(), Want: []channel.Kind{channel.KindActive}}
	}

	if err := proposal.Verify(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.OpenTimeout)
	defer cancel()

	key, err := e.peerKey(ctx, from)
	if err != nil {
		return nil, err
	}

	if !bytes.Equal(proposal.Signer, key) {
		return nil, ErrSignerMismatch
	}

	id := proposal.Channel

	unlock := e.locks.lock(id)
	defer unlock()

	rec, err := e.records.Get(id)
	if err != nil {
		return nil, err
	}

	if rec != nil {
		if rec.State.Kind() == channel.KindPendingSettlement {
			return nil, &channel.StateError{Channel: id, Got: rec.State.Kind(), Want: []channel.Kind{channel.KindUninitialized, channel.KindFunded}}
		}
		if rec.State.Kind() == channel.KindActive && !rec.SameTerms(proposal) {
			return nil, fmt.Errorf("%w: channel %s already active with other terms", ErrTermsMismatch, id.Short())
		}
	}

	info, err := e.awaitFunding(ctx, id, proposal.Iteration)
	if err != nil {
		return nil, err
	}

	if err := matchesLedger(proposal, info); err != nil {
		return nil, err
	}

	resp := proposal.WithState(proposal.State)
	if err := resp.Sign(e.cfg.Key); err != nil {
		return nil, err
	}

	if err := e.records.Put(proposal); err != nil {
		return nil, err
	}

	e.clearSettler(id)
	e.watch(id, from)

	logger.Info("channel activation countersigned",
		"channel", id.Short(),
		"counterparty", from.Hex(),
		"iteration", proposal.Iteration,
	)

	return resp, nil
}

// awaitFunding returns the ledger's view of a channel once it holds the
// given iteration, waiting for the funding event if needed.
func (e *Engine) awaitFunding(ctx context.Context, id channel.ID, iteration uint64) (chain.ChannelInfo, error) {
	sub, err := e.cfg.Ledger.Subscribe(ctx, chain.EventOpened, id)
	if err != nil {
		return chain.ChannelInfo{}, fmt.Errorf("subscribe to funding:\n%w", err)
	}
	defer sub.Cancel()

	info, err := e.cfg.Ledger.QueryState(ctx, id)
	if err != nil {
		return chain.ChannelInfo{}, fmt.Errorf("query ledger state:\n%w", err)
	}

	if info.Open() && info.Iteration >= iteration {
		return info, nil
	}

	if _, err := sub.Wait(ctx); err != nil {
		return chain.ChannelInfo{}, fmt.Errorf("wait for funding of %s:\n%w", id.Short(), err)
	}

	info, err = e.cfg.Ledger.QueryState(ctx, id)
	if err != nil {
		return chain.ChannelInfo{}, fmt.Errorf("query ledger state:\n%w", err)
	}

	return info, nil
}
