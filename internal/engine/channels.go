package engine

import (
	"context"
	"fmt"

	"Paylane/internal/chain"
	"Paylane/internal/channel"
	"Paylane/internal/logger"
)

// Channel is a read-only view of a stored channel from the local party's side.
type Channel struct {
	ID           channel.ID           // ID is the channel identity
	Self         channel.Address      // Self is the local account
	Counterparty channel.Address      // Counterparty is the other party
	Record       *channel.SignedState // Record is the stored signed state
}

// newChannel builds a view of rec for self.
func newChannel(self channel.Address, rec *channel.SignedState) *Channel {
	return &Channel{
		ID:           rec.Channel,
		Self:         self,
		Counterparty: rec.Counterparty(self),
		Record:       rec,
	}
}

// State returns the stored channel state.
func (c *Channel) State() channel.State {
	return c.Record.State
}

// SelfIsPartyA reports whether the local account is party A.
func (c *Channel) SelfIsPartyA() bool {
	return c.Record.PartyA == c.Self
}

// Balance returns the local party's balance.
func (c *Channel) Balance() (channel.Balance, error) {
	b, err := channel.CurrentBalance(c.Record.State, c.SelfIsPartyA())
	return b, channel.WithChannel(err, c.ID)
}

// CounterpartyBalance returns the other party's balance.
func (c *Channel) CounterpartyBalance() (channel.Balance, error) {
	b, err := channel.CurrentBalance(c.Record.State, !c.SelfIsPartyA())
	return b, channel.WithChannel(err, c.ID)
}

// StateOf returns the stored state of the channel with peer,
// Uninitialized if there is none.
func (e *Engine) StateOf(peer channel.Address) (channel.State, error) {
	if err := e.life.check(); err != nil {
		return nil, err
	}

	id, err := e.channelID(peer)
	if err != nil {
		return nil, err
	}

	rec, err := e.records.Get(id)
	if err != nil {
		return nil, err
	}

	if rec == nil {
		return channel.Uninitialized{}, nil
	}

	return rec.State, nil
}

// CurrentBalance returns the local party's balance in the channel with peer.
// A channel without balances is an InvalidState fault.
func (e *Engine) CurrentBalance(peer channel.Address) (channel.Balance, error) {
	s, err := e.StateOf(peer)
	if err != nil {
		return channel.Balance{}, err
	}

	b, err := channel.CurrentBalance(s, channel.IsPartyA(e.self, peer))
	return b, channel.WithChannel(err, channel.NewID(e.self, peer))
}

// Get returns the stored channel with peer, nil if there is none.
func (e *Engine) Get(peer channel.Address) (*Channel, error) {
	if err := e.life.check(); err != nil {
		return nil, err
	}

	id, err := e.channelID(peer)
	if err != nil {
		return nil, err
	}

	rec, err := e.records.Get(id)
	if err != nil || rec == nil {
		return nil, err
	}

	return newChannel(e.self, rec), nil
}

// IsOpen reports whether the channel with peer exists both on the ledger
// and in the local store. When only one side holds it, the result is a
// DivergenceError and never a boolean.
func (e *Engine) IsOpen(ctx context.Context, peer channel.Address) (bool, error) {
	if err := e.life.check(); err != nil {
		return false, err
	}

	id, err := e.channelID(peer)
	if err != nil {
		return false, err
	}

	unlock := e.locks.lock(id)
	defer unlock()

	_, open, err := e.checkOpen(ctx, id)
	return open, err
}

// checkOpen cross-checks ledger and local existence of a channel.
// It returns the local record and whether both sides hold the channel.
// Caller holds the channel lock.
func (e *Engine) checkOpen(ctx context.Context, id channel.ID) (*channel.SignedState, bool, error) {
	info, err := e.cfg.Ledger.QueryState(ctx, id)
	if err != nil {
		return nil, false, fmt.Errorf("query ledger state:\n%w", err)
	}

	rec, err := e.records.Get(id)
	if err != nil {
		return nil, false, err
	}

	if err := divergence(id, info, rec); err != nil {
		logger.Error("ledger and local store diverge", "channel", id.Short(), "error", err)
		return rec, false, err
	}

	return rec, rec != nil && info.Open(), nil
}

// divergence returns a DivergenceError when exactly one side holds the channel.
// A pending settlement the ledger already closed is awaiting withdrawal and
// does not diverge.
func divergence(id channel.ID, info chain.ChannelInfo, rec *channel.SignedState) error {
	ledgerOpen := info.Open()
	localOpen := rec != nil

	if ledgerOpen == localOpen {
		return nil
	}

	if !ledgerOpen && rec.State.Kind() == channel.KindPendingSettlement {
		return nil
	}

	de := &DivergenceError{
		Channel:     id,
		LedgerOpen:  ledgerOpen,
		LocalOpen:   localOpen,
		LedgerState: channel.KindUninitialized,
		LocalState:  channel.KindUninitialized,
	}

	if info.State != nil {
		de.LedgerState = info.State.Kind()
	}

	if rec != nil {
		de.LocalState = rec.State.Kind()
	}

	return de
}

// GetAllChannels applies visit to every stored channel in ascending channel
// id order and collects the results. The first error aborts the enumeration
// and the partial results are discarded.
func GetAllChannels[T any](e *Engine, visit func(*Channel) (T, error)) ([]T, error) {
	if err := e.life.check(); err != nil {
		return nil, err
	}

	var out []T
	err := e.records.Scan(func(rec *channel.SignedState) error {
		v, err := visit(newChannel(e.self, rec))
		if err != nil {
			return err
		}

		out = append(out, v)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// Channels returns every stored channel in ascending channel id order.
func (e *Engine) Channels() ([]*Channel, error) {
	return GetAllChannels(e, func(c *Channel) (*Channel, error) { return c, nil })
}
