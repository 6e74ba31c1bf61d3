package engine

import (
	"context"
	"fmt"

	"github.com/zeebo/blake3"

	"Paylane/internal/channel"
	"Paylane/internal/logger"
	"Paylane/internal/ticket"
)

// Receipt is the outcome of accepting a ticket.
type Receipt struct {
	Ticket  ticket.Ticket // Ticket is the accepted ticket
	Hash    [32]byte      // Hash identifies the ticket
	KeyHalf [32]byte      // KeyHalf is the responder half recorded for the challenge
	Winning bool          // Winning is true if the ticket is redeemable
}

// deriveHalf returns the responder key half for a challenge:
// blake3 keyed with the on-chain secret over channel id || challenge hash.
func deriveHalf(secret [32]byte, id channel.ID, challengeHash [32]byte) [32]byte {
	h, err := blake3.NewKeyed(secret[:])
	if err != nil {
		// Only a key of the wrong width fails.
		panic(err)
	}

	h.Write(id[:])
	h.Write(challengeHash[:])

	var out [32]byte
	copy(out[:], h.Sum(nil))

	return out
}

// IssueTicket signs a ticket worth amount on the Active channel with peer.
func (e *Engine) IssueTicket(peer channel.Address, amount channel.Balance, winProb uint64, challengeHash [32]byte, epoch uint64) ([]byte, error) {
	if err := e.life.check(); err != nil {
		return nil, err
	}

	id, err := e.channelID(peer)
	if err != nil {
		return nil, err
	}

	unlock := e.locks.lock(id)
	defer unlock()

	rec, err := e.activeRecord(id)
	if err != nil {
		return nil, err
	}

	own, err := channel.CurrentBalance(rec.State, rec.PartyA == e.self)
	if err != nil {
		return nil, channel.WithChannel(err, id)
	}

	if own.Lt(&amount) {
		return nil, &BalanceError{Need: amount, Free: own}
	}

	t := ticket.Ticket{
		Channel:   id,
		Amount:    amount,
		WinProb:   winProb,
		Challenge: challengeHash,
		Epoch:     epoch,
		Iteration: rec.Iteration,
	}

	signed, err := ticket.Sign(t, e.cfg.Key)
	if err != nil {
		return nil, err
	}

	logger.Debug("ticket issued", "channel", id.Short(), "amount", amount.Dec(), "epoch", epoch)

	return signed, nil
}

// SendTicket delivers a signed ticket to peer.
func (e *Engine) SendTicket(ctx context.Context, peer channel.Address, signed []byte) error {
	if err := e.life.check(); err != nil {
		return err
	}

	if e.cfg.Counterparty == nil {
		return fmt.Errorf("no counterparty transport configured")
	}

	return e.cfg.Counterparty.SendTicket(ctx, peer, signed)
}

// AcceptTicket verifies a ticket issued by peer, consumes its nonce and
// records the responder key half for its challenge.
func (e *Engine) AcceptTicket(ctx context.Context, peer channel.Address, signed []byte) (*Receipt, error) {
	if err := e.life.check(); err != nil {
		return nil, err
	}

	id, err := e.channelID(peer)
	if err != nil {
		return nil, err
	}

	st, err := ticket.DecodeSigned(signed)
	if err != nil {
		return nil, err
	}

	key, err := e.peerKey(ctx, peer)
	if err != nil {
		return nil, err
	}

	if err := st.VerifySigner(key); err != nil {
		return nil, err
	}

	unlock := e.locks.lock(id)
	defer unlock()

	rec, err := e.activeRecord(id)
	if err != nil {
		return nil, err
	}

	t := st.Ticket
	if t.Channel != id {
		return nil, fmt.Errorf("%w: ticket for channel %s, want %s", ticket.ErrMalformedTicket, t.Channel.Short(), id.Short())
	}

	if t.Iteration != rec.Iteration {
		return nil, fmt.Errorf("%w: ticket for iteration %d, channel at %d", ticket.ErrMalformedTicket, t.Iteration, rec.Iteration)
	}

	theirs, err := channel.CurrentBalance(rec.State, rec.PartyA == peer)
	if err != nil {
		return nil, channel.WithChannel(err, id)
	}

	if theirs.Lt(&t.Amount) {
		return nil, &BalanceError{Need: t.Amount, Free: theirs}
	}

	if err := e.nonces.TestAndSet(id, st.Signature); err != nil {
		logger.Error("ticket replay", "channel", id.Short(), "counterparty", peer.Hex(), "error", err)
		return nil, err
	}

	half := e.keyHalf(id, t.Challenge)
	if err := e.challenges.Record(id, t.Challenge, half); err != nil {
		logger.Error("conflicting challenge", "channel", id.Short(), "counterparty", peer.Hex(), "error", err)
		return nil, err
	}

	r := &Receipt{
		Ticket:  t,
		Hash:    st.Hash(),
		KeyHalf: half,
		Winning: st.IsWinning(half),
	}

	logger.Debug("ticket accepted", "channel", id.Short(), "amount", t.Amount.Dec(), "winning", r.Winning)

	return r, nil
}

// Secret reconstructs the redemption secret of the channel with peer from
// every recorded challenge. ok is false when no challenge is on record.
func (e *Engine) Secret(peer channel.Address) (secret [32]byte, ok bool, err error) {
	if err := e.life.check(); err != nil {
		return secret, false, err
	}

	id, err := e.channelID(peer)
	if err != nil {
		return secret, false, err
	}

	return e.challenges.Reconstruct(id)
}

// Challenges returns how many challenges are recorded for the channel with peer.
func (e *Engine) Challenges(peer channel.Address) (int, error) {
	if err := e.life.check(); err != nil {
		return 0, err
	}

	id, err := e.channelID(peer)
	if err != nil {
		return 0, err
	}

	return e.challenges.Count(id)
}

// activeRecord returns the stored record, which must be Active.
func (e *Engine) activeRecord(id channel.ID) (*channel.SignedState, error) {
	rec, err := e.records.Get(id)
	if err != nil {
		return nil, err
	}

	if rec == nil {
		return nil, &channel.StateError{Channel: id, Got: channel.KindUninitialized, Want: []channel.Kind{channel.KindActive}}
	}

	if rec.State.Kind() != channel.KindActive {
		return nil, &channel.StateError{Channel: id, Got: rec.State.Kind(), Want: []channel.Kind{channel.KindActive}}
	}

	return rec, nil
}
