// Package transport exchanges activation signatures and tickets with
// counterparties over the QUIC network.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"Paylane/internal/channel"
	"Paylane/internal/engine"
	"Paylane/internal/logger"
	"Paylane/internal/network"
)

// ticketTimeout bounds the acceptance of one delivered ticket.
const ticketTimeout = 10 * time.Second

var (
	// ErrUnknownPeer is returned when no address is known for a counterparty.
	ErrUnknownPeer = errors.New("no address for counterparty")

	// ErrRemote wraps an error reported by the counterparty.
	ErrRemote = errors.New("counterparty refused")
)

// Handler serves inbound counterparty messages.
type Handler interface {
	HandleActivation(ctx context.Context, from channel.Address, proposal *channel.SignedState) (*channel.SignedState, error)
	AcceptTicket(ctx context.Context, from channel.Address, signed []byte) (*engine.Receipt, error)
}

// Transport implements engine.Counterparty over a network node.
type Transport struct {
	self channel.Address
	node *network.Node

	mu      sync.RWMutex
	peers   map[channel.Address]string // peers maps accounts to QUIC addresses
	handler Handler
}

// New creates a transport speaking for self and installs its handlers on node.
func New(self channel.Address, node *network.Node) *Transport {
	t := &Transport{
		self:  self,
		node:  node,
		peers: make(map[channel.Address]string),
	}

	node.OnRequest(t.onRequest)
	node.OnMessage(t.onMessage)

	return t
}

// AddPeer records the address of a counterparty.
func (t *Transport) AddPeer(account channel.Address, addr string) {
	t.mu.Lock()
	t.peers[account] = addr
	t.mu.Unlock()
}

// SetHandler installs the inbound handler, typically the engine.
func (t *Transport) SetHandler(h Handler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

// RequestActivation implements engine.Counterparty.
func (t *Transport) RequestActivation(ctx context.Context, peer channel.Address, proposal *channel.SignedState) (*channel.SignedState, error) {
	p, err := t.dial(ctx, peer)
	if err != nil {
		return nil, err
	}

	resp, err := p.Request(ctx, encodeEnvelope(KindActivationRequest, t.self, channel.Encode(proposal)))
	if err != nil {
		return nil, fmt.Errorf("activation request to %s:\n%w", peer.Hex(), err)
	}

	env, err := decodeEnvelope(resp)
	if err != nil {
		return nil, err
	}

	switch env.kind {
	case KindActivationResponse:
		return channel.Decode(env.payload)
	case KindError:
		return nil, fmt.Errorf("%w: %s", ErrRemote, env.payload)
	default:
		return nil, fmt.Errorf("%w: unexpected %s reply", ErrMalformedEnvelope, env.kind)
	}
}

// SendTicket implements engine.Counterparty.
func (t *Transport) SendTicket(ctx context.Context, peer channel.Address, signed []byte) error {
	p, err := t.dial(ctx, peer)
	if err != nil {
		return err
	}

	if err := p.Send(ctx, encodeEnvelope(KindTicket, t.self, signed)); err != nil {
		return fmt.Errorf("send ticket to %s:\n%w", peer.Hex(), err)
	}

	return nil
}

func (t *Transport) dial(ctx context.Context, peer channel.Address) (*network.Peer, error) {
	t.mu.RLock()
	addr, ok := t.peers[peer]
	t.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, peer.Hex())
	}

	return t.node.Dial(ctx, addr)
}

func (t *Transport) currentHandler() Handler {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.handler
}

// onRequest answers activation requests. Refusals travel back as error envelopes.
func (t *Transport) onRequest(ctx context.Context, p *network.Peer, data []byte) ([]byte, error) {
	env, err := decodeEnvelope(data)
	if err != nil {
		return nil, err
	}

	if env.kind != KindActivationRequest {
		return t.refuse(fmt.Errorf("unexpected %s request", env.kind)), nil
	}

	h := t.currentHandler()
	if h == nil {
		return t.refuse(fmt.Errorf("not ready")), nil
	}

	proposal, err := channel.Decode(env.payload)
	if err != nil {
		return t.refuse(err), nil
	}

	resp, err := h.HandleActivation(ctx, env.sender, proposal)
	if err != nil {
		logger.Warn("activation refused", "channel", proposal.Channel.Short(), "counterparty", env.sender.Hex(), "error", err)
		return t.refuse(err), nil
	}

	return encodeEnvelope(KindActivationResponse, t.self, channel.Encode(resp)), nil
}

func (t *Transport) refuse(err error) []byte {
	return encodeEnvelope(KindError, t.self, []byte(err.Error()))
}

// onMessage accepts delivered tickets.
func (t *Transport) onMessage(p *network.Peer, data []byte) {
	env, err := decodeEnvelope(data)
	if err != nil {
		logger.Debug("dropped malformed message", "peer", p.Address(), "error", err)
		return
	}

	if env.kind != KindTicket {
		logger.Debug("dropped unexpected message", "peer", p.Address(), "kind", env.kind)
		return
	}

	h := t.currentHandler()
	if h == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), ticketTimeout)
	defer cancel()

	r, err := h.AcceptTicket(ctx, env.sender, env.payload)
	if err != nil {
		logger.Warn("ticket rejected", "counterparty", env.sender.Hex(), "error", err)
		return
	}

	logger.Info("ticket accepted",
		"channel", r.Ticket.Channel.Short(),
		"counterparty", env.sender.Hex(),
		"amount", r.Ticket.Amount.Dec(),
		"winning", r.Winning,
	)
}
