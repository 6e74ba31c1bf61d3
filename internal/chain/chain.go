// Package chain defines the boundary between the channel engine and the ledger.
package chain

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"Paylane/internal/channel"
)

// Method is a ledger entry point used by the channel protocol.
type Method uint8

const (
	MethodFund          Method = iota + 1 // MethodFund escrows or tops up a channel
	MethodInitiateClose                   // MethodInitiateClose starts the dispute window
	MethodFinalizeClose                   // MethodFinalizeClose pays out and deletes the channel
	MethodAnnounce                        // MethodAnnounce binds an off-chain key to the sender
)

func (m Method) String() string {
	switch m {
	case MethodFund:
		return "fund"
	case MethodInitiateClose:
		return "initiate_close"
	case MethodFinalizeClose:
		return "finalize_close"
	case MethodAnnounce:
		return "announce"
	default:
		return fmt.Sprintf("method(%d)", uint8(m))
	}
}

// ErrRejected is returned when the ledger refuses a transaction.
var ErrRejected = errors.New("transaction rejected")

// Call is the payload of a ledger transaction.
type Call struct {
	Method             Method          // Method is the entry point
	Channel            channel.ID      // Channel is the target channel
	Counterparty       channel.Address // Counterparty is the other party of the channel
	Amount             channel.Balance // Amount is the sender's contribution
	CounterpartyAmount channel.Balance // CounterpartyAmount is credited to the counterparty's side
	Payload            []byte          // Payload carries method specific data
}

// TxHash identifies a submitted transaction.
type TxHash [32]byte

func (h TxHash) String() string {
	return hex.EncodeToString(h[:])
}

// ChannelInfo is the ledger's view of a channel.
type ChannelInfo struct {
	State     channel.State   // State is Uninitialized when the channel does not exist
	Iteration uint64          // Iteration counts the channel's lifetimes
	Initiator channel.Address // Initiator started the pending settlement, zero otherwise
	Funder    channel.Address // Funder submitted the first funding of this iteration
}

// Open reports whether the ledger holds the channel.
func (c ChannelInfo) Open() bool {
	return c.State != nil && c.State.Kind() != channel.KindUninitialized
}

// EventKind is the kind of a finalized ledger event.
type EventKind uint8

const (
	EventOpened           EventKind = iota + 1 // EventOpened follows a finalized fund
	EventClosureInitiated                      // EventClosureInitiated follows a finalized initiate close
	EventClosed                                // EventClosed follows a finalized close
)

func (k EventKind) String() string {
	switch k {
	case EventOpened:
		return "opened"
	case EventClosureInitiated:
		return "closure_initiated"
	case EventClosed:
		return "closed"
	default:
		return fmt.Sprintf("event(%d)", uint8(k))
	}
}

// ParseEventKind is the inverse of EventKind.String.
func ParseEventKind(s string) (EventKind, error) {
	for k := EventOpened; k <= EventClosed; k++ {
		if k.String() == s {
			return k, nil
		}
	}

	return 0, fmt.Errorf("unknown event kind %q", s)
}

// Event is a finalized ledger event concerning one channel.
type Event struct {
	Kind    EventKind   // Kind is the event kind
	Channel channel.ID  // Channel is the channel concerned
	Tx      TxHash      // Tx is the transaction that produced the event
	Info    ChannelInfo // Info is the channel after the transaction
}

// Ledger is the ledger client consumed by the engine.
// Transient faults are retried inside implementations; errors returned here
// are terminal for the current attempt.
type Ledger interface {
	// Submit signs and submits a call with the given account nonce.
	Submit(ctx context.Context, call Call, signer *ecdsa.PrivateKey, nonce uint64) (TxHash, error)

	// QueryState returns the ledger's view of a channel.
	QueryState(ctx context.Context, id channel.ID) (ChannelInfo, error)

	// Subscribe registers a one-shot wait for the next finalized event of
	// kind on channel id. Events finalized after Subscribe returns are delivered.
	Subscribe(ctx context.Context, kind EventKind, id channel.ID) (*Subscription, error)

	// FreeBalance returns the unescrowed funds of an account.
	FreeBalance(ctx context.Context, account channel.Address) (channel.Balance, error)

	// SettlementWindow returns the current dispute window duration.
	SettlementWindow(ctx context.Context) (time.Duration, error)

	// TxNonce returns the next transaction nonce of an account.
	TxNonce(ctx context.Context, account channel.Address) (uint64, error)

	// Binding returns the off-chain key announced by an account, nil if none.
	Binding(ctx context.Context, account channel.Address) ([]byte, error)
}

// Subscription delivers at most one event on C.
type Subscription struct {
	C      <-chan Event // C receives the matching event
	cancel func()
	once   sync.Once
}

// NewSubscription wraps an event channel and its release function.
func NewSubscription(c <-chan Event, cancel func()) *Subscription {
	return &Subscription{C: c, cancel: cancel}
}

// Cancel releases the subscription. It is safe to call more than once.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// Wait blocks until the event arrives or ctx is done.
func (s *Subscription) Wait(ctx context.Context) (Event, error) {
	select {
	case ev, ok := <-s.C:
		if !ok {
			return Event{}, fmt.Errorf("subscription closed")
		}
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}
