package engine

import (
	"errors"
	"fmt"
	"strings"

	"Paylane/internal/channel"
)

var (
	// ErrLedgerLocalDivergence is returned when the ledger and the local store
	// disagree on whether a channel exists.
	ErrLedgerLocalDivergence = errors.New("ledger and local store diverge")

	// ErrInsufficientBalance is returned when a funding or a ticket exceeds the available balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrNotYetClosed is returned by Withdraw before the settlement closed.
	ErrNotYetClosed = errors.New("settlement not yet closed")

	// ErrAlreadyWithdrawn is returned by Withdraw after a successful withdrawal.
	ErrAlreadyWithdrawn = errors.New("settlement already withdrawn")

	// ErrNoSettlement is returned when a channel has no settlement in progress.
	ErrNoSettlement = errors.New("no settlement in progress")

	// ErrNotStarted is returned by operations invoked before Start.
	ErrNotStarted = errors.New("engine not started")

	// ErrStopped is returned by operations invoked after Stop.
	ErrStopped = errors.New("engine stopped")

	// ErrSelfChannel is returned when the counterparty is the local account.
	ErrSelfChannel = errors.New("channel with self")

	// ErrUnboundCounterparty is returned when the counterparty announced no off-chain key.
	ErrUnboundCounterparty = errors.New("counterparty has no announced off-chain key")

	// ErrSignerMismatch is returned when a signature comes from a key other
	// than the one bound to the counterparty's account.
	ErrSignerMismatch = errors.New("signer is not the counterparty's bound key")

	// ErrTermsMismatch is returned when a signed state disagrees with the ledger.
	ErrTermsMismatch = errors.New("signed state does not match the ledger")
)

// DivergenceError reports which side believes a channel exists.
type DivergenceError struct {
	Channel     channel.ID   // Channel is the channel checked
	LedgerOpen  bool         // LedgerOpen is true if the ledger holds the channel
	LocalOpen   bool         // LocalOpen is true if a local record exists
	LedgerState channel.Kind // LedgerState is the ledger's variant
	LocalState  channel.Kind // LocalState is the local record's variant
}

func (e *DivergenceError) Error() string {
	side := "ledger"
	if e.LocalOpen {
		side = "local store"
	}

	return fmt.Sprintf("%v: channel %s open only in %s (ledger %s, local %s)",
		ErrLedgerLocalDivergence, e.Channel, side, e.LedgerState, e.LocalState)
}

func (e *DivergenceError) Unwrap() error { return ErrLedgerLocalDivergence }

// BalanceError carries the amount needed and the amount available.
type BalanceError struct {
	Need channel.Balance // Need is the requested amount
	Free channel.Balance // Free is what is available
}

func (e *BalanceError) Error() string {
	return fmt.Sprintf("%v: need %s, have %s", ErrInsufficientBalance, e.Need.Dec(), e.Free.Dec())
}

func (e *BalanceError) Unwrap() error { return ErrInsufficientBalance }

// ChannelFailure is one channel's failure during CloseAll.
type ChannelFailure struct {
	Channel      channel.ID      // Channel is the channel that failed
	Counterparty channel.Address // Counterparty is the other party
	Err          error           // Err is the settlement error
}

// CloseAllError aggregates the per-channel failures of CloseAll.
type CloseAllError struct {
	Failures []ChannelFailure
}

func (e *CloseAllError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = fmt.Sprintf("%s: %v", f.Channel.Short(), f.Err)
	}

	return fmt.Sprintf("%d channels failed to settle: %s", len(e.Failures), strings.Join(parts, "; "))
}

// Unwrap exposes the per-channel errors to errors.Is and errors.As.
func (e *CloseAllError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}

	return errs
}
