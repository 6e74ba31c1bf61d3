package channel

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

// Balance is a 256-bit token amount.
type Balance = uint256.Int

var (
	// ErrInvalidState is returned when a query needs balances but the state
	// variant does not carry them.
	ErrInvalidState = errors.New("invalid channel state")

	// ErrBalanceExceedsTotal is returned when balance_a > balance_total.
	ErrBalanceExceedsTotal = errors.New("balance_a exceeds balance_total")
)

// Kind tags the channel state variants.
type Kind uint8

const (
	KindUninitialized Kind = iota
	KindFunded
	KindActive
	KindPendingSettlement
)

// String returns the lower-case name of the kind.
func (k Kind) String() string {
	switch k {
	case KindUninitialized:
		return "uninitialized"
	case KindFunded:
		return "funded"
	case KindActive:
		return "active"
	case KindPendingSettlement:
		return "pending_settlement"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// State is one of Uninitialized, Funded, Active or PendingSettlement.
type State interface {
	Kind() Kind
	isState()
}

// Uninitialized is a channel the ledger and the store know nothing about.
type Uninitialized struct{}

// Funded is a channel with escrowed funds that is not yet mutually activated.
type Funded struct {
	BalanceA     Balance
	BalanceTotal Balance
}

// Active is a channel usable for payments.
type Active struct {
	BalanceA     Balance
	BalanceTotal Balance
}

// PendingSettlement is a channel whose dispute window is running.
// SettlementRound is the ledger time, in unix milliseconds, at which the window closes.
type PendingSettlement struct {
	BalanceA        Balance
	BalanceTotal    Balance
	SettlementRound uint64
}

func (Uninitialized) Kind() Kind     { return KindUninitialized }
func (Funded) Kind() Kind            { return KindFunded }
func (Active) Kind() Kind            { return KindActive }
func (PendingSettlement) Kind() Kind { return KindPendingSettlement }

func (Uninitialized) isState()     {}
func (Funded) isState()            {}
func (Active) isState()            {}
func (PendingSettlement) isState() {}

// NewFunded builds a Funded state, rejecting balanceA > total.
func NewFunded(balanceA, total Balance) (Funded, error) {
	if err := checkBalances(&balanceA, &total); err != nil {
		return Funded{}, err
	}

	return Funded{BalanceA: balanceA, BalanceTotal: total}, nil
}

// NewActive builds an Active state, rejecting balanceA > total.
func NewActive(balanceA, total Balance) (Active, error) {
	if err := checkBalances(&balanceA, &total); err != nil {
		return Active{}, err
	}

	return Active{BalanceA: balanceA, BalanceTotal: total}, nil
}

// NewPendingSettlement builds a PendingSettlement state, rejecting balanceA > total.
func NewPendingSettlement(balanceA, total Balance, round uint64) (PendingSettlement, error) {
	if err := checkBalances(&balanceA, &total); err != nil {
		return PendingSettlement{}, err
	}

	return PendingSettlement{BalanceA: balanceA, BalanceTotal: total, SettlementRound: round}, nil
}

// checkBalances enforces balance_a <= balance_total.
func checkBalances(a, total *Balance) error {
	if a.Gt(total) {
		return fmt.Errorf("%w: %s > %s", ErrBalanceExceedsTotal, a.Dec(), total.Dec())
	}
	return nil
}

// Balances returns balance_a and balance_total of a state carrying balances.
// Any other variant fails with ErrInvalidState.
func Balances(s State) (Balance, Balance, error) {
	switch v := s.(type) {
	case Funded:
		return v.BalanceA, v.BalanceTotal, nil
	case Active:
		return v.BalanceA, v.BalanceTotal, nil
	case PendingSettlement:
		return v.BalanceA, v.BalanceTotal, nil
	default:
		return Balance{}, Balance{}, &StateError{Got: kindOf(s), Want: []Kind{KindFunded, KindActive, KindPendingSettlement}}
	}
}

// CurrentBalance returns the local party's share: balance_a for party A,
// balance_total - balance_a otherwise.
func CurrentBalance(s State, selfIsPartyA bool) (Balance, error) {
	a, total, err := Balances(s)
	if err != nil {
		return Balance{}, err
	}

	if selfIsPartyA {
		return a, nil
	}

	// Constructors and decoding guarantee a <= total.
	var b Balance
	b.Sub(&total, &a)

	return b, nil
}

// Activate returns the Active state with the same balances as a Funded one.
func Activate(s State) (Active, error) {
	f, ok := s.(Funded)
	if !ok {
		return Active{}, &StateError{Got: kindOf(s), Want: []Kind{KindFunded}}
	}

	return Active(f), nil
}

// kindOf tolerates a nil state.
func kindOf(s State) Kind {
	if s == nil {
		return KindUninitialized
	}
	return s.Kind()
}

// StateError reports a channel in a variant other than the one an operation needs.
type StateError struct {
	Channel ID     // Channel is zero when the state was queried without one
	Want    []Kind // Want lists the accepted variants
	Got     Kind   // Got is the observed variant
}

// Error implements error.
func (e *StateError) Error() string {
	if e.Channel.IsZero() {
		return fmt.Sprintf("%v: got %s, want one of %v", ErrInvalidState, e.Got, e.Want)
	}
	return fmt.Sprintf("%v: channel %s is %s, want one of %v", ErrInvalidState, e.Channel, e.Got, e.Want)
}

// Unwrap makes errors.Is(err, ErrInvalidState) hold.
func (e *StateError) Unwrap() error {
	return ErrInvalidState
}

// WithChannel attaches the channel identity to a StateError, leaving other errors untouched.
func WithChannel(err error, id ID) error {
	var se *StateError
	if errors.As(err, &se) && se.Channel.IsZero() {
		cp := *se
		cp.Channel = id
		return &cp
	}
	return err
}
