// Package ticket encodes, signs and verifies probabilistic micropayment tickets.
//
// A ticket has a fixed wire width of Size bytes:
//
//	channel_id(32) | challenge_hash(32) | epoch(8) | channel_iteration(8) |
//	win_prob(8) | amount_len(1) | amount(amount_len, big-endian, minimal)
//
// followed by zero padding up to Size. A signed ticket is signature || ticket.
package ticket

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"Paylane/internal/channel"
)

const (
	// MaxAmountBytes is the widest amount a ticket can carry.
	MaxAmountBytes = 16

	// headerSize is the width of the fixed fields before the amount.
	headerSize = 32 + 32 + 8 + 8 + 8 + 1

	// Size is the canonical ticket width.
	Size = headerSize + MaxAmountBytes

	// AlwaysWins is the winning probability of a ticket that always wins.
	AlwaysWins = math.MaxUint64
)

var (
	// ErrTicketTooLarge is returned when a ticket's natural encoding exceeds Size.
	ErrTicketTooLarge = errors.New("ticket too large")

	// ErrMalformedTicket is returned when bytes do not decode to a ticket.
	ErrMalformedTicket = errors.New("malformed ticket")
)

// Ticket is a probabilistically redeemable claim against a channel.
type Ticket struct {
	Channel   channel.ID      // Channel is the channel the ticket draws on
	Amount    channel.Balance // Amount is paid if the ticket wins
	WinProb   uint64          // WinProb is the winning probability scaled to MaxUint64
	Challenge [32]byte        // Challenge commits to the issuer's secret half
	Epoch     uint64          // Epoch is the ticket epoch on the ledger
	Iteration uint64          // Iteration is the channel iteration the ticket is valid for
}

// Encode returns the canonical Size-byte encoding, zero padded on the right.
func Encode(t Ticket) ([]byte, error) {
	amount := t.Amount.Bytes()

	if headerSize+len(amount) > Size {
		return nil, fmt.Errorf("%w: amount needs %d bytes, max %d", ErrTicketTooLarge, len(amount), MaxAmountBytes)
	}

	buf := make([]byte, Size)
	copy(buf[0:32], t.Channel[:])
	copy(buf[32:64], t.Challenge[:])
	binary.BigEndian.PutUint64(buf[64:72], t.Epoch)
	binary.BigEndian.PutUint64(buf[72:80], t.Iteration)
	binary.BigEndian.PutUint64(buf[80:88], t.WinProb)
	buf[88] = byte(len(amount))
	copy(buf[headerSize:], amount)

	return buf, nil
}

// Decode parses a canonical ticket encoding.
// The buffer must be exactly Size bytes and the padding must be zero.
func Decode(buf []byte) (Ticket, error) {
	var t Ticket

	if len(buf) != Size {
		return t, fmt.Errorf("%w: %d bytes, want %d", ErrMalformedTicket, len(buf), Size)
	}

	amountLen := int(buf[88])
	if amountLen > MaxAmountBytes {
		return t, fmt.Errorf("%w: amount length %d", ErrMalformedTicket, amountLen)
	}

	amount := buf[headerSize : headerSize+amountLen]
	if amountLen > 0 && amount[0] == 0 {
		return t, fmt.Errorf("%w: amount not minimally encoded", ErrMalformedTicket)
	}

	if !isZero(buf[headerSize+amountLen:]) {
		return t, fmt.Errorf("%w: non-zero padding", ErrMalformedTicket)
	}

	copy(t.Channel[:], buf[0:32])
	copy(t.Challenge[:], buf[32:64])
	t.Epoch = binary.BigEndian.Uint64(buf[64:72])
	t.Iteration = binary.BigEndian.Uint64(buf[72:80])
	t.WinProb = binary.BigEndian.Uint64(buf[80:88])
	t.Amount.SetBytes(amount)

	return t, nil
}

// isZero reports whether every byte is zero.
func isZero(b []byte) bool {
	return len(bytes.TrimLeft(b, "\x00")) == 0
}

// Probability converts p in [0, 1] to the ticket's fixed-point representation.
func Probability(p float64) uint64 {
	switch {
	case p <= 0:
		return 0
	case p >= 1:
		return AlwaysWins
	default:
		return uint64(p * math.MaxUint64)
	}
}
