package api

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"Paylane/internal/channel"
	"Paylane/internal/ticket"
)

// maxBodySize bounds a JSON request body.
const maxBodySize = 16 << 10

// openRequest is the body of POST /channels.
type openRequest struct {
	Counterparty string `json:"counterparty"`
	Own          string `json:"own"`    // decimal amount escrowed for the local party
	Theirs       string `json:"theirs"` // decimal amount credited to the counterparty
}

// issueRequest is the body of POST /tickets.
type issueRequest struct {
	Counterparty string `json:"counterparty"`
	Amount       string `json:"amount"`
	WinProb      uint64 `json:"winProb"`
	Challenge    string `json:"challenge"` // 32-byte hex challenge hash
	Epoch        uint64 `json:"epoch"`
	Send         bool   `json:"send"` // deliver the ticket to the counterparty
}

// acceptRequest is the body of POST /tickets/accept.
type acceptRequest struct {
	Counterparty string `json:"counterparty"`
	Ticket       string `json:"ticket"` // signed ticket hex
}

// decodeBody reads a bounded JSON body into v, rejecting unknown fields.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid body: %v", err)
	}

	return nil
}

// parseAddress parses a 0x-prefixed 20-byte account.
func parseAddress(s string) (channel.Address, error) {
	if !common.IsHexAddress(s) {
		return channel.Address{}, fmt.Errorf("invalid account %q", s)
	}

	return common.HexToAddress(s), nil
}

// parseAmount parses a non-negative decimal amount.
func parseAmount(s string) (channel.Balance, error) {
	if s == "" {
		return channel.Balance{}, fmt.Errorf("missing amount")
	}

	v, err := uint256.FromDecimal(s)
	if err != nil {
		return channel.Balance{}, fmt.Errorf("invalid amount %q: %v", s, err)
	}

	return *v, nil
}

// parseHash parses a 32-byte hex value, with or without 0x.
func parseHash(s string) ([32]byte, error) {
	var out [32]byte

	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil || len(b) != len(out) {
		return out, fmt.Errorf("invalid 32-byte hex %q", s)
	}

	copy(out[:], b)
	return out, nil
}

// parseTicket parses a signed ticket in hex. Length faults are left to the
// ticket decoder so they keep their error class.
func parseTicket(s string) ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid hex: %v", ticket.ErrMalformedTicket, err)
	}

	if len(b) > 2*ticket.SignedSize {
		return nil, fmt.Errorf("%w: %d bytes", ticket.ErrTicketTooLarge, len(b))
	}

	return b, nil
}
