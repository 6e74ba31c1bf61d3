package channel

import (
	"bytes"
	"encoding/hex"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Address is a 20-byte on-chain account identifier.
type Address = common.Address

// IDSize is the width of a channel identity.
const IDSize = 32

// ID is the ChannelIdentity: keccak256(partyA || partyB).
type ID [IDSize]byte

// NewID derives the channel identity of two accounts.
// The result does not depend on argument order.
func NewID(x, y Address) ID {
	a, b := Order(x, y)

	var id ID
	copy(id[:], crypto.Keccak256(a[:], b[:]))

	return id
}

// Order returns the two accounts as (party A, party B), A being numerically smaller.
func Order(x, y Address) (Address, Address) {
	if bytes.Compare(x[:], y[:]) <= 0 {
		return x, y
	}
	return y, x
}

// IsPartyA reports whether self is party A of a channel with other.
func IsPartyA(self, other Address) bool {
	a, _ := Order(self, other)
	return a == self
}

// String returns the hex encoding of the id.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns the first 4 bytes in hex, for logs.
func (id ID) Short() string {
	return hex.EncodeToString(id[:4])
}

// IsZero reports whether the id is all zeroes.
func (id ID) IsZero() bool {
	return id == ID{}
}

// ParseID decodes a hex channel identity.
func ParseID(s string) (ID, bool) {
	var id ID

	b, err := hex.DecodeString(s)
	if err != nil || len(b) != IDSize {
		return id, false
	}

	copy(id[:], b)

	return id, true
}
