package channel

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"fmt"

	"Paylane/internal/signature"
)

// stateDomain separates channel state digests from ticket digests.
var stateDomain = []byte("paylane-channel-state")

var (
	// ErrBadSignature is returned when a record's signature does not recover to its signer.
	ErrBadSignature = errors.New("channel state signature does not match signer")

	// ErrMalformedRecord is returned when a stored or received record cannot be decoded.
	ErrMalformedRecord = errors.New("malformed channel record")
)

// SignedState is a channel state together with the signature of the party
// that last updated it and that party's off-chain public key.
type SignedState struct {
	Channel   ID      // Channel is the channel identity
	PartyA    Address // PartyA is the numerically smaller account
	PartyB    Address // PartyB is the other account
	Iteration uint64  // Iteration is the ledger's channel iteration
	State     State   // State is the signed channel state
	Signer    []byte  // Signer is the compressed off-chain key of the signer
	Signature []byte  // Signature is R || S || V over Digest()
}

// NewSignedState builds an unsigned record for the channel between self and other.
func NewSignedState(self, other Address, iteration uint64, s State) *SignedState {
	a, b := Order(self, other)

	return &SignedState{
		Channel:   NewID(a, b),
		PartyA:    a,
		PartyB:    b,
		Iteration: iteration,
		State:     s,
	}
}

// WithState returns an unsigned copy carrying a new state.
func (s *SignedState) WithState(next State) *SignedState {
	return &SignedState{
		Channel:   s.Channel,
		PartyA:    s.PartyA,
		PartyB:    s.PartyB,
		Iteration: s.Iteration,
		State:     next,
	}
}

// Counterparty returns the party that is not self.
func (s *SignedState) Counterparty(self Address) Address {
	if s.PartyA == self {
		return s.PartyB
	}
	return s.PartyA
}

// Digest returns the keccak256 digest the signature covers.
// Signer and signature are excluded.
func (s *SignedState) Digest() [signature.DigestSize]byte {
	a, total, _ := Balances(s.State)
	aBytes := a.Bytes32()
	totalBytes := total.Bytes32()

	var round uint64
	if p, ok := s.State.(PendingSettlement); ok {
		round = p.SettlementRound
	}

	var nums [17]byte
	nums[0] = byte(kindOf(s.State))
	binary.BigEndian.PutUint64(nums[1:9], round)
	binary.BigEndian.PutUint64(nums[9:17], s.Iteration)

	return signature.Digest(stateDomain, s.Channel[:], s.PartyA[:], s.PartyB[:], aBytes[:], totalBytes[:], nums[:])
}

// Sign signs the record with key and records the key's public half as signer.
func (s *SignedState) Sign(key *ecdsa.PrivateKey) error {
	sig, err := signature.Sign(s.Digest(), key)
	if err != nil {
		return err
	}

	s.Signature = sig
	s.Signer = signature.PublicKey(key)

	return nil
}

// Verify checks that the signature recovers to Signer.
func (s *SignedState) Verify() error {
	pub, err := signature.Recover(s.Digest(), s.Signature)
	if err != nil {
		return err
	}

	if !bytes.Equal(pub, s.Signer) {
		return fmt.Errorf("%w: recovered %x, record names %x", ErrBadSignature, pub, s.Signer)
	}

	return nil
}

// SameTerms reports whether two records describe the same channel, iteration and state.
func (s *SignedState) SameTerms(o *SignedState) bool {
	return s.Channel == o.Channel &&
		s.PartyA == o.PartyA &&
		s.PartyB == o.PartyB &&
		s.Iteration == o.Iteration &&
		s.State == o.State
}

// Validate checks the structural invariants of a record.
func (s *SignedState) Validate() error {
	if bytes.Compare(s.PartyA[:], s.PartyB[:]) >= 0 {
		return fmt.Errorf("%w: parties not in canonical order", ErrMalformedRecord)
	}

	if NewID(s.PartyA, s.PartyB) != s.Channel {
		return fmt.Errorf("%w: channel id does not match parties", ErrMalformedRecord)
	}

	if s.State == nil {
		return fmt.Errorf("%w: missing state", ErrMalformedRecord)
	}

	if s.State.Kind() != KindUninitialized {
		a, total, _ := Balances(s.State)
		if err := checkBalances(&a, &total); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedRecord, err)
		}
	}

	return nil
}
