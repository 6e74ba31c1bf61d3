package ticket

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"

	"Paylane/internal/signature"
)

// SignedSize is the width of a signed ticket.
const SignedSize = signature.Size + Size

// ticketDomain separates ticket digests from channel state digests.
var ticketDomain = []byte("paylane-ticket")

var (
	// ErrUnrecoverableSigner is returned when the signature yields no public key.
	ErrUnrecoverableSigner = signature.ErrUnrecoverableSigner

	// ErrWrongSigner is returned when a ticket was signed by another key than expected.
	ErrWrongSigner = errors.New("ticket signed by unexpected key")
)

// Signed is a decoded signed ticket.
type Signed struct {
	Ticket    Ticket // Ticket is the decoded ticket
	Signature []byte // Signature is R || S || V over the ticket digest
	raw       []byte // raw is the canonical ticket encoding
}

// Sign encodes and signs a ticket, returning signature || ticket.
func Sign(t Ticket, key *ecdsa.PrivateKey) ([]byte, error) {
	encoded, err := Encode(t)
	if err != nil {
		return nil, err
	}

	sig, err := signature.Sign(digest(encoded), key)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, SignedSize)
	out = append(out, sig...)
	out = append(out, encoded...)

	return out, nil
}

// DecodeSigned splits a signed ticket into its two fixed regions and decodes the ticket.
func DecodeSigned(buf []byte) (*Signed, error) {
	if len(buf) > SignedSize {
		return nil, fmt.Errorf("%w: signed ticket is %d bytes, max %d", ErrTicketTooLarge, len(buf), SignedSize)
	}

	if len(buf) < SignedSize {
		return nil, fmt.Errorf("%w: signed ticket is %d bytes, want %d", ErrMalformedTicket, len(buf), SignedSize)
	}

	sig := make([]byte, signature.Size)
	copy(sig, buf[:signature.Size])

	raw := make([]byte, Size)
	copy(raw, buf[signature.Size:])

	t, err := Decode(raw)
	if err != nil {
		return nil, err
	}

	return &Signed{Ticket: t, Signature: sig, raw: raw}, nil
}

// Signer recovers the compressed off-chain key that signed the ticket.
func (s *Signed) Signer() ([]byte, error) {
	return signature.Recover(digest(s.raw), s.Signature)
}

// VerifySigner checks that the ticket was signed by want.
func (s *Signed) VerifySigner(want []byte) error {
	got, err := s.Signer()
	if err != nil {
		return err
	}

	if !bytes.Equal(got, want) {
		return fmt.Errorf("%w: got %x, want %x", ErrWrongSigner, got, want)
	}

	return nil
}

// Hash is the ticket digest; it identifies the ticket in the winning check.
func (s *Signed) Hash() [32]byte {
	return digest(s.raw)
}

// Bytes returns signature || ticket.
func (s *Signed) Bytes() []byte {
	out := make([]byte, 0, SignedSize)
	out = append(out, s.Signature...)
	return append(out, s.raw...)
}

// IsWinning reports whether the ticket wins given the revealed response:
// the first 8 bytes of keccak256(hash || response) must not exceed WinProb.
func (s *Signed) IsWinning(response [32]byte) bool {
	h := s.Hash()
	luck := crypto.Keccak256(h[:], response[:])

	return binary.BigEndian.Uint64(luck[:8]) <= s.Ticket.WinProb
}

// digest is the keccak256 of the domain-separated ticket encoding.
func digest(encoded []byte) [32]byte {
	return signature.Digest(ticketDomain, encoded)
}
