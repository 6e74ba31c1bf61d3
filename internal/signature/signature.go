// Package signature signs digests with recoverable secp256k1 signatures and
// recovers the signer's off-chain public key from them.
package signature

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	// Size is the width of a recoverable signature: R || S || V.
	Size = 65

	// PublicKeySize is the width of a compressed secp256k1 public key.
	PublicKeySize = 33

	// DigestSize is the width of a keccak256 digest.
	DigestSize = 32
)

// ErrUnrecoverableSigner is returned when no public key can be recovered
// from the signature material.
var ErrUnrecoverableSigner = errors.New("unrecoverable signer")

// Digest is the keccak256 hash of the concatenated parts.
func Digest(parts ...[]byte) [DigestSize]byte {
	var d [DigestSize]byte
	copy(d[:], crypto.Keccak256(parts...))
	return d
}

// Sign signs a digest with the given key.
func Sign(digest [DigestSize]byte, key *ecdsa.PrivateKey) ([]byte, error) {
	sig, err := crypto.Sign(digest[:], key)
	if err != nil {
		return nil, fmt.Errorf("sign digest:\n%w", err)
	}

	return sig, nil
}

// Recover returns the compressed public key that produced sig over digest.
// Malformed material (wrong size, bad recovery id, high S, out-of-range
// scalars, points off the curve) fails with ErrUnrecoverableSigner.
func Recover(digest [DigestSize]byte, sig []byte) ([]byte, error) {
	if len(sig) != Size {
		return nil, fmt.Errorf("%w: signature is %d bytes, want %d", ErrUnrecoverableSigner, len(sig), Size)
	}

	r := new(big.Int).SetBytes(sig[0:32])
	s := new(big.Int).SetBytes(sig[32:64])
	v := sig[64]

	if !crypto.ValidateSignatureValues(v, r, s, true) {
		return nil, fmt.Errorf("%w: invalid signature values", ErrUnrecoverableSigner)
	}

	pub, err := crypto.SigToPub(digest[:], sig)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnrecoverableSigner, err)
	}

	return crypto.CompressPubkey(pub), nil
}

// PublicKey returns the compressed public key of a private key.
func PublicKey(key *ecdsa.PrivateKey) []byte {
	return crypto.CompressPubkey(&key.PublicKey)
}

// Address returns the on-chain account of a private key.
func Address(key *ecdsa.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(key.PublicKey)
}

// AddressOf derives the on-chain account of a compressed public key.
func AddressOf(compressed []byte) (common.Address, error) {
	pub, err := crypto.DecompressPubkey(compressed)
	if err != nil {
		return common.Address{}, fmt.Errorf("decompress public key:\n%w", err)
	}

	return crypto.PubkeyToAddress(*pub), nil
}

// GenerateKey creates a new random secp256k1 key.
func GenerateKey() (*ecdsa.PrivateKey, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key:\n%w", err)
	}

	return key, nil
}

// KeyFromBytes parses a 32-byte secp256k1 private scalar.
func KeyFromBytes(b []byte) (*ecdsa.PrivateKey, error) {
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, fmt.Errorf("parse private key:\n%w", err)
	}

	return key, nil
}

// KeyBytes returns the 32-byte private scalar of key.
func KeyBytes(key *ecdsa.PrivateKey) []byte {
	return crypto.FromECDSA(key)
}
