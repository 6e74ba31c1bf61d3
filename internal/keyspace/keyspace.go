// Package keyspace defines the logical key layout the channel engine uses
// in the node's persisted store.
//
// Layout:
//
//	c:<channel_id>                    -> signed channel record
//	h:<channel_id><challenge_hash>    -> responder key half
//	n:<channel_id><nonce_hash>        -> consumed marker
//	s:onchain                         -> process-wide on-chain secret
package keyspace

import (
	"Paylane/internal/storage"
)

// HashSize is the width of channel ids, challenge hashes and nonce hashes.
const HashSize = 32

// Namespace prefixes.
var (
	PrefixChannel   = []byte("c:")
	PrefixChallenge = []byte("h:")
	PrefixNonce     = []byte("n:")

	onChainSecretKey = []byte("s:onchain")
)

// KV is the subset of the persisted store consumed by the engine.
// Get returns nil, nil when the key is absent.
type KV interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Delete(key []byte) error
	Apply(ops []storage.Op) error
	IterateRange(lower, upper []byte, fn func(key, value []byte) error) error
}

// Channel returns the record key for a channel.
func Channel(id [HashSize]byte) []byte {
	return join(PrefixChannel, id[:])
}

// Challenge returns the key of one challenge entry.
func Challenge(id, challengeHash [HashSize]byte) []byte {
	return join(PrefixChallenge, id[:], challengeHash[:])
}

// ChallengePrefix returns the prefix of all challenge entries of a channel.
func ChallengePrefix(id [HashSize]byte) []byte {
	return join(PrefixChallenge, id[:])
}

// Nonce returns the key of one consumed nonce.
func Nonce(id, nonceHash [HashSize]byte) []byte {
	return join(PrefixNonce, id[:], nonceHash[:])
}

// NoncePrefix returns the prefix of all nonce entries of a channel.
func NoncePrefix(id [HashSize]byte) []byte {
	return join(PrefixNonce, id[:])
}

// OnChainSecret returns the key of the process-wide secret.
func OnChainSecret() []byte {
	out := make([]byte, len(onChainSecretKey))
	copy(out, onChainSecretKey)
	return out
}

// ScanPrefix visits every pair under prefix in ascending key order.
func ScanPrefix(kv KV, prefix []byte, fn func(key, value []byte) error) error {
	return kv.IterateRange(prefix, storage.PrefixUpperBound(prefix), fn)
}

// join concatenates parts into a fresh slice.
func join(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}

	key := make([]byte, 0, n)
	for _, p := range parts {
		key = append(key, p...)
	}

	return key
}
