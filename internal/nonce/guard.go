// Package nonce marks signed messages as consumed so they cannot be replayed.
package nonce

import (
	"errors"
	"fmt"
	"sync"

	"github.com/zeebo/blake3"

	"Paylane/internal/keyspace"
)

// stripes is the number of lock stripes; channels hash onto one by their first byte.
const stripes = 64

// ErrNonceReplay is returned when a signature has already been consumed.
var ErrNonceReplay = errors.New("nonce replay")

// consumed is the value stored under a nonce key.
var consumed = []byte{0x01}

// ReplayError carries the channel and nonce of a replayed signature.
type ReplayError struct {
	Channel [32]byte // Channel is the channel the signature was presented on
	Nonce   [32]byte // Nonce is the blake3 hash of the signature
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("%s: channel %x nonce %x", ErrNonceReplay, e.Channel[:4], e.Nonce[:4])
}

func (e *ReplayError) Unwrap() error { return ErrNonceReplay }

// Guard is the persisted set of consumed signatures.
// Entries are never removed.
type Guard struct {
	kv    keyspace.KV
	locks [stripes]sync.Mutex
}

// New creates a nonce guard on the given store.
func New(kv keyspace.KV) *Guard {
	return &Guard{kv: kv}
}

// Of derives the nonce of a signature.
func Of(signature []byte) [32]byte {
	return blake3.Sum256(signature)
}

// TestAndSet consumes the signature's nonce on the channel.
// It returns a ReplayError if the nonce was already consumed. The check and
// the insert happen under the channel's lock, so two concurrent callers
// with the same signature never both succeed.
func (g *Guard) TestAndSet(id [32]byte, signature []byte) error {
	n := Of(signature)
	key := keyspace.Nonce(id, n)

	mu := &g.locks[int(id[0])%stripes]
	mu.Lock()
	defer mu.Unlock()

	existing, err := g.kv.Get(key)
	if err != nil {
		return fmt.Errorf("read nonce:\n%w", err)
	}

	if existing != nil {
		return &ReplayError{Channel: id, Nonce: n}
	}

	if err := g.kv.Set(key, consumed); err != nil {
		return fmt.Errorf("write nonce:\n%w", err)
	}

	return nil
}

// Seen reports whether the signature was consumed on the channel.
func (g *Guard) Seen(id [32]byte, signature []byte) (bool, error) {
	v, err := g.kv.Get(keyspace.Nonce(id, Of(signature)))
	if err != nil {
		return false, fmt.Errorf("read nonce:\n%w", err)
	}

	return v != nil, nil
}
