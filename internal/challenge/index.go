// Package challenge records responder key halves per channel and
// reconstructs the redemption secret from them.
package challenge

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"Paylane/internal/keyspace"
)

// HalfSize is the width of a key half.
const HalfSize = 32

// ErrConflictingChallenge is returned when a challenge hash is recorded twice
// with different key halves.
var ErrConflictingChallenge = errors.New("conflicting challenge")

// ConflictError carries the channel and challenge of a conflicting record.
type ConflictError struct {
	Channel   [32]byte // Channel is the channel of the challenge
	Challenge [32]byte // Challenge is the challenge hash
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: channel %x challenge %x", ErrConflictingChallenge, e.Channel[:4], e.Challenge[:4])
}

func (e *ConflictError) Unwrap() error { return ErrConflictingChallenge }

// Index stores one key half per (channel, challenge hash).
type Index struct {
	kv       keyspace.KV // kv is the backing store
	combiner Combiner    // combiner folds halves in Reconstruct
	mu       sync.Mutex  // mu serializes read-compare-write in Record
}

// New creates a challenge index. A nil combiner selects XOR.
func New(kv keyspace.KV, combiner Combiner) *Index {
	if combiner == nil {
		combiner = XOR{}
	}

	return &Index{kv: kv, combiner: combiner}
}

// Combiner returns the combination function in use.
func (i *Index) Combiner() Combiner {
	return i.combiner
}

// Record stores a key half for a challenge.
// Recording an identical half again is a no-op; a different half is a ConflictError.
func (i *Index) Record(id, challengeHash, keyHalf [32]byte) error {
	key := keyspace.Challenge(id, challengeHash)

	i.mu.Lock()
	defer i.mu.Unlock()

	existing, err := i.kv.Get(key)
	if err != nil {
		return fmt.Errorf("read challenge:\n%w", err)
	}

	if existing != nil {
		if bytes.Equal(existing, keyHalf[:]) {
			return nil
		}

		return &ConflictError{Channel: id, Challenge: challengeHash}
	}

	if err := i.kv.Set(key, keyHalf[:]); err != nil {
		return fmt.Errorf("write challenge:\n%w", err)
	}

	return nil
}

// Reconstruct combines every recorded half of a channel.
// ok is false when the channel has no challenges on record.
func (i *Index) Reconstruct(id [32]byte) (secret [32]byte, ok bool, err error) {
	err = keyspace.ScanPrefix(i.kv, keyspace.ChallengePrefix(id), func(_, value []byte) error {
		if len(value) != HalfSize {
			return fmt.Errorf("challenge entry has %d bytes, want %d", len(value), HalfSize)
		}

		var half [32]byte
		copy(half[:], value)

		if !ok {
			secret, ok = half, true
			return nil
		}

		combined, err := i.combiner.Combine(secret, half)
		if err != nil {
			return fmt.Errorf("combine challenge:\n%w", err)
		}

		secret = combined
		return nil
	})
	if err != nil {
		return [32]byte{}, false, err
	}

	return secret, ok, nil
}

// Count returns the number of challenges recorded for a channel.
func (i *Index) Count(id [32]byte) (int, error) {
	n := 0
	err := keyspace.ScanPrefix(i.kv, keyspace.ChallengePrefix(id), func(_, _ []byte) error {
		n++
		return nil
	})

	return n, err
}

// Keys returns the store keys of every challenge of a channel,
// so a caller can delete them in the same batch as the channel record.
func (i *Index) Keys(id [32]byte) ([][]byte, error) {
	var keys [][]byte
	err := keyspace.ScanPrefix(i.kv, keyspace.ChallengePrefix(id), func(key, _ []byte) error {
		keys = append(keys, append([]byte(nil), key...))
		return nil
	})

	return keys, err
}
