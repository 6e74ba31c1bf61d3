// Package records persists the latest signed state of every local channel.
package records

import (
	"fmt"

	"Paylane/internal/channel"
	"Paylane/internal/keyspace"
	"Paylane/internal/storage"
)

// Store maps a channel identity to its latest signed channel state.
type Store struct {
	kv keyspace.KV
}

// New creates a record store on the given KV store.
func New(kv keyspace.KV) *Store {
	return &Store{kv: kv}
}

// Get returns the record of a channel, or nil if none is stored.
func (s *Store) Get(id channel.ID) (*channel.SignedState, error) {
	data, err := s.kv.Get(keyspace.Channel(id))
	if err != nil {
		return nil, fmt.Errorf("read channel %s:\n%w", id.Short(), err)
	}

	if data == nil {
		return nil, nil
	}

	rec, err := channel.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode channel %s:\n%w", id.Short(), err)
	}

	return rec, nil
}

// Has reports whether a record exists for the channel.
func (s *Store) Has(id channel.ID) (bool, error) {
	data, err := s.kv.Get(keyspace.Channel(id))
	if err != nil {
		return false, fmt.Errorf("read channel %s:\n%w", id.Short(), err)
	}

	return data != nil, nil
}

// Put stores a record, replacing any previous one.
func (s *Store) Put(rec *channel.SignedState) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	if err := s.kv.Apply([]storage.Op{{Key: keyspace.Channel(rec.Channel), Value: channel.Encode(rec)}}); err != nil {
		return fmt.Errorf("write channel %s:\n%w", rec.Channel.Short(), err)
	}

	return nil
}

// Delete removes a channel's record together with extra keys, atomically.
func (s *Store) Delete(id channel.ID, extra ...[]byte) error {
	ops := make([]storage.Op, 0, 1+len(extra))
	ops = append(ops, storage.Op{Key: keyspace.Channel(id)})

	for _, k := range extra {
		ops = append(ops, storage.Op{Key: k})
	}

	if err := s.kv.Apply(ops); err != nil {
		return fmt.Errorf("delete channel %s:\n%w", id.Short(), err)
	}

	return nil
}

// Scan visits every record in ascending channel id order.
// The first error from decoding or from fn aborts the scan and is returned.
func (s *Store) Scan(fn func(rec *channel.SignedState) error) error {
	return keyspace.ScanPrefix(s.kv, keyspace.PrefixChannel, func(key, value []byte) error {
		rec, err := channel.Decode(value)
		if err != nil {
			return fmt.Errorf("decode record %x:\n%w", key[len(keyspace.PrefixChannel):], err)
		}

		return fn(rec)
	})
}

// Raw visits the encoded records in ascending channel id order.
func (s *Store) Raw(fn func(id channel.ID, data []byte) error) error {
	return keyspace.ScanPrefix(s.kv, keyspace.PrefixChannel, func(key, value []byte) error {
		var id channel.ID
		if len(key) != len(keyspace.PrefixChannel)+channel.IDSize {
			return fmt.Errorf("unexpected channel key %x", key)
		}
		copy(id[:], key[len(keyspace.PrefixChannel):])

		return fn(id, value)
	})
}
