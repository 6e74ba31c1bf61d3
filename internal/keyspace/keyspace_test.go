package keyspace

import (
	"bytes"
	"testing"
)

func TestKeysAreNamespaced(t *testing.T) {
	id := [HashSize]byte{0xAA}
	h := [HashSize]byte{0xBB}

	cases := []struct {
		key    []byte
		prefix []byte
		size   int
	}{
		{Channel(id), PrefixChannel, 2 + 32},
		{Challenge(id, h), PrefixChallenge, 2 + 64},
		{Nonce(id, h), PrefixNonce, 2 + 64},
	}

	for _, tc := range cases {
		if !bytes.HasPrefix(tc.key, tc.prefix) {
			t.Errorf("key %x lacks prefix %q", tc.key, tc.prefix)
		}

		if len(tc.key) != tc.size {
			t.Errorf("key %x has size %d, want %d", tc.key, len(tc.key), tc.size)
		}
	}
}

func TestChallengePrefixCoversEntries(t *testing.T) {
	id := [HashSize]byte{0x01}
	other := [HashSize]byte{0x02}
	h := [HashSize]byte{0xFF}

	if !bytes.HasPrefix(Challenge(id, h), ChallengePrefix(id)) {
		t.Error("challenge entry not under its channel prefix")
	}

	if bytes.HasPrefix(Challenge(other, h), ChallengePrefix(id)) {
		t.Error("challenge entry of another channel under this prefix")
	}

	if !bytes.HasPrefix(Nonce(id, h), NoncePrefix(id)) {
		t.Error("nonce entry not under its channel prefix")
	}
}

func TestOnChainSecretIsCopy(t *testing.T) {
	k := OnChainSecret()
	k[0] = 'x'

	if OnChainSecret()[0] != 's' {
		t.Error("OnChainSecret returned shared backing array")
	}
}
