package backup

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"Paylane/internal/channel"
	"Paylane/internal/keyspace"
	"Paylane/internal/records"
	"Paylane/internal/signature"
	"Paylane/internal/storage"
)

var self = common.HexToAddress("0x10")

func newDB(t *testing.T) *storage.Storage {
	t.Helper()

	db, err := storage.NewInMemory()
	if err != nil {
		t.Fatalf("create storage: %v", err)
	}

	t.Cleanup(func() { db.Close() })

	return db
}

// seed stores Active records with each of the given counterparties.
func seed(t *testing.T, db *storage.Storage, peers ...channel.Address) []*channel.SignedState {
	t.Helper()

	key, err := signature.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	store := records.New(db)
	out := make([]*channel.SignedState, 0, len(peers))

	for i, peer := range peers {
		state, err := channel.NewActive(*uint256.NewInt(uint64(10 + i)), *uint256.NewInt(100))
		if err != nil {
			t.Fatalf("NewActive: %v", err)
		}

		rec := channel.NewSignedState(self, peer, 1, state)
		if err := rec.Sign(key); err != nil {
			t.Fatalf("Sign: %v", err)
		}

		if err := store.Put(rec); err != nil {
			t.Fatalf("Put: %v", err)
		}

		out = append(out, rec)
	}

	return out
}

func TestExportImport(t *testing.T) {
	src := newDB(t)
	recs := seed(t, src, common.HexToAddress("0x20"), common.HexToAddress("0x30"))

	// Unrelated namespaces stay out of the export.
	if err := src.Set(keyspace.OnChainSecret(), make([]byte, 32)); err != nil {
		t.Fatalf("Set: %v", err)
	}

	now := time.UnixMilli(1_700_000_000_000)

	data, err := Export(src, self, now)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	b, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if b.Account != self || !b.CreatedAt.Equal(now) || len(b.Records) != 2 {
		t.Fatalf("unexpected backup header %+v", b)
	}

	dst := newDB(t)

	n, err := Import(dst, self, data)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}

	if n != 2 {
		t.Errorf("expected 2 imported records, got %d", n)
	}

	store := records.New(dst)
	for _, want := range recs {
		got, err := store.Get(want.Channel)
		if err != nil || got == nil {
			t.Fatalf("Get %s: %v, %v", want.Channel.Short(), got, err)
		}

		if !got.SameTerms(want) {
			t.Errorf("record %s differs after import", want.Channel.Short())
		}
	}

	secret, _ := dst.Get(keyspace.OnChainSecret())
	if secret != nil {
		t.Error("secret should not travel in a backup")
	}
}

func TestImportRefusesOverwrite(t *testing.T) {
	src := newDB(t)
	seed(t, src, common.HexToAddress("0x20"), common.HexToAddress("0x30"))

	data, err := Export(src, self, time.Now())
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	dst := newDB(t)
	seed(t, dst, common.HexToAddress("0x30"))

	if _, err := Import(dst, self, data); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}

	// Nothing from the refused export lands.
	id := channel.NewID(self, common.HexToAddress("0x20"))
	if has, _ := records.New(dst).Has(id); has {
		t.Error("refused import wrote a record")
	}
}

func TestImportWrongAccount(t *testing.T) {
	src := newDB(t)
	seed(t, src, common.HexToAddress("0x20"))

	data, err := Export(src, self, time.Now())
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	if _, err := Import(newDB(t), common.HexToAddress("0x99"), data); !errors.Is(err, ErrWrongAccount) {
		t.Errorf("expected ErrWrongAccount, got %v", err)
	}
}

func TestDecodeDetectsTampering(t *testing.T) {
	b := &Backup{
		Version:   formatVersion,
		Account:   self,
		CreatedAt: time.UnixMilli(5),
		Records:   []Record{{Channel: channel.ID{1}, Data: []byte("state")}},
	}

	raw := build(b)

	// Flip a byte of the record payload.
	idx := bytes.Index(raw, []byte("state"))
	if idx < 0 {
		t.Fatal("payload not found in encoding")
	}
	raw[idx] ^= 0xff

	data, err := compress(raw)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}

	if _, err := Decode(data); !errors.Is(err, ErrChecksum) {
		t.Errorf("expected ErrChecksum, got %v", err)
	}
}

func TestDecodeGarbage(t *testing.T) {
	if _, err := Decode([]byte("not zstd")); !errors.Is(err, ErrMalformed) {
		t.Errorf("expected ErrMalformed, got %v", err)
	}

	data, err := compress([]byte{1, 2})
	if err != nil {
		t.Fatalf("compress: %v", err)
	}

	if _, err := Decode(data); !errors.Is(err, ErrMalformed) {
		t.Errorf("expected ErrMalformed for short table, got %v", err)
	}
}

func TestExportEmpty(t *testing.T) {
	data, err := Export(newDB(t), self, time.Now())
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	n, err := Import(newDB(t), self, data)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}

	if n != 0 {
		t.Errorf("expected 0 records, got %d", n)
	}
}
