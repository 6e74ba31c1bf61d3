package nonce

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"Paylane/internal/storage"
)

// newTestGuard creates a guard on an in-memory store.
func newTestGuard(t *testing.T) *Guard {
	t.Helper()

	db, err := storage.NewInMemory()
	if err != nil {
		t.Fatalf("create storage: %v", err)
	}

	t.Cleanup(func() { db.Close() })

	return New(db)
}

func TestTestAndSetTwice(t *testing.T) {
	g := newTestGuard(t)
	id := [32]byte{0x01}
	sig := []byte("signature-bytes")

	if err := g.TestAndSet(id, sig); err != nil {
		t.Fatalf("first TestAndSet: %v", err)
	}

	err := g.TestAndSet(id, sig)
	if !errors.Is(err, ErrNonceReplay) {
		t.Fatalf("expected ErrNonceReplay, got %v", err)
	}

	var re *ReplayError
	if !errors.As(err, &re) || re.Nonce != Of(sig) {
		t.Errorf("replay error lacks the nonce: %v", err)
	}
}

func TestTestAndSetPerChannel(t *testing.T) {
	g := newTestGuard(t)
	sig := []byte("shared")

	if err := g.TestAndSet([32]byte{0x01}, sig); err != nil {
		t.Fatalf("channel 1: %v", err)
	}

	if err := g.TestAndSet([32]byte{0x02}, sig); err != nil {
		t.Errorf("same signature on another channel rejected: %v", err)
	}

	seen, _ := g.Seen([32]byte{0x03}, sig)
	if seen {
		t.Error("Seen reports an unused channel")
	}
}

func TestTestAndSetConcurrent(t *testing.T) {
	g := newTestGuard(t)
	id := [32]byte{0x07}
	sig := []byte("raced")

	var wins atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.TestAndSet(id, sig) == nil {
				wins.Add(1)
			}
		}()
	}

	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("%d concurrent callers succeeded, want 1", wins.Load())
	}
}
