package storage

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
)

// newTestStorage creates a storage in a temporary directory for testing.
func newTestStorage(t *testing.T) *Storage {
	t.Helper()

	s, err := New(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}

	t.Cleanup(func() { s.Close() })

	return s
}

func TestSetAndGet(t *testing.T) {
	s := newTestStorage(t)

	key := []byte("test-key")
	value := []byte("test-value")

	if err := s.Set(key, value); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, err := s.Get(key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if !bytes.Equal(got, value) {
		t.Errorf("Get returned %q, want %q", got, value)
	}
}

func TestGetNonExistent(t *testing.T) {
	s := newTestStorage(t)

	got, err := s.Get([]byte("non-existent"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if got != nil {
		t.Errorf("Get returned %q, want nil", got)
	}
}

func TestDelete(t *testing.T) {
	s := newTestStorage(t)

	key := []byte("to-delete")

	if err := s.Set(key, []byte("value")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	if err := s.Delete(key); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	got, err := s.Get(key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if got != nil {
		t.Errorf("Get after Delete returned %q, want nil", got)
	}
}

func TestApplyMixedOps(t *testing.T) {
	s := newTestStorage(t)

	if err := s.Set([]byte("old"), []byte("gone soon")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	ops := []Op{
		{Key: []byte("batch-1"), Value: []byte("value-1")},
		{Key: []byte("batch-2"), Value: []byte("value-2")},
		{Key: []byte("old")},
	}

	if err := s.Apply(ops); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	for _, op := range ops[:2] {
		got, _ := s.Get(op.Key)
		if !bytes.Equal(got, op.Value) {
			t.Errorf("Get(%q) = %q, want %q", op.Key, got, op.Value)
		}
	}

	if got, _ := s.Get([]byte("old")); got != nil {
		t.Errorf("deleted key still present: %q", got)
	}
}

func TestIteratePrefixOrdered(t *testing.T) {
	s := newTestStorage(t)

	for _, k := range []string{"c:03", "c:01", "n:01", "c:02", "b:99"} {
		if err := s.Set([]byte(k), []byte(k)); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
	}

	var keys []string
	err := s.IteratePrefix([]byte("c:"), func(key, _ []byte) error {
		keys = append(keys, string(key))
		return nil
	})
	if err != nil {
		t.Fatalf("IteratePrefix failed: %v", err)
	}

	want := []string{"c:01", "c:02", "c:03"}
	if len(keys) != len(want) {
		t.Fatalf("got %v, want %v", keys, want)
	}

	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("key %d = %s, want %s", i, keys[i], want[i])
		}
	}
}

func TestIterateRangeStopsOnError(t *testing.T) {
	s := newTestStorage(t)

	for _, k := range []string{"a", "b", "c"} {
		s.Set([]byte(k), []byte(k))
	}

	stop := errors.New("stop")
	visited := 0

	err := s.IterateRange([]byte("a"), []byte("z"), func(_, _ []byte) error {
		visited++
		if visited == 2 {
			return stop
		}
		return nil
	})

	if !errors.Is(err, stop) {
		t.Fatalf("expected stop error, got %v", err)
	}

	if visited != 2 {
		t.Errorf("visited %d keys, want 2", visited)
	}
}

func TestPrefixUpperBound(t *testing.T) {
	cases := []struct {
		in   []byte
		want []byte
	}{
		{[]byte("c:"), []byte("c;")},
		{[]byte{0x01, 0xFF}, []byte{0x02}},
		{[]byte{0xFF, 0xFF}, nil},
	}

	for _, tc := range cases {
		got := PrefixUpperBound(tc.in)
		if !bytes.Equal(got, tc.want) {
			t.Errorf("PrefixUpperBound(%x) = %x, want %x", tc.in, got, tc.want)
		}
	}
}

func TestInMemory(t *testing.T) {
	s, err := NewInMemory()
	if err != nil {
		t.Fatalf("NewInMemory failed: %v", err)
	}
	defer s.Close()

	if err := s.Set([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, _ := s.Get([]byte("k"))
	if string(got) != "v" {
		t.Errorf("Get returned %q, want v", got)
	}
}
