package main

import (
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"Paylane/internal/signature"
)

func TestParsePeers(t *testing.T) {
	a := "0x00000000000000000000000000000000000000aa"
	b := "0x00000000000000000000000000000000000000bb"

	peers, err := parsePeers(a + "@127.0.0.1:9001, " + b + "@host:9002,")
	if err != nil {
		t.Fatalf("parsePeers: %v", err)
	}

	if len(peers) != 2 {
		t.Fatalf("expected 2 peers, got %d", len(peers))
	}

	if peers[0].account != common.HexToAddress(a) || peers[0].addr != "127.0.0.1:9001" {
		t.Errorf("unexpected first peer %+v", peers[0])
	}

	if peers[1].account != common.HexToAddress(b) || peers[1].addr != "host:9002" {
		t.Errorf("unexpected second peer %+v", peers[1])
	}
}

func TestParsePeersInvalid(t *testing.T) {
	for _, s := range []string{"nohost", "0x12@", "bad@127.0.0.1:1"} {
		if _, err := parsePeers(s); err == nil {
			t.Errorf("expected error for %q", s)
		}
	}
}

func TestParsePeersEmpty(t *testing.T) {
	peers, err := parsePeers("")
	if err != nil || len(peers) != 0 {
		t.Errorf("expected no peers, got %v, %v", peers, err)
	}
}

func TestKeyPersistsAcrossLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key")

	first, err := loadOrGenerateKey(path)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	second, err := loadOrGenerateKey(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if signature.Address(first) != signature.Address(second) {
		t.Error("reloaded key differs from the generated one")
	}
}

func TestConfigCombiner(t *testing.T) {
	cfg := &Config{Combiner: "scalar", LogLevel: "debug"}

	c, err := cfg.combiner()
	if err != nil {
		t.Fatalf("combiner: %v", err)
	}

	if c.Name() != "scalar" {
		t.Errorf("expected scalar, got %s", c.Name())
	}

	if _, err := cfg.level(); err != nil {
		t.Errorf("level: %v", err)
	}

	cfg.Combiner = "sum"
	if _, err := cfg.combiner(); err == nil {
		t.Error("expected error for unknown combiner")
	}
}
