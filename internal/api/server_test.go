package api

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/holiman/uint256"

	"Paylane/internal/channel"
	"Paylane/internal/devnet"
	"Paylane/internal/engine"
	"Paylane/internal/signature"
	"Paylane/internal/storage"
	"Paylane/internal/ticket"
)

// directPeers hands activation requests straight to the other engine.
type directPeers struct {
	mu      sync.Mutex
	engines map[channel.Address]*engine.Engine
}

func (d *directPeers) RequestActivation(ctx context.Context, peer channel.Address, proposal *channel.SignedState) (*channel.SignedState, error) {
	d.mu.Lock()
	e := d.engines[peer]
	d.mu.Unlock()

	return e.HandleActivation(ctx, proposal.Counterparty(peer), proposal)
}

func (d *directPeers) SendTicket(ctx context.Context, peer channel.Address, signed []byte) error {
	return nil
}

// fixture is two engines on a development ledger, with an API over the first.
type fixture struct {
	local  *engine.Engine
	remote *engine.Engine
	srv    *httptest.Server
}

func newFixture(t *testing.T, window time.Duration) *fixture {
	t.Helper()

	ledger := devnet.New(devnet.Config{Window: window, Finality: 5 * time.Millisecond})
	t.Cleanup(ledger.Close)

	peers := &directPeers{engines: make(map[channel.Address]*engine.Engine)}

	start := func() *engine.Engine {
		db, err := storage.NewInMemory()
		if err != nil {
			t.Fatalf("NewInMemory: %v", err)
		}
		t.Cleanup(func() { db.Close() })

		account, err := signature.GenerateKey()
		if err != nil {
			t.Fatalf("GenerateKey: %v", err)
		}

		key, err := signature.GenerateKey()
		if err != nil {
			t.Fatalf("GenerateKey: %v", err)
		}

		ledger.Mint(signature.Address(account), *uint256.NewInt(1000))

		e, err := engine.New(engine.Config{
			Account:      account,
			Key:          key,
			Ledger:       ledger,
			Store:        db,
			Counterparty: peers,
			OpenTimeout:  5 * time.Second,
		})
		if err != nil {
			t.Fatalf("engine.New: %v", err)
		}

		if err := e.Start(context.Background()); err != nil {
			t.Fatalf("Start: %v", err)
		}
		t.Cleanup(e.Stop)

		peers.mu.Lock()
		peers.engines[e.Self()] = e
		peers.mu.Unlock()

		return e
	}

	f := &fixture{local: start(), remote: start()}
	f.srv = httptest.NewServer(New("", f.local).Handler())
	t.Cleanup(f.srv.Close)

	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}

	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var out map[string]any
	json.NewDecoder(resp.Body).Decode(&out)

	return resp.StatusCode, out
}

func (f *fixture) open(t *testing.T) {
	t.Helper()

	status, body := f.do(t, http.MethodPost, "/channels", map[string]string{
		"counterparty": f.remote.Self().Hex(),
		"own":          "60",
		"theirs":       "40",
	})
	if status != http.StatusCreated {
		t.Fatalf("open: status %d, body %v", status, body)
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t, time.Hour)

	status, body := f.do(t, http.MethodGet, "/health", nil)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}

	if body["phase"] != "started" {
		t.Errorf("expected phase started, got %v", body["phase"])
	}

	if body["account"] != f.local.Self().Hex() {
		t.Errorf("expected account %s, got %v", f.local.Self().Hex(), body["account"])
	}
}

func TestOpenAndGet(t *testing.T) {
	f := newFixture(t, time.Hour)
	f.open(t)

	status, body := f.do(t, http.MethodGet, "/channels/"+f.remote.Self().Hex(), nil)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", status, body)
	}

	if body["state"] != "active" {
		t.Errorf("expected active, got %v", body["state"])
	}

	if body["balance"] != "60" || body["counterpartyBalance"] != "40" {
		t.Errorf("unexpected balances %v / %v", body["balance"], body["counterpartyBalance"])
	}

	if body["open"] != true {
		t.Errorf("expected open, got %v", body["open"])
	}
}

func TestGetUnknownChannel(t *testing.T) {
	f := newFixture(t, time.Hour)

	status, _ := f.do(t, http.MethodGet, "/channels/"+f.remote.Self().Hex(), nil)
	if status != http.StatusNotFound {
		t.Errorf("expected 404, got %d", status)
	}
}

func TestListChannels(t *testing.T) {
	f := newFixture(t, time.Hour)
	f.open(t)

	resp, err := http.Get(f.srv.URL + "/channels")
	if err != nil {
		t.Fatalf("GET /channels: %v", err)
	}
	defer resp.Body.Close()

	var views []channelView
	if err := json.NewDecoder(resp.Body).Decode(&views); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if len(views) != 1 {
		t.Fatalf("expected 1 channel, got %d", len(views))
	}

	if views[0].Counterparty != f.remote.Self().Hex() {
		t.Errorf("unexpected counterparty %s", views[0].Counterparty)
	}
}

func TestOpenValidation(t *testing.T) {
	f := newFixture(t, time.Hour)

	tests := []struct {
		name string
		body any
		want int
	}{
		{"bad account", map[string]string{"counterparty": "nope", "own": "1"}, http.StatusBadRequest},
		{"bad amount", map[string]string{"counterparty": f.remote.Self().Hex(), "own": "-1"}, http.StatusBadRequest},
		{"missing amount", map[string]string{"counterparty": f.remote.Self().Hex()}, http.StatusBadRequest},
		{"unknown field", map[string]string{"counterparty": f.remote.Self().Hex(), "own": "1", "extra": "x"}, http.StatusBadRequest},
		{"self", map[string]string{"counterparty": f.local.Self().Hex(), "own": "1"}, http.StatusBadRequest},
		{"too much", map[string]string{"counterparty": f.remote.Self().Hex(), "own": "5000"}, http.StatusUnprocessableEntity},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			status, body := f.do(t, http.MethodPost, "/channels", tc.body)
			if status != tc.want {
				t.Errorf("expected %d, got %d: %v", tc.want, status, body)
			}
		})
	}
}

func TestIssueAndAccept(t *testing.T) {
	f := newFixture(t, time.Hour)
	f.open(t)

	challengeHash := strings.Repeat("ab", 32)

	// The remote party pays the local one.
	var c [32]byte
	copy(c[:], bytes.Repeat([]byte{0xab}, 32))

	signed, err := f.remote.IssueTicket(f.local.Self(), *uint256.NewInt(7), ticket.AlwaysWins, c, 1)
	if err != nil {
		t.Fatalf("IssueTicket: %v", err)
	}

	accept := map[string]string{"counterparty": f.remote.Self().Hex(), "ticket": hex.EncodeToString(signed)}

	status, body := f.do(t, http.MethodPost, "/tickets/accept", accept)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", status, body)
	}

	if body["amount"] != "7" || body["winning"] != true {
		t.Errorf("unexpected receipt %v", body)
	}

	status, _ = f.do(t, http.MethodPost, "/tickets/accept", accept)
	if status != http.StatusConflict {
		t.Errorf("replay: expected 409, got %d", status)
	}

	status, body = f.do(t, http.MethodGet, "/channels/"+f.remote.Self().Hex()+"/secret", nil)
	if status != http.StatusOK {
		t.Fatalf("secret: expected 200, got %d", status)
	}

	if s, _ := body["secret"].(string); len(s) != 64 {
		t.Errorf("unexpected secret %v", body["secret"])
	}

	if n, _ := body["challenges"].(float64); n != 1 {
		t.Errorf("challenges = %v, want 1", body["challenges"])
	}

	status, body = f.do(t, http.MethodPost, "/tickets", map[string]any{
		"counterparty": f.remote.Self().Hex(),
		"amount":       "3",
		"winProb":      uint64(ticket.AlwaysWins),
		"challenge":    challengeHash,
		"epoch":        2,
	})
	if status != http.StatusCreated {
		t.Fatalf("issue: expected 201, got %d: %v", status, body)
	}

	raw, err := hex.DecodeString(body["ticket"].(string))
	if err != nil {
		t.Fatalf("ticket hex: %v", err)
	}

	if _, err := f.remote.AcceptTicket(context.Background(), f.local.Self(), raw); err != nil {
		t.Errorf("remote AcceptTicket: %v", err)
	}
}

func TestIssueOverBalance(t *testing.T) {
	f := newFixture(t, time.Hour)
	f.open(t)

	status, _ := f.do(t, http.MethodPost, "/tickets", map[string]any{
		"counterparty": f.remote.Self().Hex(),
		"amount":       "61",
		"winProb":      1,
		"challenge":    strings.Repeat("00", 32),
	})
	if status != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d", status)
	}
}

func TestAcceptMalformedTicket(t *testing.T) {
	f := newFixture(t, time.Hour)
	f.open(t)

	status, _ := f.do(t, http.MethodPost, "/tickets/accept", map[string]string{
		"counterparty": f.remote.Self().Hex(),
		"ticket":       "zz",
	})
	if status != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", status)
	}
}

func TestSettlementFlow(t *testing.T) {
	f := newFixture(t, 200*time.Millisecond)
	f.open(t)

	peer := f.remote.Self().Hex()

	if status, body := f.do(t, http.MethodPost, "/channels/"+peer+"/withdraw", nil); status != http.StatusNotFound {
		t.Fatalf("withdraw before settle: expected 404, got %d: %v", status, body)
	}

	if status, body := f.do(t, http.MethodPost, "/channels/"+peer+"/settle", nil); status != http.StatusAccepted {
		t.Fatalf("settle: expected 202, got %d: %v", status, body)
	}

	if status, _ := f.do(t, http.MethodPost, "/channels/"+peer+"/withdraw", nil); status != http.StatusConflict {
		t.Errorf("early withdraw: expected 409, got %d", status)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := f.local.OnceClosed(ctx, f.remote.Self()); err != nil {
		t.Fatalf("OnceClosed: %v", err)
	}

	if status, body := f.do(t, http.MethodPost, "/channels/"+peer+"/withdraw", nil); status != http.StatusOK {
		t.Fatalf("withdraw: expected 200, got %d: %v", status, body)
	}

	if status, _ := f.do(t, http.MethodPost, "/channels/"+peer+"/withdraw", nil); status != http.StatusConflict {
		t.Errorf("second withdraw: expected 409, got %d", status)
	}
}

func TestCloseAll(t *testing.T) {
	f := newFixture(t, time.Hour)
	f.open(t)

	status, body := f.do(t, http.MethodPost, "/channels/close-all", nil)
	if status != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %v", status, body)
	}

	kind := func() string {
		_, b := f.do(t, http.MethodGet, "/channels/"+f.remote.Self().Hex(), nil)
		s, _ := b["state"].(string)
		return s
	}

	if got := kind(); got != "pending_settlement" {
		t.Errorf("expected pending_settlement, got %s", got)
	}
}

func TestStoppedEngineUnavailable(t *testing.T) {
	f := newFixture(t, time.Hour)
	f.local.Stop()

	status, _ := f.do(t, http.MethodGet, "/channels", nil)
	if status != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", status)
	}
}
