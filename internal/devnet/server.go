package devnet

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"Paylane/internal/chain"
	"Paylane/internal/channel"
	"Paylane/internal/logger"
)

const (
	// maxTxSize is the maximum transaction size in bytes.
	maxTxSize = 64 << 10

	// maxWait bounds a long-poll request.
	maxWait = 30 * time.Second
)

// Server exposes a Ledger over HTTP.
type Server struct {
	addr   string       // addr is the HTTP listen address
	ledger *Ledger      // ledger is the served ledger
	server *http.Server // server is the underlying HTTP server

	mu   sync.Mutex
	subs map[string]*chain.Subscription
	next uint64
}

// NewServer creates an HTTP server for the ledger.
func NewServer(addr string, ledger *Ledger) *Server {
	return &Server{
		addr:   addr,
		ledger: ledger,
		subs:   make(map[string]*chain.Subscription),
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /tx", s.handleSubmitTx)
	mux.HandleFunc("POST /mint", s.handleMint)
	mux.HandleFunc("GET /window", s.handleWindow)
	mux.HandleFunc("GET /channels/{id}", s.handleChannel)
	mux.HandleFunc("GET /accounts/{addr}", s.handleAccount)
	mux.HandleFunc("POST /subscriptions", s.handleSubscribe)
	mux.HandleFunc("GET /subscriptions/{id}", s.handlePoll)
	mux.HandleFunc("DELETE /subscriptions/{id}", s.handleUnsubscribe)

	return mux
}

// Start starts the HTTP server in a goroutine.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:        s.addr,
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("devnet ledger started", "addr", s.addr)

		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server and drops subscriptions.
func (s *Server) Stop() error {
	s.mu.Lock()
	for id, sub := range s.subs {
		sub.Cancel()
		delete(s.subs, id)
	}
	s.mu.Unlock()

	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// handleHealth handles GET /health requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSubmitTx handles POST /tx requests carrying an encoded transaction.
func (s *Server) handleSubmitTx(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxTxSize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, "empty transaction")
		return
	}

	hash, err := s.ledger.SubmitRaw(body)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"hash": hash.String()})
}

// mintRequest is the body of POST /mint.
type mintRequest struct {
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

// handleMint handles POST /mint requests.
func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	var req mintRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	if !common.IsHexAddress(req.Account) {
		writeError(w, http.StatusBadRequest, "invalid account")
		return
	}

	var amount channel.Balance
	if err := amount.SetFromDecimal(req.Amount); err != nil {
		writeError(w, http.StatusBadRequest, "invalid amount")
		return
	}

	s.ledger.Mint(common.HexToAddress(req.Account), amount)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleWindow handles GET /window requests.
func (s *Server) handleWindow(w http.ResponseWriter, r *http.Request) {
	window, _ := s.ledger.SettlementWindow(r.Context())
	writeJSON(w, http.StatusOK, map[string]int64{"windowMs": window.Milliseconds()})
}

// handleChannel handles GET /channels/{id} requests.
func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	id, ok := channel.ParseID(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid channel id")
		return
	}

	info, _ := s.ledger.QueryState(r.Context(), id)
	writeJSON(w, http.StatusOK, chain.ViewOf(info))
}

// AccountView is the JSON form of an account.
type AccountView struct {
	Free    string `json:"free"`
	Nonce   uint64 `json:"nonce"`
	Binding string `json:"binding,omitempty"`
}

// handleAccount handles GET /accounts/{addr} requests.
func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	raw := r.PathValue("addr")
	if !common.IsHexAddress(raw) {
		writeError(w, http.StatusBadRequest, "invalid account")
		return
	}

	addr := common.HexToAddress(raw)
	ctx := r.Context()

	free, _ := s.ledger.FreeBalance(ctx, addr)
	nonce, _ := s.ledger.TxNonce(ctx, addr)
	binding, _ := s.ledger.Binding(ctx, addr)

	writeJSON(w, http.StatusOK, AccountView{
		Free:    free.Dec(),
		Nonce:   nonce,
		Binding: hex.EncodeToString(binding),
	})
}

// subscribeRequest is the body of POST /subscriptions.
type subscribeRequest struct {
	Kind    string `json:"kind"`
	Channel string `json:"channel"`
}

// handleSubscribe handles POST /subscriptions requests.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	kind, err := chain.ParseEventKind(req.Kind)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, ok := channel.ParseID(req.Channel)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid channel id")
		return
	}

	sub, _ := s.ledger.Subscribe(r.Context(), kind, id)

	s.mu.Lock()
	s.next++
	subID := strconv.FormatUint(s.next, 10)
	s.subs[subID] = sub
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, map[string]string{"id": subID})
}

// handlePoll handles GET /subscriptions/{id}?wait=<ms>.
// It answers 200 with the event, or 204 when the wait elapsed first.
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	subID := r.PathValue("id")

	s.mu.Lock()
	sub, ok := s.subs[subID]
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "unknown subscription")
		return
	}

	wait := maxWait
	if ms, err := strconv.ParseInt(r.URL.Query().Get("wait"), 10, 64); err == nil && ms >= 0 {
		wait = min(time.Duration(ms)*time.Millisecond, maxWait)
	}

	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()

	ev, err := sub.Wait(ctx)
	if err != nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	s.drop(subID)
	writeJSON(w, http.StatusOK, chain.ViewOfEvent(ev))
}

// handleUnsubscribe handles DELETE /subscriptions/{id} requests.
func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	s.drop(r.PathValue("id"))
	w.WriteHeader(http.StatusNoContent)
}

// drop cancels and forgets a subscription.
func (s *Server) drop(subID string) {
	s.mu.Lock()
	sub, ok := s.subs[subID]
	delete(s.subs, subID)
	s.mu.Unlock()

	if ok {
		sub.Cancel()
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

