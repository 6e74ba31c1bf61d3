// Package api serves the channel engine to operators over HTTP JSON.
package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"Paylane/internal/challenge"
	"Paylane/internal/channel"
	"Paylane/internal/engine"
	"Paylane/internal/logger"
	"Paylane/internal/nonce"
	"Paylane/internal/ticket"
)

// requestTimeout bounds ledger-facing operations started by a request.
const requestTimeout = 60 * time.Second

// Channels is the channel capability set the API programs against.
type Channels interface {
	Self() channel.Address
	Phase() engine.Phase

	Open(ctx context.Context, peer channel.Address, own, theirs channel.Balance) (*engine.Channel, error)
	IsOpen(ctx context.Context, peer channel.Address) (bool, error)
	Get(peer channel.Address) (*engine.Channel, error)
	Channels() ([]*engine.Channel, error)

	InitiateSettlement(ctx context.Context, peer channel.Address) error
	Withdraw(ctx context.Context, peer channel.Address) error
	CooperativeClose(ctx context.Context, peer channel.Address) error
	CloseAll(ctx context.Context) error

	IssueTicket(peer channel.Address, amount channel.Balance, winProb uint64, challengeHash [32]byte, epoch uint64) ([]byte, error)
	SendTicket(ctx context.Context, peer channel.Address, signed []byte) error
	AcceptTicket(ctx context.Context, peer channel.Address, signed []byte) (*engine.Receipt, error)
	Secret(peer channel.Address) ([32]byte, bool, error)
	Challenges(peer channel.Address) (int, error)
}

// Server is the HTTP API server.
type Server struct {
	addr     string       // addr is the HTTP listen address
	channels Channels     // channels is the served engine
	server   *http.Server // server is the underlying HTTP server
}

// New creates an API server for the engine.
func New(addr string, channels Channels) *Server {
	return &Server{addr: addr, channels: channels}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /channels", s.handleList)
	mux.HandleFunc("POST /channels", s.handleOpen)
	mux.HandleFunc("POST /channels/close-all", s.handleCloseAll)
	mux.HandleFunc("GET /channels/{counterparty}", s.handleGet)
	mux.HandleFunc("GET /channels/{counterparty}/secret", s.handleSecret)
	mux.HandleFunc("POST /channels/{counterparty}/settle", s.handleSettle)
	mux.HandleFunc("POST /channels/{counterparty}/withdraw", s.handleWithdraw)
	mux.HandleFunc("POST /channels/{counterparty}/cooperative-close", s.handleCooperativeClose)
	mux.HandleFunc("POST /tickets", s.handleIssue)
	mux.HandleFunc("POST /tickets/accept", s.handleAccept)

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
		logger.Info("http api started", "addr", s.addr)

		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// channelView is the JSON form of a stored channel.
type channelView struct {
	ID                  string `json:"id"`
	Counterparty        string `json:"counterparty"`
	State               string `json:"state"`
	Iteration           uint64 `json:"iteration"`
	Balance             string `json:"balance"`
	CounterpartyBalance string `json:"counterpartyBalance"`
	SettlementRound     uint64 `json:"settlementRound,omitempty"`
	Open                *bool  `json:"open,omitempty"`
}

func viewOf(c *engine.Channel) channelView {
	v := channelView{
		ID:           c.ID.String(),
		Counterparty: c.Counterparty.Hex(),
		State:        c.State().Kind().String(),
		Iteration:    c.Record.Iteration,
	}

	if own, err := c.Balance(); err == nil {
		v.Balance = own.Dec()
	}

	if theirs, err := c.CounterpartyBalance(); err == nil {
		v.CounterpartyBalance = theirs.Dec()
	}

	if p, ok := c.State().(channel.PendingSettlement); ok {
		v.SettlementRound = p.SettlementRound
	}

	return v
}

// handleHealth handles GET /health requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"phase":   s.channels.Phase().String(),
		"account": s.channels.Self().Hex(),
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	chans, err := s.channels.Channels()
	if err != nil {
		writeFault(w, err)
		return
	}

	views := make([]channelView, 0, len(chans))
	for _, c := range chans {
		views = append(views, viewOf(c))
	}

	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	peer, ok := counterparty(w, r)
	if !ok {
		return
	}

	open, err := s.channels.IsOpen(r.Context(), peer)
	if err != nil {
		writeFault(w, err)
		return
	}

	c, err := s.channels.Get(peer)
	if err != nil {
		writeFault(w, err)
		return
	}

	if c == nil {
		writeError(w, http.StatusNotFound, "no channel with "+peer.Hex())
		return
	}

	v := viewOf(c)
	v.Open = &open

	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	var req openRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	peer, err := parseAddress(req.Counterparty)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	own, err := parseAmount(req.Own)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	theirs := channel.Balance{}
	if req.Theirs != "" {
		if theirs, err = parseAmount(req.Theirs); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	if own.IsZero() && theirs.IsZero() {
		writeError(w, http.StatusBadRequest, "funding amount is zero")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	c, err := s.channels.Open(ctx, peer, own, theirs)
	if err != nil {
		writeFault(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, viewOf(c))
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	s.settlementStep(w, r, http.StatusAccepted, s.channels.InitiateSettlement)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	s.settlementStep(w, r, http.StatusOK, s.channels.Withdraw)
}

func (s *Server) handleCooperativeClose(w http.ResponseWriter, r *http.Request) {
	s.settlementStep(w, r, http.StatusOK, s.channels.CooperativeClose)
}

// settlementStep runs one per-channel settlement operation.
func (s *Server) settlementStep(w http.ResponseWriter, r *http.Request, status int, step func(context.Context, channel.Address) error) {
	peer, ok := counterparty(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	if err := step(ctx, peer); err != nil {
		writeFault(w, err)
		return
	}

	writeJSON(w, status, map[string]string{"status": "ok", "counterparty": peer.Hex()})
}

// failureView is one channel of a partially failed close-all.
type failureView struct {
	Channel      string `json:"channel"`
	Counterparty string `json:"counterparty"`
	Error        string `json:"error"`
}

func (s *Server) handleCloseAll(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	err := s.channels.CloseAll(ctx)

	var ce *engine.CloseAllError
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "ok", "failures": []failureView{}})
	case errors.As(err, &ce):
		failures := make([]failureView, len(ce.Failures))
		for i, f := range ce.Failures {
			failures[i] = failureView{Channel: f.Channel.String(), Counterparty: f.Counterparty.Hex(), Error: f.Err.Error()}
		}
		writeJSON(w, http.StatusMultiStatus, map[string]any{"status": "partial", "failures": failures})
	default:
		writeFault(w, err)
	}
}

func (s *Server) handleIssue(w http.ResponseWriter, r *http.Request) {
	var req issueRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	peer, err := parseAddress(req.Counterparty)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	challengeHash, err := parseHash(req.Challenge)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	signed, err := s.channels.IssueTicket(peer, amount, req.WinProb, challengeHash, req.Epoch)
	if err != nil {
		writeFault(w, err)
		return
	}

	if req.Send {
		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()

		if err := s.channels.SendTicket(ctx, peer, signed); err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"ticket": hex.EncodeToString(signed),
		"sent":   req.Send,
	})
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	var req acceptRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	peer, err := parseAddress(req.Counterparty)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	signed, err := parseTicket(req.Ticket)
	if err != nil {
		writeFault(w, err)
		return
	}

	receipt, err := s.channels.AcceptTicket(r.Context(), peer, signed)
	if err != nil {
		writeFault(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"channel":   receipt.Ticket.Channel.String(),
		"amount":    receipt.Ticket.Amount.Dec(),
		"epoch":     receipt.Ticket.Epoch,
		"iteration": receipt.Ticket.Iteration,
		"hash":      hex.EncodeToString(receipt.Hash[:]),
		"winning":   receipt.Winning,
	})
}

type secretResponse struct {
	Secret     string `json:"secret"`
	Challenges int    `json:"challenges"`
}

func (s *Server) handleSecret(w http.ResponseWriter, r *http.Request) {
	peer, ok := counterparty(w, r)
	if !ok {
		return
	}

	secret, found, err := s.channels.Secret(peer)
	if err != nil {
		writeFault(w, err)
		return
	}

	if !found {
		writeError(w, http.StatusNotFound, "no challenges recorded")
		return
	}

	n, err := s.channels.Challenges(peer)
	if err != nil {
		writeFault(w, err)
		return
	}

	writeJSON(w, http.StatusOK, secretResponse{Secret: hex.EncodeToString(secret[:]), Challenges: n})
}

// counterparty parses the {counterparty} path segment, answering 400 on failure.
func counterparty(w http.ResponseWriter, r *http.Request) (channel.Address, bool) {
	peer, err := parseAddress(r.PathValue("counterparty"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return channel.Address{}, false
	}

	return peer, true
}

// statusOf maps an engine fault to an HTTP status.
func statusOf(err error) int {
	switch {
	case errors.Is(err, engine.ErrNotStarted), errors.Is(err, engine.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, engine.ErrNoSettlement):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrLedgerLocalDivergence),
		errors.Is(err, engine.ErrNotYetClosed),
		errors.Is(err, engine.ErrAlreadyWithdrawn),
		errors.Is(err, channel.ErrInvalidState),
		errors.Is(err, nonce.ErrNonceReplay),
		errors.Is(err, challenge.ErrConflictingChallenge):
		return http.StatusConflict
	case errors.Is(err, engine.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrSelfChannel),
		errors.Is(err, ticket.ErrTicketTooLarge),
		errors.Is(err, ticket.ErrMalformedTicket),
		errors.Is(err, ticket.ErrUnrecoverableSigner),
		errors.Is(err, ticket.ErrWrongSigner):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeFault writes an engine error with its mapped status.
func writeFault(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		logger.Error("api request failed", "error", err)
	}

	writeError(w, status, err.Error())
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
