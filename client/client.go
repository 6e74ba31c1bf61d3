// Package client talks to a Paylane node's operator API.
package client

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// Client connects to a Paylane node via HTTP.
type Client struct {
	base string       // base is the API root (e.g. "http://127.0.0.1:8080")
	http *http.Client // http carries the requests
}

// Health is the answer of GET /health.
type Health struct {
	Status  string `json:"status"`
	Phase   string `json:"phase"`
	Account string `json:"account"`
}

// Channel is one channel as the node reports it.
type Channel struct {
	ID                  string `json:"id"`
	Counterparty        string `json:"counterparty"`
	State               string `json:"state"`
	Iteration           uint64 `json:"iteration"`
	Balance             string `json:"balance"`
	CounterpartyBalance string `json:"counterpartyBalance"`
	SettlementRound     uint64 `json:"settlementRound,omitempty"`
	Open                *bool  `json:"open,omitempty"`
}

// Failure is one channel that failed during close-all.
type Failure struct {
	Channel      string `json:"channel"`
	Counterparty string `json:"counterparty"`
	Error        string `json:"error"`
}

// TicketRequest describes a ticket to issue.
type TicketRequest struct {
	Counterparty string `json:"counterparty"`
	Amount       string `json:"amount"`
	WinProb      uint64 `json:"winProb"`
	Challenge    string `json:"challenge"`
	Epoch        uint64 `json:"epoch"`
	Send         bool   `json:"send"`
}

// Receipt is the outcome of accepting a ticket.
type Receipt struct {
	Channel   string `json:"channel"`
	Amount    string `json:"amount"`
	Epoch     uint64 `json:"epoch"`
	Iteration uint64 `json:"iteration"`
	Hash      string `json:"hash"`
	Winning   bool   `json:"winning"`
}

// New creates a client for the node at addr, either host:port or a full URL.
func New(addr string) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}

	return &Client{
		base: strings.TrimRight(addr, "/"),
		http: &http.Client{Timeout: 2 * time.Minute},
	}
}

// Health reports the node's lifecycle phase and account.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.do(ctx, http.MethodGet, "/health", nil, &h); err != nil {
		return nil, err
	}

	return &h, nil
}

// Channels lists every stored channel.
func (c *Client) Channels(ctx context.Context) ([]Channel, error) {
	var out []Channel
	if err := c.do(ctx, http.MethodGet, "/channels", nil, &out); err != nil {
		return nil, err
	}

	return out, nil
}

// Channel returns the channel with counterparty, including whether it is open.
func (c *Client) Channel(ctx context.Context, counterparty string) (*Channel, error) {
	var ch Channel
	if err := c.do(ctx, http.MethodGet, "/channels/"+counterparty, nil, &ch); err != nil {
		return nil, err
	}

	return &ch, nil
}

// Open funds and activates a channel with counterparty.
func (c *Client) Open(ctx context.Context, counterparty, own, theirs string) (*Channel, error) {
	body := map[string]string{"counterparty": counterparty, "own": own}
	if theirs != "" {
		body["theirs"] = theirs
	}

	var ch Channel
	if err := c.do(ctx, http.MethodPost, "/channels", body, &ch); err != nil {
		return nil, err
	}

	return &ch, nil
}

// Settle initiates settlement of the channel with counterparty.
func (c *Client) Settle(ctx context.Context, counterparty string) error {
	return c.do(ctx, http.MethodPost, "/channels/"+counterparty+"/settle", nil, nil)
}

// Withdraw finalizes a settlement whose window has closed.
func (c *Client) Withdraw(ctx context.Context, counterparty string) error {
	return c.do(ctx, http.MethodPost, "/channels/"+counterparty+"/withdraw", nil, nil)
}

// CooperativeClose finalizes a settlement the counterparty initiated.
func (c *Client) CooperativeClose(ctx context.Context, counterparty string) error {
	return c.do(ctx, http.MethodPost, "/channels/"+counterparty+"/cooperative-close", nil, nil)
}

// CloseAll initiates settlement of every channel and returns the channels that failed.
func (c *Client) CloseAll(ctx context.Context) ([]Failure, error) {
	var out struct {
		Failures []Failure `json:"failures"`
	}

	if err := c.do(ctx, http.MethodPost, "/channels/close-all", nil, &out); err != nil {
		return nil, err
	}

	return out.Failures, nil
}

// IssueTicket signs a ticket and returns its hex encoding.
func (c *Client) IssueTicket(ctx context.Context, req TicketRequest) (string, error) {
	var out struct {
		Ticket string `json:"ticket"`
	}

	if err := c.do(ctx, http.MethodPost, "/tickets", req, &out); err != nil {
		return "", err
	}

	return out.Ticket, nil
}

// AcceptTicket submits a hex ticket received from counterparty.
func (c *Client) AcceptTicket(ctx context.Context, counterparty, ticketHex string) (*Receipt, error) {
	body := map[string]string{"counterparty": counterparty, "ticket": ticketHex}

	var r Receipt
	if err := c.do(ctx, http.MethodPost, "/tickets/accept", body, &r); err != nil {
		return nil, err
	}

	return &r, nil
}

// Secret returns the reconstructed redemption secret of a channel in hex.
func (c *Client) Secret(ctx context.Context, counterparty string) (string, error) {
	var out struct {
		Secret string `json:"secret"`
	}

	if err := c.do(ctx, http.MethodGet, "/channels/"+counterparty+"/secret", nil, &out); err != nil {
		return "", err
	}

	return out.Secret, nil
}
