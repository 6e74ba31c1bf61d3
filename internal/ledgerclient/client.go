// Package ledgerclient implements chain.Ledger against a devnet ledger's HTTP API.
package ledgerclient

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"Paylane/internal/chain"
	"Paylane/internal/channel"
	"Paylane/internal/logger"
)

const (
	// defaultAttempts is how many times a transient failure is tried.
	defaultAttempts = 3

	// defaultBackoff is the delay before the first retry; it doubles.
	defaultBackoff = 100 * time.Millisecond

	// pollWait is the long-poll duration requested from the server.
	pollWait = 10 * time.Second
)

// errTransient marks failures worth retrying.
var errTransient = errors.New("transient ledger failure")

// Client talks to a devnet ledger server.
type Client struct {
	base     string       // base is the server URL without trailing slash
	http     *http.Client // http performs requests
	attempts int          // attempts bounds retries of transient failures
	backoff  time.Duration
}

// New creates a client for the ledger at base.
func New(base string) *Client {
	return &Client{
		base:     strings.TrimRight(base, "/"),
		http:     &http.Client{Timeout: pollWait + 5*time.Second},
		attempts: defaultAttempts,
		backoff:  defaultBackoff,
	}
}

// Submit implements chain.Ledger.
func (c *Client) Submit(ctx context.Context, call chain.Call, signer *ecdsa.PrivateKey, nonce uint64) (chain.TxHash, error) {
	data, hash, err := chain.EncodeTx(call, nonce, signer)
	if err != nil {
		return chain.TxHash{}, err
	}

	var resp struct {
		Hash string `json:"hash"`
	}

	if err := c.do(ctx, http.MethodPost, "/tx", "application/octet-stream", data, &resp); err != nil {
		return chain.TxHash{}, fmt.Errorf("submit %s:\n%w", call.Method, err)
	}

	if resp.Hash != hash.String() {
		return chain.TxHash{}, fmt.Errorf("ledger returned hash %s, want %s", resp.Hash, hash)
	}

	return hash, nil
}

// QueryState implements chain.Ledger.
func (c *Client) QueryState(ctx context.Context, id channel.ID) (chain.ChannelInfo, error) {
	var view chain.InfoView
	if err := c.get(ctx, "/channels/"+id.String(), &view); err != nil {
		return chain.ChannelInfo{}, fmt.Errorf("query channel %s:\n%w", id.Short(), err)
	}

	return view.Info()
}

// accountView mirrors the server's account response.
type accountView struct {
	Free    string `json:"free"`
	Nonce   uint64 `json:"nonce"`
	Binding string `json:"binding"`
}

// account fetches the ledger view of an account.
func (c *Client) account(ctx context.Context, addr channel.Address) (accountView, error) {
	var view accountView
	if err := c.get(ctx, "/accounts/"+addr.Hex(), &view); err != nil {
		return view, fmt.Errorf("query account %s:\n%w", addr.Hex(), err)
	}

	return view, nil
}

// FreeBalance implements chain.Ledger.
func (c *Client) FreeBalance(ctx context.Context, addr channel.Address) (channel.Balance, error) {
	var free channel.Balance

	view, err := c.account(ctx, addr)
	if err != nil {
		return free, err
	}

	if err := free.SetFromDecimal(view.Free); err != nil {
		return free, fmt.Errorf("invalid free balance %q:\n%w", view.Free, err)
	}

	return free, nil
}

// TxNonce implements chain.Ledger.
func (c *Client) TxNonce(ctx context.Context, addr channel.Address) (uint64, error) {
	view, err := c.account(ctx, addr)
	if err != nil {
		return 0, err
	}

	return view.Nonce, nil
}

// Binding implements chain.Ledger.
func (c *Client) Binding(ctx context.Context, addr channel.Address) ([]byte, error) {
	view, err := c.account(ctx, addr)
	if err != nil {
		return nil, err
	}

	if view.Binding == "" {
		return nil, nil
	}

	return hex.DecodeString(view.Binding)
}

// SettlementWindow implements chain.Ledger.
func (c *Client) SettlementWindow(ctx context.Context) (time.Duration, error) {
	var resp struct {
		WindowMs int64 `json:"windowMs"`
	}

	if err := c.get(ctx, "/window", &resp); err != nil {
		return 0, fmt.Errorf("query settlement window:\n%w", err)
	}

	return time.Duration(resp.WindowMs) * time.Millisecond, nil
}

// Subscribe implements chain.Ledger. The subscription is registered on the
// server before Subscribe returns; a goroutine long-polls until the event
// arrives or the subscription is cancelled.
func (c *Client) Subscribe(ctx context.Context, kind chain.EventKind, id channel.ID) (*chain.Subscription, error) {
	body, _ := json.Marshal(map[string]string{"kind": kind.String(), "channel": id.String()})

	var created struct {
		ID string `json:"id"`
	}

	if err := c.do(ctx, http.MethodPost, "/subscriptions", "application/json", body, &created); err != nil {
		return nil, fmt.Errorf("subscribe %s %s:\n%w", kind, id.Short(), err)
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	events := make(chan chain.Event, 1)

	go c.poll(pollCtx, created.ID, events)

	return chain.NewSubscription(events, func() {
		cancel()

		delCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()

		if err := c.do(delCtx, http.MethodDelete, "/subscriptions/"+created.ID, "", nil, nil); err != nil {
			logger.Debug("unsubscribe failed", "subscription", created.ID, "error", err)
		}
	}), nil
}

// poll long-polls a subscription until it yields an event or ctx ends.
func (c *Client) poll(ctx context.Context, subID string, out chan<- chain.Event) {
	path := fmt.Sprintf("/subscriptions/%s?wait=%d", subID, pollWait.Milliseconds())

	for ctx.Err() == nil {
		var view chain.EventView

		found, err := c.getOptional(ctx, path, &view)
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn("event poll failed", "subscription", subID, "error", err)
				sleep(ctx, c.backoff)
			}
			continue
		}

		if !found {
			continue
		}

		ev, err := view.Event()
		if err != nil {
			logger.Warn("malformed event", "subscription", subID, "error", err)
			return
		}

		out <- ev
		return
	}
}

// get performs a GET with retries and decodes the JSON response.
func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, "", nil, out)
}

// getOptional is get for endpoints answering 204 when nothing is available.
func (c *Client) getOptional(ctx context.Context, path string, out any) (bool, error) {
	status, err := c.once(ctx, http.MethodGet, path, "", nil, out)
	if err != nil {
		return false, err
	}

	return status != http.StatusNoContent, nil
}

// do performs a request, retrying transient failures with exponential backoff.
func (c *Client) do(ctx context.Context, method, path, contentType string, body []byte, out any) error {
	backoff := c.backoff

	var err error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		_, err = c.once(ctx, method, path, contentType, body, out)
		if err == nil || !errors.Is(err, errTransient) {
			return err
		}

		if attempt < c.attempts {
			logger.Debug("retrying ledger request", "path", path, "attempt", attempt, "error", err)

			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			backoff *= 2
		}
	}

	return err
}

// once performs a single request. Network errors and 5xx answers are transient.
func (c *Client) once(ctx context.Context, method, path, contentType string, body []byte, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, fmt.Errorf("%w: %v", errTransient, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("%w: read body: %v", errTransient, err)
	}

	switch {
	case resp.StatusCode >= 500:
		return resp.StatusCode, fmt.Errorf("%w: status %d", errTransient, resp.StatusCode)

	case resp.StatusCode == http.StatusUnprocessableEntity:
		return resp.StatusCode, fmt.Errorf("%w: %s", chain.ErrRejected, errorMessage(data))

	case resp.StatusCode >= 400:
		return resp.StatusCode, fmt.Errorf("status %d: %s", resp.StatusCode, errorMessage(data))
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return resp.StatusCode, nil
	}

	if err := json.Unmarshal(data, out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode response:\n%w", err)
	}

	return resp.StatusCode, nil
}

// errorMessage extracts the error field of an error response.
func errorMessage(data []byte) string {
	var resp struct {
		Error string `json:"error"`
	}

	if json.Unmarshal(data, &resp) == nil && resp.Error != "" {
		return resp.Error
	}

	return strings.TrimSpace(string(data))
}

// sleep waits for d or until ctx is done. It reports whether d elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
