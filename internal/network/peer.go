package network

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"Paylane/internal/logger"
)

// defaultRequestTimeout bounds a Request whose context has no deadline.
const defaultRequestTimeout = 30 * time.Second

// Peer is a QUIC connection to another node.
type Peer struct {
	publicKey ed25519.PublicKey // publicKey is the remote TLS identity
	address   string            // address is the dialed or remote address
	conn      *quic.Conn
	node      *Node
	closed    atomic.Bool
}

// PublicKey returns the remote TLS identity.
func (p *Peer) PublicKey() ed25519.PublicKey {
	return p.publicKey
}

// Address returns the peer's address.
func (p *Peer) Address() string {
	return p.address
}

// Send writes a one-way message on a new unidirectional stream.
func (p *Peer) Send(ctx context.Context, data []byte) error {
	if p.closed.Load() {
		return fmt.Errorf("peer %s is closed", p.address)
	}

	stream, err := p.conn.OpenUniStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("open stream:\n%w", err)
	}

	if err := writeMessage(stream, data); err != nil {
		stream.CancelWrite(0)
		return err
	}

	return stream.Close()
}

// Request writes data on a new bidirectional stream and reads the response.
func (p *Peer) Request(ctx context.Context, data []byte) ([]byte, error) {
	if p.closed.Load() {
		return nil, fmt.Errorf("peer %s is closed", p.address)
	}

	stream, err := p.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("open stream:\n%w", err)
	}
	defer stream.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultRequestTimeout)
	}
	stream.SetDeadline(deadline)

	if err := writeMessage(stream, data); err != nil {
		return nil, fmt.Errorf("write request:\n%w", err)
	}

	resp, err := readMessage(stream)
	if err != nil {
		return nil, fmt.Errorf("read response:\n%w", err)
	}

	return resp, nil
}

// Close closes the connection.
func (p *Peer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	p.node.removePeer(p)

	return p.conn.CloseWithError(0, "closed")
}

// acceptUni serves one-way messages until the connection ends.
func (p *Peer) acceptUni(ctx context.Context) {
	defer p.Close()

	for {
		stream, err := p.conn.AcceptUniStream(ctx)
		if err != nil {
			logger.Debug("peer connection ended", "peer", p.address, "error", err)
			return
		}

		go func() {
			data, err := readMessage(stream)
			if err != nil {
				logger.Debug("stream read failed", "peer", p.address, "error", err)
				return
			}

			p.node.deliver(p, data)
		}()
	}
}

// acceptBidi serves requests until the connection ends.
func (p *Peer) acceptBidi(ctx context.Context) {
	for {
		stream, err := p.conn.AcceptStream(ctx)
		if err != nil {
			return
		}

		go p.serve(ctx, stream)
	}
}

// serve answers one request stream.
func (p *Peer) serve(ctx context.Context, stream *quic.Stream) {
	defer stream.Close()

	stream.SetDeadline(time.Now().Add(defaultRequestTimeout))

	data, err := readMessage(stream)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, defaultRequestTimeout)
	defer cancel()

	resp, err := p.node.answer(ctx, p, data)
	if err != nil {
		logger.Debug("request failed", "peer", p.address, "error", err)
		stream.CancelWrite(1)
		return
	}

	if err := writeMessage(stream, resp); err != nil {
		logger.Debug("response write failed", "peer", p.address, "error", err)
	}
}
