// Package network carries counterparty messages over QUIC: one-way frames
// on unidirectional streams and request/response pairs on bidirectional ones.
package network

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"Paylane/internal/logger"
)

// alpnProtocol is the ALPN protocol identifier.
const alpnProtocol = "paylane/1"

// Config configures a Node.
type Config struct {
	Identity    ed25519.PrivateKey // Identity authenticates the node's TLS sessions
	ListenAddr  string             // ListenAddr is the UDP address to listen on (e.g. ":9100")
	IdleTimeout time.Duration      // IdleTimeout closes silent connections, 30s if zero
	DedupTTL    time.Duration      // DedupTTL is how long one-way messages are deduplicated
}

// MessageHandler receives one-way messages.
type MessageHandler func(p *Peer, data []byte)

// RequestHandler answers requests; the returned bytes are the response.
type RequestHandler func(ctx context.Context, p *Peer, data []byte) ([]byte, error)

// Node accepts and dials QUIC connections to counterparties.
type Node struct {
	identity   ed25519.PrivateKey
	listenAddr string
	tlsConfig  *tls.Config
	quicConfig *quic.Config

	listener *quic.Listener

	peersMu sync.Mutex
	peers   map[string]*Peer // peers maps a dialed or remote address to its connection

	dedup *Dedup

	handlersMu sync.RWMutex
	onMessage  MessageHandler
	onRequest  RequestHandler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNode creates a node. It listens only after Start.
func NewNode(cfg Config) (*Node, error) {
	if cfg.Identity == nil {
		return nil, fmt.Errorf("identity key is required")
	}

	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("listen address is required")
	}

	idle := cfg.IdleTimeout
	if idle <= 0 {
		idle = 30 * time.Second
	}

	cert, err := generateCertificate(cfg.Identity)
	if err != nil {
		return nil, fmt.Errorf("generate certificate:\n%w", err)
	}

	tlsConfig := &tls.Config{
		Certificates:       []tls.Certificate{cert},
		ClientAuth:         tls.RequireAnyClientCert,
		InsecureSkipVerify: true, // identities are checked by the caller, accounts by signed payloads
		NextProtos:         []string{alpnProtocol},
	}

	quicConfig := &quic.Config{
		MaxIdleTimeout:  idle,
		KeepAlivePeriod: idle / 3,
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Node{
		identity:   cfg.Identity,
		listenAddr: cfg.ListenAddr,
		tlsConfig:  tlsConfig,
		quicConfig: quicConfig,
		peers:      make(map[string]*Peer),
		dedup:      NewDedup(cfg.DedupTTL),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// PublicKey returns the node's TLS identity.
func (n *Node) PublicKey() ed25519.PublicKey {
	return n.identity.Public().(ed25519.PublicKey)
}

// Addr returns the listener address, empty before Start.
func (n *Node) Addr() string {
	if n.listener == nil {
		return ""
	}

	return n.listener.Addr().String()
}

// OnMessage installs the one-way message handler.
func (n *Node) OnMessage(fn MessageHandler) {
	n.handlersMu.Lock()
	n.onMessage = fn
	n.handlersMu.Unlock()
}

// OnRequest installs the request handler.
func (n *Node) OnRequest(fn RequestHandler) {
	n.handlersMu.Lock()
	n.onRequest = fn
	n.handlersMu.Unlock()
}

// Start listens for incoming connections.
func (n *Node) Start() error {
	listener, err := quic.ListenAddr(n.listenAddr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return fmt.Errorf("listen on %s:\n%w", n.listenAddr, err)
	}

	n.listener = listener

	n.wg.Add(1)
	go n.acceptLoop()

	logger.Info("quic transport listening", "addr", n.Addr())

	return nil
}

// Dial returns the live connection to addr, connecting if there is none.
func (n *Node) Dial(ctx context.Context, addr string) (*Peer, error) {
	n.peersMu.Lock()
	p := n.peers[addr]
	n.peersMu.Unlock()

	if p != nil && !p.closed.Load() {
		return p, nil
	}

	conn, err := quic.DialAddr(ctx, addr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return nil, fmt.Errorf("dial %s:\n%w", addr, err)
	}

	p, err = n.setupPeer(conn, addr)
	if err != nil {
		conn.CloseWithError(1, "setup failed")
		return nil, err
	}

	return p, nil
}

// Peers returns the open connections.
func (n *Node) Peers() []*Peer {
	n.peersMu.Lock()
	defer n.peersMu.Unlock()

	out := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		out = append(out, p)
	}

	return out
}

// Close stops listening and closes every connection.
func (n *Node) Close() error {
	n.cancel()

	if n.listener != nil {
		n.listener.Close()
	}

	for _, p := range n.Peers() {
		p.Close()
	}

	n.wg.Wait()
	n.dedup.Close()

	return nil
}

func (n *Node) acceptLoop() {
	defer n.wg.Done()

	for {
		conn, err := n.listener.Accept(n.ctx)
		if err != nil {
			return
		}

		if _, err := n.setupPeer(conn, conn.RemoteAddr().String()); err != nil {
			logger.Debug("rejected connection", "remote", conn.RemoteAddr().String(), "error", err)
			conn.CloseWithError(1, "setup failed")
		}
	}
}

// setupPeer registers a connection and starts serving its streams.
func (n *Node) setupPeer(conn *quic.Conn, addr string) (*Peer, error) {
	pub, err := peerIdentity(conn.ConnectionState().TLS)
	if err != nil {
		return nil, fmt.Errorf("peer identity:\n%w", err)
	}

	p := &Peer{
		publicKey: pub,
		address:   addr,
		conn:      conn,
		node:      n,
	}

	n.peersMu.Lock()
	old := n.peers[addr]
	n.peers[addr] = p
	n.peersMu.Unlock()

	if old != nil {
		old.Close()
	}

	n.wg.Add(2)
	go func() {
		defer n.wg.Done()
		p.acceptUni(n.ctx)
	}()
	go func() {
		defer n.wg.Done()
		p.acceptBidi(n.ctx)
	}()

	return p, nil
}

// removePeer forgets a closed connection.
func (n *Node) removePeer(p *Peer) {
	n.peersMu.Lock()
	if n.peers[p.address] == p {
		delete(n.peers, p.address)
	}
	n.peersMu.Unlock()
}

func (n *Node) deliver(p *Peer, data []byte) {
	if !n.dedup.Check(data) {
		logger.Debug("duplicate message dropped", "peer", p.address, "bytes", len(data))
		return
	}

	n.handlersMu.RLock()
	fn := n.onMessage
	n.handlersMu.RUnlock()

	if fn != nil {
		fn(p, data)
	}
}

func (n *Node) answer(ctx context.Context, p *Peer, data []byte) ([]byte, error) {
	n.handlersMu.RLock()
	fn := n.onRequest
	n.handlersMu.RUnlock()

	if fn == nil {
		return nil, fmt.Errorf("no request handler registered")
	}

	return fn(ctx, p, data)
}
