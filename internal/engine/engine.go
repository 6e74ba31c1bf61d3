// Package engine runs the payment channel state machine: opening and
// activating channels, issuing and accepting tickets, and settling them
// against the ledger.
package engine

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"Paylane/internal/chain"
	"Paylane/internal/challenge"
	"Paylane/internal/channel"
	"Paylane/internal/keyspace"
	"Paylane/internal/logger"
	"Paylane/internal/nonce"
	"Paylane/internal/records"
	"Paylane/internal/signature"
)

const (
	// defaultOpenTimeout bounds the funding and activation handshake.
	defaultOpenTimeout = 30 * time.Second

	// announcePoll is the interval at which Start checks that its binding landed.
	announcePoll = 20 * time.Millisecond

	// secretSize is the width of the on-chain secret.
	secretSize = 32
)

// Counterparty exchanges signed messages with other parties.
type Counterparty interface {
	// RequestActivation sends a signed Active state and returns the peer's countersignature.
	RequestActivation(ctx context.Context, peer channel.Address, proposal *channel.SignedState) (*channel.SignedState, error)

	// SendTicket delivers a signed ticket to the peer.
	SendTicket(ctx context.Context, peer channel.Address, signed []byte) error
}

// Config configures an Engine.
type Config struct {
	Account      *ecdsa.PrivateKey  // Account is the on-chain account key
	Key          *ecdsa.PrivateKey  // Key is the off-chain signing key
	Ledger       chain.Ledger       // Ledger is the ledger client
	Store        keyspace.KV        // Store is the persisted store
	Counterparty Counterparty       // Counterparty is the off-chain transport
	Combiner     challenge.Combiner // Combiner folds key halves, XOR if nil
	OpenTimeout  time.Duration      // OpenTimeout bounds Open and HandleActivation
	Now          func() time.Time   // Now is the clock used for settlement timers
}

// Engine owns every local channel of one account.
type Engine struct {
	cfg    Config
	self   channel.Address // self is the on-chain account
	pubKey []byte          // pubKey is the compressed off-chain key

	records    *records.Store
	challenges *challenge.Index
	nonces     *nonce.Guard

	life  lifecycle
	locks *keyedMutex

	secretMu sync.RWMutex
	secret   [secretSize]byte

	txMu     sync.Mutex // txMu serializes submissions so nonces stay ordered
	txLoaded bool
	txNext   uint64

	mu       sync.Mutex
	settlers map[channel.ID]*settler
	watchers map[channel.ID]*watcher

	ctx      context.Context // ctx ends on Stop
	cancel   context.CancelFunc
	spawnMu  sync.Mutex // spawnMu orders spawn against Stop
	stopping bool
	wg       sync.WaitGroup
}

// New creates an engine. It does nothing until Start.
func New(cfg Config) (*Engine, error) {
	if cfg.Account == nil || cfg.Key == nil {
		return nil, fmt.Errorf("engine needs an account key and an off-chain key")
	}

	if cfg.Ledger == nil || cfg.Store == nil {
		return nil, fmt.Errorf("engine needs a ledger and a store")
	}

	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = defaultOpenTimeout
	}

	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		cfg:        cfg,
		self:       signature.Address(cfg.Account),
		pubKey:     signature.PublicKey(cfg.Key),
		records:    records.New(cfg.Store),
		challenges: challenge.New(cfg.Store, cfg.Combiner),
		nonces:     nonce.New(cfg.Store),
		locks:      newKeyedMutex(),
		settlers:   make(map[channel.ID]*settler),
		watchers:   make(map[channel.ID]*watcher),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Self returns the local on-chain account.
func (e *Engine) Self() channel.Address {
	return e.self
}

// PublicKey returns the compressed off-chain key.
func (e *Engine) PublicKey() []byte {
	return append([]byte(nil), e.pubKey...)
}

// Phase returns the lifecycle phase.
func (e *Engine) Phase() Phase {
	return e.life.current()
}

// SetCounterparty installs the off-chain transport.
// It must be called before Start.
func (e *Engine) SetCounterparty(c Counterparty) {
	e.cfg.Counterparty = c
}

// Start loads the on-chain secret, announces the off-chain key and
// resumes settlements and closure watchers of stored channels.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.life.begin(); err != nil {
		return err
	}

	if err := e.loadSecret(); err != nil {
		e.life.end()
		return fmt.Errorf("load on-chain secret:\n%w", err)
	}

	if err := e.announce(ctx); err != nil {
		e.life.end()
		return fmt.Errorf("announce off-chain key:\n%w", err)
	}

	if err := e.resume(ctx); err != nil {
		e.Stop()
		return fmt.Errorf("resume channels:\n%w", err)
	}

	logger.Info("channel engine started", "account", e.self.Hex(), "combiner", e.challenges.Combiner().Name())

	return nil
}

// Stop ends every background wait. Stored state is left untouched.
func (e *Engine) Stop() {
	if !e.life.end() {
		return
	}

	e.spawnMu.Lock()
	e.stopping = true
	e.spawnMu.Unlock()

	e.cancel()
	e.wg.Wait()

	logger.Info("channel engine stopped", "account", e.self.Hex())
}

// loadSecret reads the on-chain secret, generating it on first start.
func (e *Engine) loadSecret() error {
	key := keyspace.OnChainSecret()

	value, err := e.cfg.Store.Get(key)
	if err != nil {
		return err
	}

	e.secretMu.Lock()
	defer e.secretMu.Unlock()

	if value != nil {
		if len(value) != secretSize {
			return fmt.Errorf("stored secret has %d bytes, want %d", len(value), secretSize)
		}
		copy(e.secret[:], value)
		return nil
	}

	if _, err := rand.Read(e.secret[:]); err != nil {
		return err
	}

	logger.Info("generated on-chain secret")

	return e.cfg.Store.Set(key, e.secret[:])
}

// announce binds the off-chain key to the account on the ledger and waits
// until the binding is visible.
func (e *Engine) announce(ctx context.Context) error {
	bound, err := e.cfg.Ledger.Binding(ctx, e.self)
	if err != nil {
		return err
	}

	if bytes.Equal(bound, e.pubKey) {
		return nil
	}

	if _, err := e.submit(ctx, chain.Call{Method: chain.MethodAnnounce, Payload: e.pubKey}); err != nil {
		return err
	}

	ticker := time.NewTicker(announcePoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		bound, err := e.cfg.Ledger.Binding(ctx, e.self)
		if err != nil {
			return err
		}

		if bytes.Equal(bound, e.pubKey) {
			logger.Info("off-chain key announced", "account", e.self.Hex())
			return nil
		}
	}
}

// submit sends a call with the next account nonce. The nonce is fetched
// from the ledger once and then incremented locally; a failed submission
// drops the cache so the next call re-reads it.
func (e *Engine) submit(ctx context.Context, call chain.Call) (chain.TxHash, error) {
	e.txMu.Lock()
	defer e.txMu.Unlock()

	if !e.txLoaded {
		n, err := e.cfg.Ledger.TxNonce(ctx, e.self)
		if err != nil {
			return chain.TxHash{}, fmt.Errorf("fetch tx nonce:\n%w", err)
		}
		e.txNext, e.txLoaded = n, true
	}

	hash, err := e.cfg.Ledger.Submit(ctx, call, e.cfg.Account, e.txNext)
	if err != nil {
		e.txLoaded = false
		return chain.TxHash{}, err
	}

	e.txNext++

	logger.Debug("tx submitted", "method", call.Method, "hash", hash.String()[:16])

	return hash, nil
}

// resume restarts settlers and watchers for every stored channel.
func (e *Engine) resume(ctx context.Context) error {
	return e.records.Scan(func(rec *channel.SignedState) error {
		info, err := e.cfg.Ledger.QueryState(ctx, rec.Channel)
		if err != nil {
			return err
		}

		peer := rec.Counterparty(e.self)

		switch rec.State.Kind() {
		case channel.KindPendingSettlement:
			e.startSettler(rec, info, info.Initiator == e.self || !info.Open())
		case channel.KindFunded, channel.KindActive:
			if p, ok := info.State.(channel.PendingSettlement); ok && info.Initiator != e.self {
				// The counterparty started closing while we were down.
				if err := e.follow(rec, p, info); err != nil {
					return err
				}
				return nil
			}
			e.watch(rec.Channel, peer)
		}

		return nil
	})
}

// keyHalf derives the responder key half of a challenge from the on-chain secret.
func (e *Engine) keyHalf(id channel.ID, challengeHash [32]byte) [32]byte {
	e.secretMu.RLock()
	defer e.secretMu.RUnlock()

	return deriveHalf(e.secret, id, challengeHash)
}

// channelID returns the id of the channel with peer.
func (e *Engine) channelID(peer channel.Address) (channel.ID, error) {
	if peer == e.self {
		return channel.ID{}, ErrSelfChannel
	}

	return channel.NewID(e.self, peer), nil
}

// peerKey returns the off-chain key the ledger binds to peer.
func (e *Engine) peerKey(ctx context.Context, peer channel.Address) ([]byte, error) {
	key, err := e.cfg.Ledger.Binding(ctx, peer)
	if err != nil {
		return nil, fmt.Errorf("query binding of %s:\n%w", peer.Hex(), err)
	}

	if key == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnboundCounterparty, peer.Hex())
	}

	return key, nil
}

// spawn runs fn in a tracked goroutine that Stop waits for.
// Once Stop has begun fn is dropped and spawn returns false.
func (e *Engine) spawn(fn func()) bool {
	e.spawnMu.Lock()
	defer e.spawnMu.Unlock()

	if e.stopping {
		return false
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()

	return true
}
