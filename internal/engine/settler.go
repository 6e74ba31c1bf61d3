package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"Paylane/internal/chain"
	"Paylane/internal/channel"
	"Paylane/internal/logger"
)

// watchRetry is the delay between failed attempts to subscribe a closure watcher.
const watchRetry = 500 * time.Millisecond

// settler tracks one running settlement of a channel.
type settler struct {
	id        channel.ID
	peer      channel.Address
	initiator bool      // initiator is true when the local party started the settlement
	deadline  time.Time // deadline is the end of the dispute window

	closed    chan struct{}
	closeOnce sync.Once
	cancel    context.CancelFunc

	withdrawn bool // guarded by the channel lock
}

// markClosed resolves OnceClosed. It is safe to call more than once.
func (s *settler) markClosed() {
	s.closeOnce.Do(func() { close(s.closed) })
}

func (s *settler) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// run resolves the settler when the window elapses or the ledger closes
// the channel, whichever comes first.
func (s *settler) run(ctx context.Context, sub *chain.Subscription, now func() time.Time) {
	if sub != nil {
		defer sub.Cancel()
	}

	timer := time.NewTimer(max(s.deadline.Sub(now()), 0))
	defer timer.Stop()

	var events <-chan chain.Event
	if sub != nil {
		events = sub.C
	}

	select {
	case <-timer.C:
		logger.Debug("settlement window elapsed", "channel", s.id.Short())
	case _, ok := <-events:
		if ok {
			logger.Debug("ledger closed channel", "channel", s.id.Short())
		}
	case <-ctx.Done():
		return
	}

	s.markClosed()
}

// watcher follows a channel for a closure started by the counterparty.
type watcher struct {
	cancel context.CancelFunc
}

// startSettler registers and runs the settler of a PendingSettlement record,
// replacing any previous one for the channel.
func (e *Engine) startSettler(rec *channel.SignedState, info chain.ChannelInfo, initiator bool) *settler {
	p := rec.State.(channel.PendingSettlement)
	id := rec.Channel

	ctx, cancel := context.WithCancel(e.ctx)

	s := &settler{
		id:        id,
		peer:      rec.Counterparty(e.self),
		initiator: initiator,
		deadline:  time.UnixMilli(int64(p.SettlementRound)),
		closed:    make(chan struct{}),
		cancel:    cancel,
	}

	e.mu.Lock()
	if old := e.settlers[id]; old != nil {
		old.cancel()
	}
	e.settlers[id] = s
	e.mu.Unlock()

	e.stopWatch(id)

	if !info.Open() {
		s.markClosed()
		return s
	}

	sub, err := e.cfg.Ledger.Subscribe(ctx, chain.EventClosed, id)
	if err != nil {
		logger.Warn("settler runs on its timer only", "channel", id.Short(), "error", err)
		sub = nil
	}

	if !e.spawn(func() { s.run(ctx, sub, e.cfg.Now) }) && sub != nil {
		sub.Cancel()
	}

	return s
}

// settlerOf returns the settler of a channel, nil if none is registered.
func (e *Engine) settlerOf(id channel.ID) *settler {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.settlers[id]
}

// clearSettler drops the settler of a previous channel lifetime.
func (e *Engine) clearSettler(id channel.ID) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if s := e.settlers[id]; s != nil {
		s.cancel()
		delete(e.settlers, id)
	}
}

// follow stores the counterparty's pending settlement and tracks its window.
func (e *Engine) follow(rec *channel.SignedState, p channel.PendingSettlement, info chain.ChannelInfo) error {
	pending := rec.WithState(p)
	if err := pending.Sign(e.cfg.Key); err != nil {
		return err
	}

	if err := e.records.Put(pending); err != nil {
		return err
	}

	e.startSettler(pending, info, false)

	logger.Info("counterparty initiated settlement",
		"channel", rec.Channel.Short(),
		"counterparty", rec.Counterparty(e.self).Hex(),
		"window_ends", time.UnixMilli(int64(p.SettlementRound)).Format(time.RFC3339Nano),
	)

	return nil
}

// watch starts following the ledger for a closure of the channel initiated
// by peer. It does nothing if the channel is already watched.
func (e *Engine) watch(id channel.ID, peer channel.Address) {
	ctx, cancel := context.WithCancel(e.ctx)
	w := &watcher{cancel: cancel}

	e.mu.Lock()
	if _, ok := e.watchers[id]; ok {
		e.mu.Unlock()
		cancel()
		return
	}
	e.watchers[id] = w
	e.mu.Unlock()

	sub, err := e.cfg.Ledger.Subscribe(ctx, chain.EventClosureInitiated, id)

	spawned := e.spawn(func() {
		defer func() {
			e.mu.Lock()
			if e.watchers[id] == w {
				delete(e.watchers, id)
			}
			e.mu.Unlock()
			cancel()
		}()

		for sub == nil {
			logger.Warn("closure watcher subscribe failed", "channel", id.Short(), "counterparty", peer.Hex(), "error", err)

			select {
			case <-ctx.Done():
				return
			case <-time.After(watchRetry):
			}

			sub, err = e.cfg.Ledger.Subscribe(ctx, chain.EventClosureInitiated, id)
		}
		defer sub.Cancel()

		ev, err := sub.Wait(ctx)
		if err != nil {
			return
		}

		// A closure we initiated is tracked by InitiateSettlement, which holds
		// the channel lock while waiting for this same event.
		if ev.Info.Initiator == e.self {
			return
		}

		e.onCounterpartyClose(ctx, id, ev)
	})

	if !spawned {
		if sub != nil {
			sub.Cancel()
		}
		e.stopWatch(id)
	}
}

// stopWatch ends the channel's closure watcher.
func (e *Engine) stopWatch(id channel.ID) {
	e.mu.Lock()
	w := e.watchers[id]
	delete(e.watchers, id)
	e.mu.Unlock()

	if w != nil {
		w.cancel()
	}
}

// onCounterpartyClose moves a stored channel to PendingSettlement after the
// counterparty started closing it.
func (e *Engine) onCounterpartyClose(ctx context.Context, id channel.ID, ev chain.Event) {
	unlock := e.locks.lock(id)
	defer unlock()

	if ctx.Err() != nil {
		return
	}

	rec, err := e.records.Get(id)
	if err != nil || rec == nil {
		return
	}

	if rec.State.Kind() == channel.KindPendingSettlement {
		return
	}

	p, ok := ev.Info.State.(channel.PendingSettlement)
	if !ok {
		return
	}

	if err := e.follow(rec, p, ev.Info); err != nil {
		logger.Error("failed to follow settlement", "channel", id.Short(), "error", err)
	}
}

// InitiateSettlement starts closing the channel with peer on the ledger.
// The dispute window length is read from the ledger at this point.
// Calling it on a channel already pending settlement is a no-op.
func (e *Engine) InitiateSettlement(ctx context.Context, peer channel.Address) error {
	if err := e.life.check(); err != nil {
		return err
	}

	id, err := e.channelID(peer)
	if err != nil {
		return err
	}

	unlock := e.locks.lock(id)
	defer unlock()

	stored, err := e.records.Get(id)
	if err != nil {
		return err
	}

	// A pending record outlives the ledger channel until it is withdrawn.
	if stored != nil && stored.State.Kind() == channel.KindPendingSettlement {
		return nil
	}

	// A funding this account never recorded settles from Funded.
	if stored == nil {
		info, err := e.cfg.Ledger.QueryState(ctx, id)
		if err != nil {
			return fmt.Errorf("query ledger state:\n%w", err)
		}

		if ownFunding(info, e.self) {
			logger.Warn("adopting unrecorded funding", "channel", id.Short(), "counterparty", peer.Hex())
			if err := e.storeFunded(peer, info); err != nil {
				return err
			}
		}
	}

	rec, open, err := e.checkOpen(ctx, id)
	if err != nil {
		return err
	}

	if !open {
		return &channel.StateError{
			Channel: id,
			Got:     channel.KindUninitialized,
			Want:    []channel.Kind{channel.KindFunded, channel.KindActive},
		}
	}

	info, err := e.cfg.Ledger.QueryState(ctx, id)
	if err != nil {
		return fmt.Errorf("query ledger state:\n%w", err)
	}

	window, err := e.cfg.Ledger.SettlementWindow(ctx)
	if err != nil {
		return fmt.Errorf("query settlement window:\n%w", err)
	}

	if _, ok := info.State.(channel.PendingSettlement); !ok {
		info, err = e.closeOnLedger(ctx, id, peer)
		if err != nil {
			return err
		}
	}

	p, ok := info.State.(channel.PendingSettlement)
	if !ok {
		return fmt.Errorf("ledger holds channel %s as %s after closure", id.Short(), info.State.Kind())
	}

	pending := rec.WithState(p)
	if err := pending.Sign(e.cfg.Key); err != nil {
		return err
	}

	if err := e.records.Put(pending); err != nil {
		return err
	}

	s := e.startSettler(pending, info, info.Initiator == e.self)

	logger.Info("settlement initiated",
		"channel", id.Short(),
		"counterparty", peer.Hex(),
		"initiator", s.initiator,
		"window", window,
		"window_ends", s.deadline.Format(time.RFC3339Nano),
	)

	return nil
}

// closeOnLedger submits the closure and returns the ledger state once it finalized.
func (e *Engine) closeOnLedger(ctx context.Context, id channel.ID, peer channel.Address) (chain.ChannelInfo, error) {
	sub, err := e.cfg.Ledger.Subscribe(ctx, chain.EventClosureInitiated, id)
	if err != nil {
		return chain.ChannelInfo{}, fmt.Errorf("subscribe to closure:\n%w", err)
	}
	defer sub.Cancel()

	call := chain.Call{Method: chain.MethodInitiateClose, Channel: id, Counterparty: peer}
	if _, err := e.submit(ctx, call); err != nil {
		return chain.ChannelInfo{}, fmt.Errorf("submit closure:\n%w", err)
	}

	if _, err := sub.Wait(ctx); err != nil {
		return chain.ChannelInfo{}, fmt.Errorf("wait for closure of %s:\n%w", id.Short(), err)
	}

	info, err := e.cfg.Ledger.QueryState(ctx, id)
	if err != nil {
		return chain.ChannelInfo{}, fmt.Errorf("query ledger state:\n%w", err)
	}

	return info, nil
}

// OnceClosed blocks until the settlement with peer may be withdrawn.
func (e *Engine) OnceClosed(ctx context.Context, peer channel.Address) error {
	if err := e.life.check(); err != nil {
		return err
	}

	id, err := e.channelID(peer)
	if err != nil {
		return err
	}

	s := e.settlerOf(id)
	if s == nil {
		return fmt.Errorf("%w: channel %s", ErrNoSettlement, id.Short())
	}

	select {
	case <-s.closed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.ctx.Done():
		return ErrStopped
	}
}

// Withdraw finalizes a settlement whose window has closed and removes the
// channel record together with its challenge index.
func (e *Engine) Withdraw(ctx context.Context, peer channel.Address) error {
	s, unlock, err := e.lockSettler(peer)
	if err != nil {
		return err
	}
	defer unlock()

	if !s.isClosed() {
		return fmt.Errorf("%w: channel %s window ends %s", ErrNotYetClosed, s.id.Short(), s.deadline.Format(time.RFC3339Nano))
	}

	return e.finish(ctx, s)
}

// CooperativeClose lets the party that did not initiate the settlement
// finalize it before the window ends.
func (e *Engine) CooperativeClose(ctx context.Context, peer channel.Address) error {
	s, unlock, err := e.lockSettler(peer)
	if err != nil {
		return err
	}
	defer unlock()

	if s.initiator && !s.isClosed() {
		return fmt.Errorf("%w: initiator must wait for the window on channel %s", ErrNotYetClosed, s.id.Short())
	}

	return e.finish(ctx, s)
}

// lockSettler takes the channel lock and returns the settler still owed a withdrawal.
func (e *Engine) lockSettler(peer channel.Address) (*settler, func(), error) {
	if err := e.life.check(); err != nil {
		return nil, nil, err
	}

	id, err := e.channelID(peer)
	if err != nil {
		return nil, nil, err
	}

	unlock := e.locks.lock(id)

	s := e.settlerOf(id)
	if s == nil {
		unlock()
		return nil, nil, fmt.Errorf("%w: channel %s", ErrNoSettlement, id.Short())
	}

	if s.withdrawn {
		unlock()
		return nil, nil, fmt.Errorf("%w: channel %s", ErrAlreadyWithdrawn, id.Short())
	}

	return s, unlock, nil
}

// finish finalizes the closure on the ledger if still pending, then deletes
// the record and its challenge keys in one batch. Caller holds the channel lock.
func (e *Engine) finish(ctx context.Context, s *settler) error {
	info, err := e.cfg.Ledger.QueryState(ctx, s.id)
	if err != nil {
		return fmt.Errorf("query ledger state:\n%w", err)
	}

	if info.Open() {
		sub, err := e.cfg.Ledger.Subscribe(ctx, chain.EventClosed, s.id)
		if err != nil {
			return fmt.Errorf("subscribe to close:\n%w", err)
		}
		defer sub.Cancel()

		call := chain.Call{Method: chain.MethodFinalizeClose, Channel: s.id, Counterparty: s.peer}
		if _, err := e.submit(ctx, call); err != nil {
			// Our timer may run ahead of the ledger clock that enforces the window.
			if s.initiator && errors.Is(err, chain.ErrRejected) {
				return fmt.Errorf("%w: ledger still holds the window of channel %s:\n%w", ErrNotYetClosed, s.id.Short(), err)
			}
			return fmt.Errorf("submit final close:\n%w", err)
		}

		if _, err := sub.Wait(ctx); err != nil {
			return fmt.Errorf("wait for close of %s:\n%w", s.id.Short(), err)
		}
	}

	keys, err := e.challenges.Keys(s.id)
	if err != nil {
		return err
	}

	if err := e.records.Delete(s.id, keys...); err != nil {
		return err
	}

	s.withdrawn = true
	s.markClosed()
	s.cancel()

	logger.Info("settlement withdrawn", "channel", s.id.Short(), "counterparty", s.peer.Hex(), "challenges", len(keys))

	return nil
}

// CloseAll initiates settlement of every stored channel concurrently.
// Per-channel failures are collected into a CloseAllError.
func (e *Engine) CloseAll(ctx context.Context) error {
	chans, err := e.Channels()
	if err != nil {
		return err
	}

	var (
		g        errgroup.Group
		mu       sync.Mutex
		failures []ChannelFailure
	)

	for _, c := range chans {
		g.Go(func() error {
			if err := e.InitiateSettlement(ctx, c.Counterparty); err != nil {
				logger.Warn("channel failed to settle", "channel", c.ID.Short(), "counterparty", c.Counterparty.Hex(), "error", err)

				mu.Lock()
				failures = append(failures, ChannelFailure{Channel: c.ID, Counterparty: c.Counterparty, Err: err})
				mu.Unlock()
			}
			return nil
		})
	}

	g.Wait()

	if len(failures) == 0 {
		logger.Info("all channels settling", "channels", len(chans))
		return nil
	}

	sort.Slice(failures, func(i, j int) bool {
		return bytes.Compare(failures[i].Channel[:], failures[j].Channel[:]) < 0
	})

	return &CloseAllError{Failures: failures}
}
