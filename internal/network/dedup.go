package network

import (
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

const (
	// DefaultDedupTTL is how long a delivered message is remembered.
	DefaultDedupTTL = 30 * time.Second

	// sweepInterval is the interval between expiry sweeps.
	sweepInterval = time.Second
)

// Dedup drops one-way messages retransmitted within a TTL.
type Dedup struct {
	mu   sync.Mutex
	seen map[[32]byte]time.Time // seen maps a blake3 message hash to its arrival
	ttl  time.Duration
	now  func() time.Time

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewDedup starts a deduplicator whose entries expire after ttl.
func NewDedup(ttl time.Duration) *Dedup {
	return newDedup(ttl, time.Now)
}

func newDedup(ttl time.Duration, now func() time.Time) *Dedup {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}

	d := &Dedup{
		seen: make(map[[32]byte]time.Time),
		ttl:  ttl,
		now:  now,
		stop: make(chan struct{}),
	}

	d.wg.Add(1)
	go d.sweepLoop()

	return d
}

// Check reports whether data is new and remembers it.
func (d *Dedup) Check(data []byte) bool {
	hash := blake3.Sum256(data)
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if at, ok := d.seen[hash]; ok && now.Sub(at) < d.ttl {
		return false
	}

	d.seen[hash] = now
	return true
}

// Len returns the number of remembered messages.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.seen)
}

// Close stops the sweeper.
func (d *Dedup) Close() {
	close(d.stop)
	d.wg.Wait()
}

func (d *Dedup) sweepLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.sweep()
		case <-d.stop:
			return
		}
	}
}

// sweep drops expired entries.
func (d *Dedup) sweep() {
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	for hash, at := range d.seen {
		if now.Sub(at) >= d.ttl {
			delete(d.seen, hash)
		}
	}
}
