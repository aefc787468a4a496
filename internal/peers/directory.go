// Package peers implements C9: a process-wide, non-durable directory of
// known remote nodes. Backed by hashicorp/golang-lru/v2 for bounded memory
// use, with a background sweep evicting entries whose lastSeen exceeds the
// TTL — the generic LRU has no built-in TTL eviction, so the sweep goroutine
// is adapted from the teacher's connection_pool.go reaper() ticker loop.
package peers

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"firma-sign/core/internal/model"
)

// TTL is the sliding window after which an entry is considered stale, per
// §4.9.
const TTL = 24 * time.Hour

const capacity = 4096

// Directory is the process-wide peer cache. Entries are weak references,
// never the source of truth for durable records.
type Directory struct {
	mu      sync.Mutex
	cache   *lru.Cache[string, *model.Peer]
	log     *logrus.Logger
	closing chan struct{}
	once    sync.Once
}

// New constructs a Directory and starts its background TTL sweep.
func New(log *logrus.Logger) *Directory {
	cache, _ := lru.New[string, *model.Peer](capacity)
	d := &Directory{cache: cache, log: log, closing: make(chan struct{})}
	go d.sweeper()
	return d
}

// Upsert records or refreshes a peer entry, merging addresses and known
// transports rather than discarding what was already known about it.
func (d *Directory) Upsert(p model.Peer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, ok := d.cache.Get(p.PeerID); ok {
		p.Addresses = mergeUnique(existing.Addresses, p.Addresses)
		p.Protocols = mergeUnique(existing.Protocols, p.Protocols)
		p.TransportsKnown = mergeUnique(existing.TransportsKnown, p.TransportsKnown)
		if p.LastSeen == 0 {
			p.LastSeen = existing.LastSeen
		}
	}
	d.cache.Add(p.PeerID, &p)
}

// Touch bumps lastSeen for a known peer to the current time; a no-op if the
// peer is not present.
func (d *Directory) Touch(peerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.cache.Get(peerID); ok {
		p.LastSeen = time.Now().Unix()
	}
}

// Get returns a peer entry by id.
func (d *Directory) Get(peerID string) (model.Peer, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.cache.Get(peerID)
	if !ok {
		return model.Peer{}, false
	}
	return *p, true
}

// List returns every currently-known peer.
func (d *Directory) List() []model.Peer {
	d.mu.Lock()
	defer d.mu.Unlock()
	keys := d.cache.Keys()
	out := make([]model.Peer, 0, len(keys))
	for _, k := range keys {
		if p, ok := d.cache.Peek(k); ok {
			out = append(out, *p)
		}
	}
	return out
}

// Remove drops a peer entry immediately (manual removal).
func (d *Directory) Remove(peerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cache.Remove(peerID)
}

// Close stops the background sweep.
func (d *Directory) Close() {
	d.once.Do(func() { close(d.closing) })
}

func (d *Directory) sweeper() {
	ticker := time.NewTicker(TTL / 24)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.sweep()
		case <-d.closing:
			return
		}
	}
}

func (d *Directory) sweep() {
	cutoff := time.Now().Add(-TTL).Unix()
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, k := range d.cache.Keys() {
		p, ok := d.cache.Peek(k)
		if ok && p.LastSeen < cutoff {
			d.cache.Remove(k)
		}
	}
}

func mergeUnique(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, v := range list {
			if v != "" && !seen[v] {
				seen[v] = true
				out = append(out, v)
			}
		}
	}
	return out
}
