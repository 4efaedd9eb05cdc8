// Package balance keeps the per-token balance cache of an account fresh by
// polling the chain on two independent tracks.
package balance

import (
	"sync"
	"time"

	"github.com/tranvictor/walletcore/token"
)

type entry struct {
	balance    token.Balance
	observedAt time.Time
}

// Cache maps token IDs to the latest observed balance. Keys are normalized on
// every read and write.
type Cache struct {
	mu      sync.RWMutex
	entries map[token.ID]entry
}

func NewCache() *Cache {
	return &Cache{entries: make(map[token.ID]entry)}
}

// Snapshot returns a copy of every cached balance.
func (c *Cache) Snapshot() map[token.ID]token.Balance {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[token.ID]token.Balance, len(c.entries))
	for id, e := range c.entries {
		out[id] = e.balance
	}
	return out
}

// Get returns the cached balance of id.
func (c *Cache) Get(id token.ID) (token.Balance, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[id.Normalize()]
	return e.balance, ok
}

// Len returns the number of cached tokens.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// ApplyUpdates replaces the given entries and reports whether any value was
// new or different. Later calls win regardless of when the values were
// observed.
func (c *Cache) ApplyUpdates(updates map[token.ID]token.Balance) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	changed := false
	for id, b := range updates {
		if c.applyLocked(id.Normalize(), b, time.Time{}, false) {
			changed = true
		}
	}
	return changed
}

// ApplyObserved is ApplyUpdates for values read from the chain at
// observedAt. An update is dropped when the cached value for that token was
// observed later.
func (c *Cache) ApplyObserved(updates map[token.ID]token.Balance, observedAt time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	changed := false
	for id, b := range updates {
		if c.applyLocked(id.Normalize(), b, observedAt, true) {
			changed = true
		}
	}
	return changed
}

func (c *Cache) applyLocked(id token.ID, b token.Balance, observedAt time.Time, ordered bool) bool {
	cur, ok := c.entries[id]
	if ok && ordered && cur.observedAt.After(observedAt) {
		return false
	}

	seen := cur.observedAt
	if observedAt.After(seen) {
		seen = observedAt
	}
	c.entries[id] = entry{balance: b, observedAt: seen}

	return !ok || !cur.balance.Equal(b)
}
