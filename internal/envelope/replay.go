package envelope

import (
	"sync"
	"time"
)

// ReplayCache remembers verified envelopes until their timestamp falls
// outside the skew window, after which Open rejects them as stale anyway.
type ReplayCache struct {
	mu        sync.Mutex
	window    time.Duration
	seen      map[string]time.Time // actor|nonce -> forget after
	lastPrune time.Time
}

// NewReplayCache creates a cache for envelopes accepted within window of
// the server clock.
func NewReplayCache(window time.Duration) *ReplayCache {
	return &ReplayCache{window: window, seen: make(map[string]time.Time)}
}

// Check records env and returns ErrReplayed when the same actor and nonce
// were already accepted. Only call it for envelopes that passed Open.
func (c *ReplayCache) Check(env *Envelope, now time.Time) error {
	key := env.Actor + "|" + env.Nonce
	forget := time.UnixMilli(env.Timestamp).Add(c.window)

	c.mu.Lock()
	defer c.mu.Unlock()

	if now.Sub(c.lastPrune) > c.window {
		for k, until := range c.seen {
			if now.After(until) {
				delete(c.seen, k)
			}
		}
		c.lastPrune = now
	}
	if until, ok := c.seen[key]; ok && !now.After(until) {
		return ErrReplayed
	}
	c.seen[key] = forget
	return nil
}

// Len reports how many envelopes are remembered.
func (c *ReplayCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
