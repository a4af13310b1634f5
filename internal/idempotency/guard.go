// Package idempotency deduplicates identical order submissions inside a
// short TTL window, absorbing retry races and double-invocation bugs
// upstream of the execution engine.
package idempotency

import (
	"fmt"
	"sync"
	"time"
)

// DefaultTTL is the dedup window for identical order fingerprints.
const DefaultTTL = 5 * time.Second

// Guard maps order fingerprints to expiry timestamps. Safe for concurrent
// callers. Cleanup is lazy, amortized over checks; there is no sweeper
// goroutine.
type Guard struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]time.Time
	now     func() time.Time
}

// NewGuard creates a guard with the given TTL (DefaultTTL when zero).
func NewGuard(ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Guard{
		ttl:     ttl,
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

// Fingerprint derives the dedup key for an order submission. Price is
// quantized to four decimals so float noise does not defeat deduplication.
func Fingerprint(symbol, side string, price, qty float64, signalID string) string {
	return fmt.Sprintf("%s|%s|%.4f|%.8f|%s", symbol, side, price, qty, signalID)
}

// ShouldSubmit reports whether no live entry exists for the key.
func (g *Guard) ShouldSubmit(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.cleanupLocked(now)

	expiry, exists := g.entries[key]
	if !exists {
		return true
	}
	return now.After(expiry)
}

// MarkSubmitted records an accepted submission, setting expiry = now + TTL.
func (g *Guard) MarkSubmitted(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.entries[key] = g.now().Add(g.ttl)
}

// cleanupLocked drops expired entries. Called with the lock held.
func (g *Guard) cleanupLocked(now time.Time) {
	for key, expiry := range g.entries {
		if now.After(expiry) {
			delete(g.entries, key)
		}
	}
}

// Len returns the number of live entries, for diagnostics.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}
