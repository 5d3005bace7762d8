package token

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/spfbld/spfbld/internal/dnsutil"
)

// ConfirmTTL bounds how long a forward-confirmation result is trusted
// before a fresh DNS walk is required, mirroring the floor/ceiling TTL
// shape of internal/dnsutil's cachingResolver.
const ConfirmTTL = 6 * time.Hour

// ConfirmEntry is one cached HELO/PTR forward-confirmation result, keyed by
// "<helo>|<ip>" (helo empty when the PTR-only fallback was used).
type ConfirmEntry struct {
	Key     string
	Result  bool
	Checked time.Time
}

// ConfirmCache memoizes Expand's HELO-resolves/PTR-forward-confirms checks
// so a burst of messages from the same peer does not re-walk DNS on every
// connection. Persisted as helo.map.
type ConfirmCache struct {
	mu      sync.Mutex
	entries map[string]ConfirmEntry
}

func NewConfirmCache() *ConfirmCache {
	return &ConfirmCache{entries: map[string]ConfirmEntry{}}
}

func confirmKey(helo string, ip net.IP) string {
	if ip == nil {
		return helo + "|"
	}
	return helo + "|" + ip.String()
}

func (c *ConfirmCache) get(key string) (bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || time.Since(e.Checked) > ConfirmTTL {
		return false, false
	}
	return e.Result, true
}

func (c *ConfirmCache) put(key string, result bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = ConfirmEntry{Key: key, Result: result, Checked: time.Now()}
}

// HeloForwardConfirms is the cached wrapper the decision pipeline's rule 7
// uses: it consults the cache before falling through to HeloResolves (when
// a HELO was given) or ForwardConfirms (PTR-only fallback).
func (c *ConfirmCache) HeloForwardConfirms(ctx context.Context, resolver dnsutil.Resolver, helo string, ip net.IP) bool {
	key := confirmKey(helo, ip)
	if v, ok := c.get(key); ok {
		return v
	}

	var result bool
	if helo != "" {
		result = HeloResolves(ctx, resolver, helo, ip)
	} else {
		result = ForwardConfirms(ctx, resolver, ip)
	}
	c.put(key, result)
	return result
}

// Snapshot returns every cache entry, for helo.map persistence.
func (c *ConfirmCache) Snapshot() []ConfirmEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ConfirmEntry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	return out
}

// Restore loads a single persisted entry back into the cache on startup.
func (c *ConfirmCache) Restore(e ConfirmEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[e.Key] = e
}

// Reap drops entries past ConfirmTTL.
func (c *ConfirmCache) Reap() {
	cutoff := time.Now().Add(-ConfirmTTL)
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if e.Checked.Before(cutoff) {
			delete(c.entries, k)
		}
	}
}
