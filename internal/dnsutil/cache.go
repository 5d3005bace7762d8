package dnsutil

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/spfbld/spfbld/internal/exterrors"
)

const (
	minTTL = 60 * time.Second
	maxTTL = 24 * time.Hour
)

type cacheKey struct {
	qtype string
	name  string
}

type cacheEntry struct {
	txt     []string
	host    []string
	mx      []*net.MX
	addr    []net.IPAddr
	ptr     []string
	err     error
	expires time.Time
}

// cachingResolver wraps a Resolver with a per-qtype+name TTL cache. Entries
// are stored under a mutex and read via a copy-on-read snapshot so callers
// never observe a partially-updated slice; this mirrors the dirty-flag
// snapshot approach used for the engine's other shared maps (see
// internal/persist).
type cachingResolver struct {
	upstream Resolver

	mu      sync.Mutex
	entries map[cacheKey]cacheEntry
}

// NewCaching wraps upstream with a fixed-window cache. Record TTLs are not
// consulted (net.Resolver does not expose them): answers and temporary
// failures are kept for minTTL, other failures (NXDOMAIN) for maxTTL.
func NewCaching(upstream Resolver) Resolver {
	return &cachingResolver{
		upstream: upstream,
		entries:  make(map[cacheKey]cacheEntry),
	}
}

func (c *cachingResolver) lookup(key cacheKey, fill func() cacheEntry) cacheEntry {
	c.mu.Lock()
	entry, ok := c.entries[key]
	c.mu.Unlock()
	if ok && time.Now().Before(entry.expires) {
		return entry
	}

	entry = fill()
	entry.expires = time.Now().Add(minTTL)
	if entry.err != nil && !isTemporaryDNS(entry.err) {
		// Cache negative (NXDOMAIN) results up to the ceiling: they are
		// much less likely to flap than transient failures.
		entry.expires = time.Now().Add(maxTTL)
	}

	c.mu.Lock()
	c.entries[key] = entry
	c.mu.Unlock()
	return entry
}

func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	if isNXDOMAIN(err) {
		return exterrors.WithFields(ErrNXDOMAIN, map[string]interface{}{"reason": err.Error()})
	}
	return exterrors.WithTemporary(err, isTemporaryDNS(err))
}

func (c *cachingResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	key := cacheKey{"txt", name}
	entry := c.lookup(key, func() cacheEntry {
		txt, err := c.upstream.LookupTXT(ctx, name)
		return cacheEntry{txt: txt, err: wrapErr(err)}
	})
	return entry.txt, entry.err
}

func (c *cachingResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	key := cacheKey{"host", host}
	entry := c.lookup(key, func() cacheEntry {
		addrs, err := c.upstream.LookupHost(ctx, host)
		return cacheEntry{host: addrs, err: wrapErr(err)}
	})
	return entry.host, entry.err
}

func (c *cachingResolver) LookupMX(ctx context.Context, name string) ([]*net.MX, error) {
	key := cacheKey{"mx", name}
	entry := c.lookup(key, func() cacheEntry {
		mx, err := c.upstream.LookupMX(ctx, name)
		return cacheEntry{mx: mx, err: wrapErr(err)}
	})
	return entry.mx, entry.err
}

func (c *cachingResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	key := cacheKey{"ipaddr", host}
	entry := c.lookup(key, func() cacheEntry {
		addr, err := c.upstream.LookupIPAddr(ctx, host)
		return cacheEntry{addr: addr, err: wrapErr(err)}
	})
	return entry.addr, entry.err
}

func (c *cachingResolver) LookupAddr(ctx context.Context, addr string) ([]string, error) {
	key := cacheKey{"ptr", addr}
	entry := c.lookup(key, func() cacheEntry {
		names, err := c.upstream.LookupAddr(ctx, addr)
		return cacheEntry{ptr: names, err: wrapErr(err)}
	})
	return entry.ptr, entry.err
}

// Reap removes expired entries. The cache never calls it itself, and no
// background loop in the engine calls it; without it an expired entry
// stays in the map until the same key is looked up again.
func (c *cachingResolver) Reap() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range c.entries {
		if now.After(v.expires) {
			delete(c.entries, k)
		}
	}
}
