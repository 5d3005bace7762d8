// Package deferral implements the greylist/flood controller: counters
// and first-seen timestamps keyed by flow fingerprint, with per-class
// TTLs.
package deferral

import (
	"sync"
	"time"
)

// Class identifies which deferral policy applies to a key.
type Class int

const (
	ClassSoftFail Class = iota
	ClassGrey
	ClassBlack
	ClassFlood
)

// DefaultTTL returns the built-in class TTL; SetTTL overrides it per
// Controller.
func DefaultTTL(c Class) time.Duration {
	switch c {
	case ClassSoftFail:
		return 1 * time.Hour
	case ClassGrey:
		return 1 * time.Hour
	case ClassBlack:
		return 6 * time.Hour
	case ClassFlood:
		return 5 * time.Minute
	}
	return time.Hour
}

type record struct {
	firstSeen time.Time
	lastSeen  time.Time
	retries   int
}

// Controller tracks deferral records keyed by flow (origin>recipient) or
// by origin alone (flood class).
type Controller struct {
	mu      sync.Mutex
	records map[Class]map[string]*record
	ttl     map[Class]time.Duration
}

func New() *Controller {
	c := &Controller{
		records: make(map[Class]map[string]*record),
		ttl:     make(map[Class]time.Duration),
	}
	for _, cl := range []Class{ClassSoftFail, ClassGrey, ClassBlack, ClassFlood} {
		c.records[cl] = map[string]*record{}
		c.ttl[cl] = DefaultTTL(cl)
	}
	return c
}

// SetTTL overrides the TTL for a class (bound from config, the
// softfail/grey/black/flood directives of the defer block).
func (c *Controller) SetTTL(class Class, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ttl[class] = ttl
}

// Engage records a deferral attempt for key under class. It returns
// whether the caller should defer the message (true until the TTL has
// elapsed since the first attempt; the attempt after that is released
// and the record dropped, so a later attempt starts a new record) and
// the number of retries observed so far.
func (c *Controller) Engage(class Class, key string) (shouldDefer bool, retries int) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	ttl := c.ttl[class]

	m := c.records[class]
	r, ok := m[key]
	if ok && now.Sub(r.firstSeen) > ttl {
		// TTL elapsed: the flow is released, counters reset.
		delete(m, key)
		return false, r.retries + 1
	}

	if !ok {
		m[key] = &record{firstSeen: now, lastSeen: now, retries: 1}
		return true, 1
	}

	r.lastSeen = now
	r.retries++
	return now.Sub(r.firstSeen) <= ttl, r.retries
}

// Retries returns the current retry count for key under class without
// mutating state, or 0 if there is no record.
func (c *Controller) Retries(class Class, key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.records[class][key]; ok {
		return r.retries
	}
	return 0
}

// AbuseRecord is the plain-text-serialisable form of a record, used only
// by internal/persist's dns.abuse.txt: the DNS-frontend abuse
// throttle is the one Controller instance operators expect to inspect by
// hand, so it is persisted as lines of text rather than gob.
type AbuseRecord struct {
	Key       string
	FirstSeen time.Time
	LastSeen  time.Time
	Retries   int
}

// Records returns every record under class, for persistence.
func (c *Controller) Records(class Class) []AbuseRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]AbuseRecord, 0, len(c.records[class]))
	for key, r := range c.records[class] {
		out = append(out, AbuseRecord{Key: key, FirstSeen: r.firstSeen, LastSeen: r.lastSeen, Retries: r.retries})
	}
	return out
}

// RestoreRecord loads a single AbuseRecord back into class on startup.
func (c *Controller) RestoreRecord(class Class, rec AbuseRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records[class][rec.Key] = &record{firstSeen: rec.FirstSeen, lastSeen: rec.LastSeen, retries: rec.Retries}
}

// Reap drops stale records across all classes.
func (c *Controller) Reap() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for class, m := range c.records {
		ttl := c.ttl[class]
		for key, r := range m {
			if now.Sub(r.firstSeen) > ttl {
				delete(m, key)
			}
		}
	}
}

// ReapLoop runs Reap every interval until stop is closed.
func (c *Controller) ReapLoop(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.Reap()
		}
	}
}
