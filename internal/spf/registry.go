package spf

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/spfbld/spfbld/internal/dnsutil"
	"github.com/spfbld/spfbld/internal/log"
)

const (
	// RefreshAge is how old a record must be before a query-pressure
	// refresh is considered.
	RefreshAge = 7 * 24 * time.Hour
	// EvictAge drops a record that has not been queried in this long.
	EvictAge = 14 * 24 * time.Hour
	// refreshQueryThreshold is the ">3 queries" trigger for a refresh once
	// a record is older than RefreshAge.
	refreshQueryThreshold = 3
	// nxdomainThreshold and queryThreshold together mark a domain
	// "definitely inexistent".
	nxdomainThreshold = 3
	queryThreshold    = 32
)

var ErrNXDOMAIN = dnsutil.ErrNXDOMAIN

type entry struct {
	rec      *Record
	lastUsed time.Time
}

// Registry is the keyed, mutex-protected SPF record cache. It owns
// every Record it has ever fetched; the evaluator only ever reads
// through Lookup.
type Registry struct {
	resolver dnsutil.Resolver
	guesses  *GuessOverrides
	log      log.Logger

	mu      sync.Mutex
	records map[string]*entry
	dirty   bool
}

// TakeDirty reports whether the cache changed since the last call and
// clears the flag; MarkDirty restores it when a snapshot write fails.
func (r *Registry) TakeDirty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.dirty
	r.dirty = false
	return d
}

func (r *Registry) MarkDirty() {
	r.mu.Lock()
	r.dirty = true
	r.mu.Unlock()
}

func NewRegistry(resolver dnsutil.Resolver, guesses *GuessOverrides, logger log.Logger) *Registry {
	if guesses == nil {
		guesses = NewGuessOverrides()
	}
	return &Registry{
		resolver: resolver,
		guesses:  guesses,
		log:      logger,
		records:  make(map[string]*entry),
	}
}

// Lookup returns the cached Record for domain, fetching and parsing it if
// this is the first query or the cached entry is stale enough to need a
// refresh. A DNS outage returns the stale record rather than an error.
func (r *Registry) Lookup(ctx context.Context, domain string) (*Record, error) {
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))

	r.mu.Lock()
	e, ok := r.records[domain]
	var needsRefresh bool
	if ok {
		e.rec.QueryCount++
		e.lastUsed = time.Now()
		r.dirty = true
		needsRefresh = time.Since(e.rec.LastRefresh) > RefreshAge && e.rec.QueryCount > refreshQueryThreshold
	}
	r.mu.Unlock()

	if ok && !needsRefresh {
		return e.rec, nil
	}

	rec, err := r.fetch(ctx, domain)
	if err != nil {
		if errors.Is(err, ErrNXDOMAIN) {
			if ok {
				r.mu.Lock()
				e.rec.NXDOMAINCount++
				r.mu.Unlock()
				return e.rec, nil
			}
			return nil, err
		}
		// Transient failure: serve the stale record if we have one.
		if ok {
			r.log.Debugf("spf: refresh failed for %s, serving stale record: %v", domain, err)
			return e.rec, nil
		}
		return nil, err
	}

	r.mu.Lock()
	r.records[domain] = &entry{rec: rec, lastUsed: time.Now()}
	r.dirty = true
	r.mu.Unlock()
	return rec, nil
}

// DefinitelyInexistent reports whether domain has been observed NXDOMAIN
// enough times under enough query pressure that the decision pipeline
// should treat it as a nonexistent sending domain.
func (r *Registry) DefinitelyInexistent(domain string) bool {
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.records[domain]
	if !ok {
		return false
	}
	return e.rec.NXDOMAINCount > nxdomainThreshold && e.rec.QueryCount > queryThreshold
}

func (r *Registry) fetch(ctx context.Context, domain string) (*Record, error) {
	fqdn := dnsutil.FQDN(domain)

	txts, err := r.resolver.LookupTXT(ctx, fqdn)
	if err != nil {
		if errors.Is(err, ErrNXDOMAIN) {
			return nil, err
		}
		// A TXT failure that isn't NXDOMAIN is recovered from with the
		// best-guess record (override or default) rather than surfacing
		// TEMPERROR for the whole evaluation; Guess always returns a
		// record, so this path never reports an error.
		return r.guesses.Guess(domain), nil
	}

	var body string
	for _, t := range txts {
		if strings.HasPrefix(strings.ToLower(strings.Trim(t, `"`)), "v=spf1") {
			body = t
			break
		}
	}

	if body == "" {
		return r.guesses.Guess(domain), nil
	}

	rec := parse(domain, body)
	rec.LastRefresh = time.Now()
	return rec, nil
}

// Refresh forces re-fetch of domain regardless of its cache state,
// implementing the "REFRESH <domain>" text-protocol verb. Returns
// false if the domain was not previously loaded.
func (r *Registry) Refresh(ctx context.Context, domain string) (bool, error) {
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))
	r.mu.Lock()
	_, wasLoaded := r.records[domain]
	r.mu.Unlock()
	if !wasLoaded {
		return false, nil
	}

	rec, err := r.fetch(ctx, domain)
	if err != nil {
		return true, err
	}
	r.mu.Lock()
	r.records[domain] = &entry{rec: rec, lastUsed: time.Now()}
	r.dirty = true
	r.mu.Unlock()
	return true, nil
}

// RefreshLoop runs until ctx is cancelled, periodically picking the
// highest-query-count record due for a refresh and re-resolving it,
// and evicting entries unused for EvictAge.
func (r *Registry) RefreshLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepOnce(ctx)
		}
	}
}

// PersistRecord is the gob-serialisable form of a cached entry, for
// spf.map.
type PersistRecord struct {
	Domain   string
	Rec      Record
	LastUsed time.Time
}

// PersistRecords returns every cached Record for persistence.
func (r *Registry) PersistRecords() []PersistRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]PersistRecord, 0, len(r.records))
	for domain, e := range r.records {
		out = append(out, PersistRecord{Domain: domain, Rec: *e.rec, LastUsed: e.lastUsed})
	}
	return out
}

// RestorePersistRecord loads a single PersistRecord back into the registry
// on startup.
func (r *Registry) RestorePersistRecord(p PersistRecord) {
	rec := p.Rec
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[p.Domain] = &entry{rec: &rec, lastUsed: p.LastUsed}
}

func (r *Registry) sweepOnce(ctx context.Context) {
	r.mu.Lock()
	var best string
	var bestQueries int
	now := time.Now()
	for domain, e := range r.records {
		if now.Sub(e.lastUsed) > EvictAge {
			delete(r.records, domain)
			r.dirty = true
			continue
		}
		if time.Since(e.rec.LastRefresh) > RefreshAge && e.rec.QueryCount > bestQueries {
			best = domain
			bestQueries = e.rec.QueryCount
		}
	}
	r.mu.Unlock()

	if best != "" && bestQueries > refreshQueryThreshold {
		if _, err := r.Refresh(ctx, best); err != nil {
			r.log.Debugf("spf: background refresh of %s failed: %v", best, err)
		}
	}
}
