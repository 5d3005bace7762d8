package reputation

import (
	"hash/fnv"
	"sync"
	"time"
)

// shardCount is the sharding width. A shard's mutex is what serialises
// updates to any given token; cross-token ordering is not guaranteed.
const shardCount = 16

// EvictAge drops a Distribution that has not been queried in this long.
const EvictAge = 14 * 24 * time.Hour

// Notifier is implemented by internal/gossip's Pusher: every mutating
// operation that should propagate to peers calls through it.
type Notifier interface {
	Notify(token string, d *Distribution, dropped bool)
}

type noopNotifier struct{}

func (noopNotifier) Notify(string, *Distribution, bool) {}

type shard struct {
	mu   sync.Mutex
	data map[string]*Distribution
}

// Store is the sharded Distribution map.
type Store struct {
	shards   [shardCount]*shard
	Notifier Notifier

	dirtyMu sync.Mutex
	dirty   bool
}

func (s *Store) markDirty() {
	s.dirtyMu.Lock()
	s.dirty = true
	s.dirtyMu.Unlock()
}

// TakeDirty reports whether the store changed since the last call and
// clears the flag; MarkDirty restores it when a snapshot write fails.
func (s *Store) TakeDirty() bool {
	s.dirtyMu.Lock()
	defer s.dirtyMu.Unlock()
	d := s.dirty
	s.dirty = false
	return d
}

func (s *Store) MarkDirty() { s.markDirty() }

func New() *Store {
	s := &Store{Notifier: noopNotifier{}}
	for i := range s.shards {
		s.shards[i] = &shard{data: map[string]*Distribution{}}
	}
	return s
}

func (s *Store) shardFor(token string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(token))
	return s.shards[h.Sum32()%shardCount]
}

func (s *Store) get(token string) *Distribution {
	sh := s.shardFor(token)
	d, ok := sh.data[token]
	if !ok {
		d = &Distribution{Token: token}
		sh.data[token] = d
	}
	return d
}

// AddQuery registers a query arrival for token, updating interarrival
// statistics used by flood detection and the ham estimate.
func (s *Store) AddQuery(token string) {
	sh := s.shardFor(token)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	s.get(token).AddQuery(time.Now())
	s.markDirty()
}

// AddSpam registers a complaint against token, returning whether the
// derived status changed.
func (s *Store) AddSpam(token string) bool {
	sh := s.shardFor(token)
	sh.mu.Lock()
	d := s.get(token)
	changed := d.AddComplaint(time.Now())
	snapshot := *d
	sh.mu.Unlock()
	s.markDirty()

	s.Notifier.Notify(token, &snapshot, false)
	return changed
}

// RemoveSpam reverses a prior complaint against token (ham signal).
func (s *Store) RemoveSpam(token string) {
	sh := s.shardFor(token)
	sh.mu.Lock()
	d := s.get(token)
	d.RemoveComplaint()
	snapshot := *d
	sh.mu.Unlock()
	s.markDirty()

	s.Notifier.Notify(token, &snapshot, false)
}

// Clear resets token's complaint count and frequency without dropping it.
func (s *Store) Clear(token string) {
	sh := s.shardFor(token)
	sh.mu.Lock()
	d := s.get(token)
	d.Clear()
	snapshot := *d
	sh.mu.Unlock()
	s.markDirty()

	s.Notifier.Notify(token, &snapshot, false)
}

// Status returns the current derived status for token, creating a fresh
// WHITE Distribution if none existed yet.
func (s *Store) Status(token string) Status {
	sh := s.shardFor(token)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return s.get(token).Status()
}

// Probability returns token's current spam probability (for the SCORE DNS
// zone).
func (s *Store) Probability(token string) float64 {
	sh := s.shardFor(token)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return s.get(token).Probability()
}

// IsFlood reports whether token's observed inter-arrival is below
// threshold.
func (s *Store) IsFlood(token string, threshold time.Duration) bool {
	sh := s.shardFor(token)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return s.get(token).IsFlood(threshold)
}

// Drop removes token's Distribution entirely and notifies peers.
// Clearing the Block entry itself is the caller's responsibility
// (the decision pipeline holds the Lists reference, not the Store).
func (s *Store) Drop(token string) {
	sh := s.shardFor(token)
	sh.mu.Lock()
	delete(sh.data, token)
	sh.mu.Unlock()
	s.markDirty()

	s.Notifier.Notify(token, nil, true)
}

// ApplyRemote merges a peer-reported complaint count for token without
// going through the Notifier, so two engines gossiping at each other do
// not echo the same delta back and forth. The local count only ever moves
// up toward the weighted peer view; local complaints are never discarded
// on a peer's say-so.
func (s *Store) ApplyRemote(token string, complaints int64, dropped bool) {
	sh := s.shardFor(token)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if dropped {
		delete(sh.data, token)
		s.markDirty()
		return
	}
	d := s.get(token)
	if complaints > d.Complaints {
		d.Complaints = complaints
		d.LastComplaint = time.Now()
		s.markDirty()
	}
}

// Complaints returns token's current complaint count, or 0 if the token
// has no Distribution. Used by the gossip receiver's agreement tracking.
func (s *Store) Complaints(token string) int64 {
	sh := s.shardFor(token)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if d, ok := sh.data[token]; ok {
		return d.Complaints
	}
	return 0
}

// Snapshot returns a shallow copy of every live Distribution, for
// persistence and for test assertions.
func (s *Store) Snapshot() []Distribution {
	var out []Distribution
	for _, sh := range s.shards {
		sh.mu.Lock()
		for _, d := range sh.data {
			out = append(out, *d)
		}
		sh.mu.Unlock()
	}
	return out
}

// Restore loads a previously persisted Distribution back into the store,
// used by internal/persist on startup.
func (s *Store) Restore(d Distribution) {
	sh := s.shardFor(d.Token)
	sh.mu.Lock()
	cp := d
	sh.data[d.Token] = &cp
	sh.mu.Unlock()
}

// PersistRecords returns every live Distribution as a PersistRecord, for
// gob-encoding into distribution.map. Unlike Snapshot, the result
// round-trips cleanly through encoding/gob.
func (s *Store) PersistRecords() []PersistRecord {
	var out []PersistRecord
	for _, sh := range s.shards {
		sh.mu.Lock()
		for _, d := range sh.data {
			out = append(out, d.ToPersist())
		}
		sh.mu.Unlock()
	}
	return out
}

// RestorePersistRecord loads a single PersistRecord back into the store.
func (s *Store) RestorePersistRecord(r PersistRecord) {
	sh := s.shardFor(r.Token)
	sh.mu.Lock()
	sh.data[r.Token] = FromPersist(r)
	sh.mu.Unlock()
}

// Reap drops entries unqueried for longer than EvictAge.
func (s *Store) Reap() {
	cutoff := time.Now().Add(-EvictAge)
	for _, sh := range s.shards {
		sh.mu.Lock()
		for tok, d := range sh.data {
			if d.LastQuery.Before(cutoff) {
				delete(sh.data, tok)
			}
		}
		sh.mu.Unlock()
	}
}

// ReapLoop runs Reap every interval until stop is closed.
func (s *Store) ReapLoop(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.Reap()
		}
	}
}
