// Package persist snapshots the engine's in-memory maps to disk and
// restores them on startup, so the reputation store survives restarts
// without resetting complaints.
//
// Every snapshot file except the plain-text dns.abuse.txt is a versioned
// gob envelope; each is written to a temporary file and renamed into
// place. The SPF registry, reputation store and ledger carry dirty flags:
// the background fiber rewrites their files only when they changed, and a
// failed write leaves the flag set so the next tick retries. The guess,
// helo, zone and abuse snapshots have no dirty flag and are rewritten on
// every tick.
package persist

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spfbld/spfbld/internal/deferral"
	"github.com/spfbld/spfbld/internal/ledger"
	"github.com/spfbld/spfbld/internal/lists"
	"github.com/spfbld/spfbld/internal/log"
	"github.com/spfbld/spfbld/internal/reputation"
	"github.com/spfbld/spfbld/internal/spf"
	"github.com/spfbld/spfbld/internal/token"
)

// envelopeVersion is bumped whenever a snapshot schema changes shape.
// Load refuses newer versions and accepts equal ones; older versions are
// handled per-file as they accumulate.
const envelopeVersion uint16 = 1

// DefaultInterval is how often the background fiber checks dirty flags.
const DefaultInterval = 30 * time.Second

// Snapshot file names.
const (
	FileSPF          = "spf.map"
	FileDistribution = "distribution.map"
	FileComplain     = "complain.map"
	FileGuess        = "guess.map"
	FileHelo         = "helo.map"
	FileZone         = "zone.map"
	FileAbuse        = "dns.abuse.txt"
)

// Engine owns the snapshot schedule for every persistent store.
type Engine struct {
	Dir      string
	Interval time.Duration
	Log      log.Logger

	SPF        *spf.Registry
	Guesses    *spf.GuessOverrides
	Reputation *reputation.Store
	Ledger     *ledger.Ledger
	Confirm    *token.ConfirmCache
	Lists      *lists.Lists
	Abuse      *deferral.Controller
}

type envelope struct {
	Version uint16
}

func (e *Engine) interval() time.Duration {
	if e.Interval > 0 {
		return e.Interval
	}
	return DefaultInterval
}

// saveGob writes a versioned envelope followed by entries to path via a
// temp file + rename.
func saveGob[T any](dir, name string, entries []T) error {
	path := filepath.Join(dir, name)
	tmp, err := os.CreateTemp(dir, name+".tmp*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	enc := gob.NewEncoder(tmp)
	if err := enc.Encode(envelope{Version: envelopeVersion}); err != nil {
		tmp.Close()
		return err
	}
	if err := enc.Encode(entries); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// loadGob reads a snapshot written by saveGob. A missing file yields an
// empty slice; a future envelope version is an error (never silently
// misread a newer daemon's state).
func loadGob[T any](dir, name string) ([]T, error) {
	path := filepath.Join(dir, name)
	fh, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer fh.Close()

	dec := gob.NewDecoder(fh)
	var env envelope
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("persist: %s: bad envelope: %w", name, err)
	}
	if env.Version > envelopeVersion {
		return nil, fmt.Errorf("persist: %s: snapshot version %d is newer than this daemon understands", name, env.Version)
	}
	var entries []T
	if err := dec.Decode(&entries); err != nil {
		return nil, fmt.Errorf("persist: %s: %w", name, err)
	}
	return entries, nil
}

// Load restores every snapshot present in Dir, discarding entries past
// their store's TTL as each store's own reaper would.
func (e *Engine) Load() error {
	if e.SPF != nil {
		recs, err := loadGob[spf.PersistRecord](e.Dir, FileSPF)
		if err != nil {
			return err
		}
		cutoff := time.Now().Add(-spf.EvictAge)
		for _, r := range recs {
			if r.LastUsed.Before(cutoff) {
				continue
			}
			e.SPF.RestorePersistRecord(r)
		}
	}

	if e.Reputation != nil {
		recs, err := loadGob[reputation.PersistRecord](e.Dir, FileDistribution)
		if err != nil {
			return err
		}
		cutoff := time.Now().Add(-reputation.EvictAge)
		for _, r := range recs {
			if r.LastQuery.Before(cutoff) {
				continue
			}
			e.Reputation.RestorePersistRecord(r)
		}
	}

	if e.Ledger != nil {
		recs, err := loadGob[ledger.PersistRecord](e.Dir, FileComplain)
		if err != nil {
			return err
		}
		cutoff := time.Now().Add(-ledger.TTL)
		for _, r := range recs {
			if r.AddedAt.Before(cutoff) {
				continue
			}
			e.Ledger.RestorePersistRecord(r)
		}
	}

	if e.Guesses != nil {
		recs, err := loadGob[guessRecord](e.Dir, FileGuess)
		if err != nil {
			return err
		}
		for _, r := range recs {
			e.Guesses.Set(r.Domain, r.Record)
		}
	}

	if e.Confirm != nil {
		recs, err := loadGob[token.ConfirmEntry](e.Dir, FileHelo)
		if err != nil {
			return err
		}
		for _, r := range recs {
			e.Confirm.Restore(r)
		}
	}

	if e.Lists != nil {
		recs, err := loadGob[zoneRecord](e.Dir, FileZone)
		if err != nil {
			return err
		}
		named := e.Lists.Named()
		for _, r := range recs {
			if list, ok := named[r.List]; ok {
				list.Add(r.Token)
			}
		}
	}

	if e.Abuse != nil {
		if err := e.loadAbuse(); err != nil {
			return err
		}
	}
	return nil
}

type guessRecord struct {
	Domain string
	Record string
}

type zoneRecord struct {
	List  string
	Token string
}

// SaveAll unconditionally writes every snapshot, used at shutdown.
func (e *Engine) SaveAll() {
	e.saveTick(true)
}

// Loop wakes every Interval and rewrites snapshots for dirty stores until
// stop is closed, flushing everything one final time on the way out.
func (e *Engine) Loop(stop <-chan struct{}) {
	ticker := time.NewTicker(e.interval())
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			e.SaveAll()
			return
		case <-ticker.C:
			e.saveTick(false)
		}
	}
}

func (e *Engine) saveTick(force bool) {
	if e.SPF != nil && (force || e.SPF.TakeDirty()) {
		if err := saveGob(e.Dir, FileSPF, e.SPF.PersistRecords()); err != nil {
			e.Log.Error("snapshot write failed", err, "file", FileSPF)
			e.SPF.MarkDirty()
		}
	}

	if e.Reputation != nil && (force || e.Reputation.TakeDirty()) {
		if err := saveGob(e.Dir, FileDistribution, e.Reputation.PersistRecords()); err != nil {
			e.Log.Error("snapshot write failed", err, "file", FileDistribution)
			e.Reputation.MarkDirty()
		}
	}

	if e.Ledger != nil && (force || e.Ledger.TakeDirty()) {
		if err := saveGob(e.Dir, FileComplain, e.Ledger.PersistRecords()); err != nil {
			e.Log.Error("snapshot write failed", err, "file", FileComplain)
			e.Ledger.MarkDirty()
		}
	}

	if e.Guesses != nil {
		var recs []guessRecord
		for domain, record := range e.Guesses.Snapshot() {
			recs = append(recs, guessRecord{Domain: domain, Record: record})
		}
		if err := saveGob(e.Dir, FileGuess, recs); err != nil {
			e.Log.Error("snapshot write failed", err, "file", FileGuess)
		}
	}

	if e.Confirm != nil {
		if err := saveGob(e.Dir, FileHelo, e.Confirm.Snapshot()); err != nil {
			e.Log.Error("snapshot write failed", err, "file", FileHelo)
		}
	}

	if e.Lists != nil {
		var recs []zoneRecord
		for name, list := range e.Lists.Named() {
			for _, tok := range list.ExactEntries() {
				recs = append(recs, zoneRecord{List: name, Token: tok})
			}
		}
		if err := saveGob(e.Dir, FileZone, recs); err != nil {
			e.Log.Error("snapshot write failed", err, "file", FileZone)
		}
	}

	if e.Abuse != nil {
		if err := e.saveAbuse(); err != nil {
			e.Log.Error("snapshot write failed", err, "file", FileAbuse)
		}
	}
}

// saveAbuse writes the DNS-frontend abuse records as plain text, one
// "key firstSeen lastSeen retries" line per CIDR bucket, since this is
// the one snapshot operators inspect by hand.
func (e *Engine) saveAbuse() error {
	path := filepath.Join(e.Dir, FileAbuse)
	tmp, err := os.CreateTemp(e.Dir, FileAbuse+".tmp*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	for _, rec := range e.Abuse.Records(deferral.ClassBlack) {
		fmt.Fprintf(w, "%s %d %d %d\n", rec.Key, rec.FirstSeen.Unix(), rec.LastSeen.Unix(), rec.Retries)
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (e *Engine) loadAbuse() error {
	fh, err := os.Open(filepath.Join(e.Dir, FileAbuse))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer fh.Close()

	scanner := bufio.NewScanner(fh)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 4 {
			continue
		}
		var first, last int64
		var retries int
		if _, err := fmt.Sscanf(fields[1], "%d", &first); err != nil {
			continue
		}
		if _, err := fmt.Sscanf(fields[2], "%d", &last); err != nil {
			continue
		}
		if _, err := fmt.Sscanf(fields[3], "%d", &retries); err != nil {
			continue
		}
		e.Abuse.RestoreRecord(deferral.ClassBlack, deferral.AbuseRecord{
			Key:       fields[0],
			FirstSeen: time.Unix(first, 0),
			LastSeen:  time.Unix(last, 0),
			Retries:   retries,
		})
	}
	return scanner.Err()
}
