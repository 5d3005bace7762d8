package persist

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spfbld/spfbld/internal/deferral"
	"github.com/spfbld/spfbld/internal/ledger"
	"github.com/spfbld/spfbld/internal/lists"
	"github.com/spfbld/spfbld/internal/log"
	"github.com/spfbld/spfbld/internal/reputation"
)

func TestDistributionRoundTrip(t *testing.T) {
	dir := t.TempDir()

	rep := reputation.New()
	rep.AddQuery("@example.com")
	rep.AddSpam("@example.com")
	rep.AddSpam("@example.com")

	e := &Engine{Dir: dir, Log: log.Logger{}, Reputation: rep}
	e.SaveAll()

	rep2 := reputation.New()
	e2 := &Engine{Dir: dir, Log: log.Logger{}, Reputation: rep2}
	if err := e2.Load(); err != nil {
		t.Fatal(err)
	}
	if got := rep2.Complaints("@example.com"); got != 2 {
		t.Errorf("restored complaints: want 2, got %d", got)
	}
}

func TestLedgerRoundTripAndTTLFilter(t *testing.T) {
	dir := t.TempDir()

	led := ledger.New()
	led.Add(1000, []string{"192.0.2.5"}, "bob@test.tld")
	led.RestorePersistRecord(ledger.PersistRecord{
		Timestamp: 2000,
		Tokens:    []string{"192.0.2.6"},
		AddedAt:   time.Now().Add(-ledger.TTL - time.Hour),
	})

	e := &Engine{Dir: dir, Log: log.Logger{}, Ledger: led}
	e.SaveAll()

	led2 := ledger.New()
	e2 := &Engine{Dir: dir, Log: log.Logger{}, Ledger: led2}
	if err := e2.Load(); err != nil {
		t.Fatal(err)
	}
	if !led2.Contains(1000) {
		t.Error("ledger entry lost in round trip")
	}
	if led2.Contains(2000) {
		t.Error("entry past the ledger TTL restored")
	}
}

func TestDirtyFlagSkipsCleanStores(t *testing.T) {
	dir := t.TempDir()

	rep := reputation.New()
	rep.AddSpam("a")
	e := &Engine{Dir: dir, Log: log.Logger{}, Reputation: rep}

	e.saveTick(false)
	path := filepath.Join(dir, FileDistribution)
	info1, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}

	// No mutations since: the next tick must not rewrite the file.
	time.Sleep(10 * time.Millisecond)
	e.saveTick(false)
	info2, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if !info1.ModTime().Equal(info2.ModTime()) {
		t.Error("clean store rewritten")
	}
}

func TestAbuseTextRoundTrip(t *testing.T) {
	dir := t.TempDir()

	abuse := deferral.New()
	abuse.Engage(deferral.ClassBlack, "203.0.113.0/25")
	abuse.Engage(deferral.ClassBlack, "203.0.113.0/25")

	e := &Engine{Dir: dir, Log: log.Logger{}, Abuse: abuse}
	e.SaveAll()

	raw, err := os.ReadFile(filepath.Join(dir, FileAbuse))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(raw), "203.0.113.0/25 ") {
		t.Errorf("abuse file format: %q", raw)
	}

	abuse2 := deferral.New()
	e2 := &Engine{Dir: dir, Log: log.Logger{}, Abuse: abuse2}
	if err := e2.Load(); err != nil {
		t.Fatal(err)
	}
	if got := abuse2.Retries(deferral.ClassBlack, "203.0.113.0/25"); got != 2 {
		t.Errorf("restored retries: want 2, got %d", got)
	}
}

func TestZoneSnapshotRestoresRuntimeEntries(t *testing.T) {
	dir := t.TempDir()

	ls := lists.New()
	ls.Block.Add("192.0.2.5")

	e := &Engine{Dir: dir, Log: log.Logger{}, Lists: ls}
	e.SaveAll()

	ls2 := lists.New()
	e2 := &Engine{Dir: dir, Log: log.Logger{}, Lists: ls2}
	if err := e2.Load(); err != nil {
		t.Fatal(err)
	}
	if !ls2.Block.Contains("192.0.2.5") {
		t.Error("runtime block entry lost in round trip")
	}
}

func TestMissingFilesAreFine(t *testing.T) {
	e := &Engine{Dir: t.TempDir(), Log: log.Logger{}, Reputation: reputation.New(), Ledger: ledger.New()}
	if err := e.Load(); err != nil {
		t.Errorf("Load with no snapshots: %v", err)
	}
}

func TestAnalysisAppends(t *testing.T) {
	dir := t.TempDir()
	a := NewAnalysis(dir, log.Logger{})
	a.Add("192.0.2.5", "BLOCKED")
	a.Add("@example.com", "PASS")
	a.Close()

	date := time.Now().Format("2006-01-02")
	raw, err := os.ReadFile(filepath.Join(dir, date+".csv"))
	if err != nil {
		t.Fatal(err)
	}
	want := "192.0.2.5 BLOCKED\n@example.com PASS\n"
	if string(raw) != want {
		t.Errorf("analysis content: %q", raw)
	}
}
