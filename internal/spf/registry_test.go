package spf

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/foxcpp/go-mockdns"

	"github.com/spfbld/spfbld/internal/dnsutil"
	"github.com/spfbld/spfbld/internal/log"
)

func testRegistry(zones map[string]mockdns.Zone) *Registry {
	resolver := dnsutil.NewCaching(&mockdns.Resolver{Zones: zones})
	return NewRegistry(resolver, nil, log.Logger{})
}

func TestLookupCachesRecord(t *testing.T) {
	r := testRegistry(map[string]mockdns.Zone{
		"example.com.": {TXT: []string{"v=spf1 -all"}},
	})

	rec, err := r.Lookup(context.Background(), "example.com")
	if err != nil {
		t.Fatal(err)
	}
	if rec.All != QualifierFail {
		t.Errorf("all: want -, got %c", rec.All)
	}

	rec2, err := r.Lookup(context.Background(), "EXAMPLE.COM.")
	if err != nil {
		t.Fatal(err)
	}
	if rec2 != rec {
		t.Error("second lookup did not hit the cache")
	}
	if rec2.QueryCount != 1 {
		t.Errorf("query count: want 1, got %d", rec2.QueryCount)
	}
}

func TestLookupNXDOMAIN(t *testing.T) {
	r := testRegistry(nil)
	_, err := r.Lookup(context.Background(), "gone.example.net")
	if !errors.Is(err, ErrNXDOMAIN) {
		t.Errorf("want ErrNXDOMAIN, got %v", err)
	}
}

func TestDefinitelyInexistent(t *testing.T) {
	r := testRegistry(nil)
	if r.DefinitelyInexistent("example.com") {
		t.Error("unknown domain flagged inexistent")
	}

	r.RestorePersistRecord(PersistRecord{
		Domain:   "example.com",
		Rec:      Record{Domain: "example.com", NXDOMAINCount: 4, QueryCount: 33},
		LastUsed: time.Now(),
	})
	if !r.DefinitelyInexistent("example.com") {
		t.Error("domain past both thresholds not flagged")
	}

	r.RestorePersistRecord(PersistRecord{
		Domain:   "other.com",
		Rec:      Record{Domain: "other.com", NXDOMAINCount: 4, QueryCount: 10},
		LastUsed: time.Now(),
	})
	if r.DefinitelyInexistent("other.com") {
		t.Error("domain under query pressure threshold flagged")
	}
}

func TestRefresh(t *testing.T) {
	r := testRegistry(map[string]mockdns.Zone{
		"example.com.": {TXT: []string{"v=spf1 -all"}},
	})

	loaded, err := r.Refresh(context.Background(), "never-seen.example.net")
	if loaded {
		t.Error("Refresh claimed an unseen domain was loaded")
	}
	if err != nil {
		t.Errorf("unexpected err: %v", err)
	}

	if _, err := r.Lookup(context.Background(), "example.com"); err != nil {
		t.Fatal(err)
	}
	loaded, err = r.Refresh(context.Background(), "example.com")
	if !loaded || err != nil {
		t.Errorf("Refresh of loaded domain: loaded=%v err=%v", loaded, err)
	}
}

func TestPersistRoundTripRegistry(t *testing.T) {
	r := testRegistry(map[string]mockdns.Zone{
		"example.com.": {TXT: []string{"v=spf1 ip4:198.51.100.0/24 -all"}},
	})
	if _, err := r.Lookup(context.Background(), "example.com"); err != nil {
		t.Fatal(err)
	}

	recs := r.PersistRecords()
	if len(recs) != 1 {
		t.Fatalf("records: %d", len(recs))
	}

	r2 := testRegistry(nil)
	r2.RestorePersistRecord(recs[0])
	rec, err := r2.Lookup(context.Background(), "example.com")
	if err != nil {
		t.Fatal(err)
	}
	if len(rec.Mechanisms) != 1 || rec.Mechanisms[0].CIDR != "198.51.100.0/24" {
		t.Errorf("restored record mangled: %+v", rec)
	}
}
