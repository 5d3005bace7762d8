package textproto

import (
	"context"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/foxcpp/go-mockdns"

	"github.com/spfbld/spfbld/internal/decision"
	"github.com/spfbld/spfbld/internal/deferral"
	"github.com/spfbld/spfbld/internal/dnsutil"
	"github.com/spfbld/spfbld/internal/ledger"
	"github.com/spfbld/spfbld/internal/lists"
	"github.com/spfbld/spfbld/internal/log"
	"github.com/spfbld/spfbld/internal/reputation"
	"github.com/spfbld/spfbld/internal/spf"
	"github.com/spfbld/spfbld/internal/ticket"
	"github.com/spfbld/spfbld/internal/token"
)

func testServer(t *testing.T, zones map[string]mockdns.Zone) *Server {
	t.Helper()

	resolver := dnsutil.NewCaching(&mockdns.Resolver{Zones: zones})
	registry := spf.NewRegistry(resolver, nil, log.Logger{})
	codec, err := ticket.NewCodec(make([]byte, 32))
	if err != nil {
		t.Fatal(err)
	}
	led := ledger.New()

	pipeline := &decision.Pipeline{
		Config:       decision.DefaultConfig(),
		Resolver:     resolver,
		SPFRegistry:  registry,
		SPFEval:      spf.NewEvaluator(registry, resolver),
		Lists:        lists.New(),
		Reputation:   reputation.New(),
		Ledger:       led,
		Ticket:       codec,
		Deferral:     deferral.New(),
		ConfirmCache: token.NewConfirmCache(),
		Log:          log.Logger{},
	}
	return &Server{Pipeline: pipeline, Ledger: led, Ticket: codec, Log: log.Logger{}}
}

func TestQuotedFields(t *testing.T) {
	got := quotedFields("'192.0.2.5' 'alice@example.com' 'mx.example.com' 'bob@test.tld'")
	want := []string{"192.0.2.5", "alice@example.com", "mx.example.com", "bob@test.tld"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("quotedFields: %v", got)
	}

	got = quotedFields("'192.0.2.5' '' 'mx.example.com'")
	want = []string{"192.0.2.5", "mx.example.com"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("empty quoted field: %v", got)
	}

	got = quotedFields("a b 'c d'")
	want = []string{"a", "b", "c d"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("embedded space: %v", got)
	}
}

func TestSPFVerb(t *testing.T) {
	s := testServer(t, map[string]mockdns.Zone{
		"example.com.":    {TXT: []string{"v=spf1 a -all"}, A: []string{"192.0.2.5"}},
		"mx.example.com.": {A: []string{"192.0.2.5"}},
	})

	reply := s.dispatch(context.Background(), "SPF '192.0.2.5' 'alice@example.com' 'mx.example.com' 'bob@test.tld'")
	if !strings.HasPrefix(reply, "PASS ") {
		t.Errorf("want PASS <ticket>, got %q", reply)
	}
}

func TestSpamHamFlow(t *testing.T) {
	s := testServer(t, nil)

	tk, _, err := s.Ticket.Encode([]string{"192.0.2.5", "@example.com"}, "bob@test.tld", time.Now())
	if err != nil {
		t.Fatal(err)
	}

	reply := s.dispatch(context.Background(), "SPAM "+tk)
	if reply != "OK 192.0.2.5 @example.com >bob@test.tld" {
		t.Fatalf("SPAM reply: %q", reply)
	}
	if got := s.Pipeline.Reputation.Complaints("@example.com"); got != 1 {
		t.Errorf("complaints after SPAM: %d", got)
	}

	reply = s.dispatch(context.Background(), "SPAM "+tk)
	if reply != "DUPLICATE COMPLAIN" {
		t.Errorf("duplicate SPAM reply: %q", reply)
	}
	if got := s.Pipeline.Reputation.Complaints("@example.com"); got != 1 {
		t.Errorf("duplicate SPAM changed counts: %d", got)
	}

	reply = s.dispatch(context.Background(), "HAM "+tk)
	if reply != "OK 192.0.2.5 @example.com >bob@test.tld" {
		t.Fatalf("HAM reply: %q", reply)
	}
	if got := s.Pipeline.Reputation.Complaints("@example.com"); got != 0 {
		t.Errorf("complaints after HAM: %d", got)
	}

	reply = s.dispatch(context.Background(), "HAM "+tk)
	if reply != "ALREADY REMOVED" {
		t.Errorf("second HAM reply: %q", reply)
	}
}

func TestSpamExpiredTicket(t *testing.T) {
	s := testServer(t, nil)

	tk, _, err := s.Ticket.Encode([]string{"192.0.2.5"}, "", time.Now().Add(-6*24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	reply := s.dispatch(context.Background(), "SPAM "+tk)
	if reply != "TICKET EXPIRED" {
		t.Errorf("expired SPAM reply: %q", reply)
	}
	if len(s.Pipeline.Reputation.Snapshot()) != 0 {
		t.Error("expired ticket mutated reputation state")
	}
}

func TestRefreshVerb(t *testing.T) {
	s := testServer(t, map[string]mockdns.Zone{
		"example.com.": {TXT: []string{"v=spf1 -all"}},
	})

	reply := s.dispatch(context.Background(), "REFRESH example.com")
	if reply != "NOT LOADED" {
		t.Errorf("unloaded REFRESH reply: %q", reply)
	}

	if _, err := s.Pipeline.SPFRegistry.Lookup(context.Background(), "example.com"); err != nil {
		t.Fatal(err)
	}
	reply = s.dispatch(context.Background(), "REFRESH example.com")
	if reply != "UPDATED" {
		t.Errorf("loaded REFRESH reply: %q", reply)
	}
}

func TestUnknownVerb(t *testing.T) {
	s := testServer(t, nil)
	if reply := s.dispatch(context.Background(), "BOGUS x"); !strings.HasPrefix(reply, "ERROR") {
		t.Errorf("unknown verb reply: %q", reply)
	}
}
