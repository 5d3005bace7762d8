package decision

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/foxcpp/go-mockdns"

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

func testPipeline(t *testing.T, zones map[string]mockdns.Zone) *Pipeline {
	t.Helper()

	resolver := dnsutil.NewCaching(&mockdns.Resolver{Zones: zones})
	registry := spf.NewRegistry(resolver, nil, log.Logger{})
	codec, err := ticket.NewCodec(make([]byte, 32))
	if err != nil {
		t.Fatal(err)
	}

	return &Pipeline{
		Config:       DefaultConfig(),
		Resolver:     resolver,
		SPFRegistry:  registry,
		SPFEval:      spf.NewEvaluator(registry, resolver),
		Lists:        lists.New(),
		Reputation:   reputation.New(),
		Ledger:       ledger.New(),
		Ticket:       codec,
		Deferral:     deferral.New(),
		ConfirmCache: token.NewConfirmCache(),
		Log:          log.Logger{},
	}
}

// mxZones is the SPF-pass environment the accept-path scenarios share:
// example.com authorises 192.0.2.5 via its A record and mx.example.com
// forward-confirms.
func mxZones(spfRecord string) map[string]mockdns.Zone {
	return map[string]mockdns.Zone{
		"example.com.":    {TXT: []string{spfRecord}, A: []string{"192.0.2.5"}},
		"mx.example.com.": {A: []string{"192.0.2.5"}},
	}
}

// install places a reputation state with a controlled probability on a
// token: rare queries (estimated ham 1) and the given complaint count.
func install(rep *reputation.Store, token string, complaints int64) {
	rep.RestorePersistRecord(reputation.PersistRecord{
		Token:        token,
		Complaints:   complaints,
		Interarrival: 7 * 24 * 60 * 60,
		Samples:      2,
		LastQuery:    time.Now(),
	})
}

func TestAcceptPath(t *testing.T) {
	p := testPipeline(t, mxZones("v=spf1 a -all"))

	d := p.Decide(context.Background(), Transaction{
		IP:        net.ParseIP("192.0.2.5"),
		Sender:    "alice@example.com",
		Helo:      "mx.example.com",
		Recipient: "bob@test.tld",
	})
	if d.Action != ActionPass {
		t.Fatalf("want PASS, got %s (rule %s)", d.Action, d.Rule)
	}
	if d.Ticket == "" {
		t.Error("accept path without ticket")
	}

	claim, err := p.Ticket.Decode(d.Ticket, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	found := map[string]bool{}
	for _, tok := range claim.Tokens {
		found[tok] = true
	}
	if !found["192.0.2.5"] || !found["@example.com"] {
		t.Errorf("ticket tokens: %v", claim.Tokens)
	}
	if claim.Recipient != "bob@test.tld" {
		t.Errorf("ticket recipient: %s", claim.Recipient)
	}
}

func TestSPFFailRegistersComplaint(t *testing.T) {
	p := testPipeline(t, mxZones("v=spf1 -all"))

	d := p.Decide(context.Background(), Transaction{
		IP:     net.ParseIP("192.0.2.5"),
		Sender: "alice@example.com",
		Helo:   "mx.example.com",
	})
	if d.Action != ActionFail {
		t.Fatalf("want FAIL, got %s (rule %s)", d.Action, d.Rule)
	}
	if !d.Complaint {
		t.Error("FAIL decision did not register a complaint")
	}
	if got := p.Reputation.Complaints("@example.com"); got == 0 {
		t.Error("sender domain has no complaint after FAIL")
	}
	if got := p.Reputation.Complaints(".mx.example.com"); got == 0 {
		t.Error("HELO host has no complaint after FAIL")
	}
}

func TestActionFromSPFTempError(t *testing.T) {
	if got := actionFromSPF(spf.TempError, nil); got != ActionTempError {
		t.Errorf("want TEMPERROR, got %s", got)
	}
}

// A panic anywhere in the rule walk must come back as TEMPERROR, never as
// an accept-like NEUTRAL: the caller has to retry instead of treating the
// message as delivered and counted.
func TestPanicRecoveryReturnsTempError(t *testing.T) {
	p := testPipeline(t, mxZones("v=spf1 a -all"))
	p.Reputation = nil

	d := p.Decide(context.Background(), Transaction{
		IP:     net.ParseIP("192.0.2.5"),
		Sender: "alice@example.com",
		Helo:   "mx.example.com",
	})
	if d.Action != ActionTempError {
		t.Fatalf("want TEMPERROR, got %s (rule %s)", d.Action, d.Rule)
	}
	if d.Ticket != "" {
		t.Error("panic recovery must not issue a ticket")
	}
}

func TestLANShortCircuit(t *testing.T) {
	p := testPipeline(t, nil)
	d := p.Decide(context.Background(), Transaction{IP: net.ParseIP("192.168.1.10")})
	if d.Action != ActionLAN {
		t.Errorf("want LAN, got %s", d.Action)
	}
	if d.Ticket != "" {
		t.Error("LAN decision carries a ticket")
	}

	d = p.Decide(context.Background(), Transaction{})
	if d.Action != ActionInvalid {
		t.Errorf("nil IP: want INVALID, got %s", d.Action)
	}
}

func TestWhitelistWins(t *testing.T) {
	// Whitelisting beats even an SPF hard fail and clears a stale Block.
	p := testPipeline(t, mxZones("v=spf1 -all"))
	p.Lists.White.Add("192.0.2.5")
	p.Lists.Block.Add("192.0.2.5")

	d := p.Decide(context.Background(), Transaction{
		IP:     net.ParseIP("192.0.2.5"),
		Sender: "alice@example.com",
		Helo:   "mx.example.com",
	})
	if d.Action != ActionPass {
		t.Fatalf("want PASS, got %s (rule %s)", d.Action, d.Rule)
	}
	if p.Lists.Block.Contains("192.0.2.5") {
		t.Error("false-positive Block not cleared")
	}
}

func TestBlocklisted(t *testing.T) {
	p := testPipeline(t, mxZones("v=spf1 a -all"))
	p.Lists.Block.Add("192.0.2.5")

	d := p.Decide(context.Background(), Transaction{
		IP:     net.ParseIP("192.0.2.5"),
		Sender: "alice@example.com",
		Helo:   "mx.example.com",
	})
	if d.Action != ActionBlocked {
		t.Fatalf("want BLOCKED, got %s (rule %s)", d.Action, d.Rule)
	}
	if !d.Complaint {
		t.Error("BLOCKED decision did not register a complaint")
	}
}

func TestSpamtrap(t *testing.T) {
	p := testPipeline(t, mxZones("v=spf1 a -all"))
	p.Lists.Trap.Add("trap@test.tld")

	d := p.Decide(context.Background(), Transaction{
		IP:        net.ParseIP("192.0.2.5"),
		Sender:    "alice@example.com",
		Helo:      "mx.example.com",
		Recipient: "Trap@test.tld",
	})
	if d.Action != ActionSpamtrap {
		t.Errorf("want SPAMTRAP, got %s (rule %s)", d.Action, d.Rule)
	}
}

func TestNoSenderNoFCrDNS(t *testing.T) {
	p := testPipeline(t, nil)
	d := p.Decide(context.Background(), Transaction{
		IP:   net.ParseIP("203.0.113.7"),
		Helo: "client.dyn.isp.tld",
	})
	if d.Action != ActionInvalid {
		t.Errorf("want INVALID, got %s (rule %s)", d.Action, d.Rule)
	}
	if !d.Complaint {
		t.Error("INVALID decision did not register a complaint")
	}
}

func TestReverseRequiredAutoBlocks(t *testing.T) {
	p := testPipeline(t, mxZones("v=spf1 a -all"))
	p.Config.ReverseRequired = true

	d := p.Decide(context.Background(), Transaction{
		IP:     net.ParseIP("192.0.2.5"),
		Sender: "alice@example.com",
		Helo:   "mx.example.com",
	})
	if d.Action != ActionInvalid {
		t.Fatalf("want INVALID, got %s (rule %s)", d.Action, d.Rule)
	}
	if !p.Lists.Block.Contains("192.0.2.5") {
		t.Error("IP without rDNS not auto-blocked")
	}
}

func TestBlacklistedDefers(t *testing.T) {
	p := testPipeline(t, mxZones("v=spf1 a -all"))
	install(p.Reputation, "192.0.2.5", 10) // BLACK for an IP token

	d := p.Decide(context.Background(), Transaction{
		IP:        net.ParseIP("192.0.2.5"),
		Sender:    "alice@example.com",
		Helo:      "mx.example.com",
		Recipient: "bob@test.tld",
	})
	if d.Action != ActionListed {
		t.Fatalf("want LISTED, got %s (rule %s)", d.Action, d.Rule)
	}
	// SPF passed, so the deferral carries a release link.
	if d.URL == "" {
		t.Error("LISTED with SPF pass lacks release URL")
	}
}

func TestGreylistedDefers(t *testing.T) {
	p := testPipeline(t, mxZones("v=spf1 a -all"))
	install(p.Reputation, "@example.com", 1) // GRAY (capped at 0.25)

	d := p.Decide(context.Background(), Transaction{
		IP:        net.ParseIP("192.0.2.5"),
		Sender:    "alice@example.com",
		Helo:      "mx.example.com",
		Recipient: "bob@test.tld",
	})
	if d.Action != ActionGreylist {
		t.Errorf("want GREYLIST, got %s (rule %s)", d.Action, d.Rule)
	}
}

func TestFloodCapBlocks(t *testing.T) {
	p := testPipeline(t, mxZones("v=spf1 a -all"))
	p.Config.FloodMaxRetry = 2
	install(p.Reputation, "@example.com", 1) // keeps the flow greylisting

	tx := Transaction{
		IP:        net.ParseIP("192.0.2.5"),
		Sender:    "alice@example.com",
		Helo:      "mx.example.com",
		Recipient: "bob@test.tld",
	}

	for i := 0; i < 3; i++ {
		d := p.Decide(context.Background(), tx)
		if d.Action != ActionGreylist {
			t.Fatalf("retry %d: want GREYLIST, got %s (rule %s)", i, d.Action, d.Rule)
		}
	}

	// Retry count now exceeds the cap: the flow converts to BLOCKED.
	d := p.Decide(context.Background(), tx)
	if d.Action != ActionBlocked {
		t.Errorf("over cap: want BLOCKED, got %s (rule %s)", d.Action, d.Rule)
	}
}

func TestSoftFailGreylists(t *testing.T) {
	p := testPipeline(t, mxZones("v=spf1 a ~all"))

	d := p.Decide(context.Background(), Transaction{
		IP:        net.ParseIP("203.0.113.9"), // not authorised by the record
		Sender:    "alice@example.com",
		Helo:      "mx.example.com",
		Recipient: "bob@test.tld",
	})
	if d.Action != ActionGreylist {
		t.Fatalf("want GREYLIST, got %s (rule %s)", d.Action, d.Rule)
	}
}

func TestSoftFailProviderHeloAccepted(t *testing.T) {
	p := testPipeline(t, mxZones("v=spf1 a ~all"))
	p.Lists.Provider.Add("mx.example.com")

	d := p.Decide(context.Background(), Transaction{
		IP:        net.ParseIP("203.0.113.9"),
		Sender:    "alice@example.com",
		Helo:      "mx.example.com",
		Recipient: "bob@test.tld",
	})
	if d.Action != ActionSoftFail {
		t.Errorf("provider HELO softfail: want SOFTFAIL, got %s (rule %s)", d.Action, d.Rule)
	}
}
