package dnsfrontend

import (
	"testing"
	"time"

	"github.com/miekg/dns"

	"github.com/spfbld/spfbld/internal/lists"
	"github.com/spfbld/spfbld/internal/log"
	"github.com/spfbld/spfbld/internal/reputation"
)

func testFrontend() *Frontend {
	ls := lists.New()
	rep := reputation.New()
	zones := []Zone{
		{Suffix: "dnsbl.example.net", Type: ZoneDNSBL},
		{Suffix: "dnswl.example.net", Type: ZoneDNSWL},
		{Suffix: "score.example.net", Type: ZoneScore},
		{Suffix: "uribl.example.net", Type: ZoneURIBL},
	}
	return New(zones, ls, rep, log.Logger{})
}

// black installs a reputation state that derives BLACK for an IP token:
// rare queries (estimated ham 1) and a pile of complaints.
func black(rep *reputation.Store, token string) {
	rep.RestorePersistRecord(reputation.PersistRecord{
		Token:        token,
		Complaints:   10,
		Interarrival: 7 * 24 * 60 * 60,
		Samples:      2,
		LastQuery:    time.Now(),
	})
}

func TestDNSBLAnswer(t *testing.T) {
	f := testFrontend()
	f.Lists.Block.Add("192.0.2.5")
	black(f.Reputation, "192.0.2.5")

	ip, rcode, ttl, reason := f.answer(Zone{Suffix: "dnsbl.example.net", Type: ZoneDNSBL}, "5.2.0.192")
	if ip != "127.0.0.2" || rcode != dns.RcodeSuccess {
		t.Errorf("hot block: ip=%s rcode=%d", ip, rcode)
	}
	if ttl != TTLHigh {
		t.Errorf("hot block TTL: %v", ttl)
	}
	if reason == "" {
		t.Error("missing TXT reason")
	}

	// Blocked but not hot: the cold answer.
	f.Lists.Block.Add("192.0.2.6")
	ip, _, ttl, _ = f.answer(Zone{Suffix: "dnsbl.example.net", Type: ZoneDNSBL}, "6.2.0.192")
	if ip != "127.0.0.3" || ttl != TTLMedium {
		t.Errorf("cold block: ip=%s ttl=%v", ip, ttl)
	}

	// Unlisted: NXDOMAIN.
	_, rcode, _, _ = f.answer(Zone{Suffix: "dnsbl.example.net", Type: ZoneDNSBL}, "9.2.0.192")
	if rcode != dns.RcodeNameError {
		t.Errorf("unlisted rcode: %d", rcode)
	}

	// Garbage label: FORMERR.
	_, rcode, _, _ = f.answer(Zone{Suffix: "dnsbl.example.net", Type: ZoneDNSBL}, "not-an-ip")
	if rcode != dns.RcodeFormatError {
		t.Errorf("garbage rcode: %d", rcode)
	}
}

func TestDNSWLAnswer(t *testing.T) {
	f := testFrontend()
	f.Lists.White.Add("192.0.2.7")

	ip, rcode, _, _ := f.answer(Zone{Suffix: "dnswl.example.net", Type: ZoneDNSWL}, "7.2.0.192")
	if ip != "127.0.0.4" || rcode != dns.RcodeSuccess {
		t.Errorf("white answer: ip=%s rcode=%d", ip, rcode)
	}
}

func TestScoreAnswer(t *testing.T) {
	f := testFrontend()

	// Fresh token: p = 0, score 100.
	ip, _, _, _ := f.answer(Zone{Suffix: "score.example.net", Type: ZoneScore}, "9.2.0.192")
	if ip != "127.0.1.100" {
		t.Errorf("fresh score: %s", ip)
	}

	black(f.Reputation, "192.0.2.5")
	ip, _, _, _ = f.answer(Zone{Suffix: "score.example.net", Type: ZoneScore}, "5.2.0.192")
	// p = 10/11 -> N = 100 - 90 = 10 (integer truncation of 90.9).
	if ip != "127.0.1.10" {
		t.Errorf("spammy score: %s", ip)
	}
}

func TestURIBLAnswer(t *testing.T) {
	f := testFrontend()
	f.Lists.Block.Add(".spam-landing.example")
	ip, rcode, _, _ := f.answer(Zone{Suffix: "uribl.example.net", Type: ZoneURIBL}, "shop.spam-landing.example")
	if ip != "127.0.0.2" || rcode != dns.RcodeSuccess {
		t.Errorf("uribl answer: ip=%s rcode=%d", ip, rcode)
	}
}

func TestReverseToIP(t *testing.T) {
	if got := reverseToIP("5.2.0.192"); got != "192.0.2.5" {
		t.Errorf("v4: %s", got)
	}
	if got := reverseToIP("not.an.ip.at"); got != "" {
		t.Errorf("garbage: %q", got)
	}
	nibbles := "b.a.9.8.7.6.5.0.4.0.0.0.3.0.0.0.2.0.0.0.1.0.0.0.8.b.d.0.1.0.0.2"
	if got := reverseToIP(nibbles); got != "2001:db8:1:2:3:4:567:89ab" {
		t.Errorf("v6: %s", got)
	}
}

func TestMatchZone(t *testing.T) {
	f := testFrontend()
	if z := f.matchZone("5.2.0.192.dnsbl.example.net."); z == nil || z.Type != ZoneDNSBL {
		t.Error("known zone not matched")
	}
	if z := f.matchZone("5.2.0.192.other.example.org."); z != nil {
		t.Error("unknown zone matched")
	}
}

type fakeAddr struct{ s string }

func (a fakeAddr) Network() string { return "udp" }
func (a fakeAddr) String() string  { return a.s }

func TestAbuseBan(t *testing.T) {
	f := testFrontend()
	addr := fakeAddr{"203.0.113.7:5353"}

	// Same /25: a different host in the bucket shares the ban.
	sibling := fakeAddr{"203.0.113.100:9999"}
	outside := fakeAddr{"203.0.113.200:9999"}

	for i := 0; i < abuseBanThreshold+1; i++ {
		f.abuseEvent(addr)
	}
	if !f.isBanned(addr) {
		t.Error("offender not banned after threshold")
	}
	if !f.isBanned(sibling) {
		t.Error("same /25 sibling not banned")
	}
	if f.isBanned(outside) {
		t.Error("other /25 banned")
	}
}

func TestAbuseKey(t *testing.T) {
	if got := abuseKey(fakeAddr{"203.0.113.7:53"}); got != "203.0.113.0/25" {
		t.Errorf("v4 key: %s", got)
	}
	if got := abuseKey(fakeAddr{"[2001:db8:1:2:3::1]:53"}); got != "2001:db8:1::/52" {
		t.Errorf("v6 key: %s", got)
	}
}
