// Package dnsfrontend implements the DNS-list UDP frontend: one
// miekg/dns server whose handler tells the configured zones (DNSBL/
// URIBL/DNSWL/SCORE/DNSAL) apart by query-name suffix, each zone type
// answering from its own address/TTL table, with a
// per-source abuse throttle reusing internal/deferral's bucket shape.
package dnsfrontend

import (
	"context"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/spfbld/spfbld/internal/deferral"
	"github.com/spfbld/spfbld/internal/limits"
	"github.com/spfbld/spfbld/internal/lists"
	"github.com/spfbld/spfbld/internal/log"
	"github.com/spfbld/spfbld/internal/metrics"
	"github.com/spfbld/spfbld/internal/reputation"
)

// ZoneType selects the answer table a zone uses.
type ZoneType int

const (
	ZoneDNSBL ZoneType = iota
	ZoneURIBL
	ZoneDNSWL
	ZoneScore
	ZoneDNSAL
)

// Zone is one configured zone suffix and its answer family.
type Zone struct {
	Suffix string
	Type   ZoneType
}

// TTL tiers: higher-confidence answers carry longer TTLs.
const (
	TTLDefault = 86400 * time.Second
	TTLMedium  = 259200 * time.Second
	TTLHigh    = 432000 * time.Second
)

// More than abuseBanThreshold events per /25 (IPv4) or /52 (IPv6) bucket
// bans the whole bucket for a week.
const (
	abuseBanThreshold = 16384
	abuseBanPeriod    = 7 * 24 * time.Hour
)

// Frontend serves every configured Zone over UDP.
type Frontend struct {
	Zones      []Zone
	Lists      *lists.Lists
	Reputation *reputation.Store
	Log        log.Logger

	// Cap bounds concurrently processed packets; excess packets are
	// dropped without a reply.
	Cap limits.ConnCap

	abuse *deferral.Controller
}

func New(zones []Zone, l *lists.Lists, rep *reputation.Store, logger log.Logger) *Frontend {
	f := &Frontend{Zones: zones, Lists: l, Reputation: rep, Log: logger, abuse: deferral.New()}
	f.abuse.SetTTL(deferral.ClassBlack, abuseBanPeriod)
	return f
}

// Servers builds one *dns.Server per distinct listen address, all sharing
// this Frontend's handler; zones are told apart by query-name suffix.
func (f *Frontend) Servers(addr string) []*dns.Server {
	mux := dns.NewServeMux()
	mux.HandleFunc(".", f.handle)
	return []*dns.Server{
		{Addr: addr, Net: "udp", Handler: mux},
	}
}

func (f *Frontend) handle(w dns.ResponseWriter, r *dns.Msg) {
	if !f.Cap.Take() {
		f.Log.Msg("TOO MANY CONNECTIONS", "remote", w.RemoteAddr().String())
		metrics.DroppedConns.WithLabelValues("dnslist").Inc()
		return
	}
	defer f.Cap.Release()

	msg := new(dns.Msg)
	msg.SetReply(r)

	if len(r.Question) != 1 {
		msg.Rcode = dns.RcodeFormatError
		f.abuseEvent(w.RemoteAddr())
		metrics.DNSQueries.WithLabelValues("unknown", "FORMERR").Inc()
		_ = w.WriteMsg(msg)
		return
	}

	q := r.Question[0]
	zone := f.matchZone(q.Name)
	if zone == nil {
		msg.Rcode = dns.RcodeNotAuth
		f.abuseEvent(w.RemoteAddr())
		metrics.DNSQueries.WithLabelValues("unknown", "NOTAUTH").Inc()
		_ = w.WriteMsg(msg)
		return
	}

	if f.isBanned(w.RemoteAddr()) {
		msg.Rcode = dns.RcodeRefused
		metrics.DNSQueries.WithLabelValues(zone.Suffix, "REFUSED").Inc()
		_ = w.WriteMsg(msg)
		return
	}

	label := strings.TrimSuffix(strings.TrimSuffix(q.Name, "."), "."+zone.Suffix)
	answer, rcode, ttl, reason := f.answer(*zone, label)
	msg.Rcode = rcode
	if rcode == dns.RcodeFormatError {
		f.abuseEvent(w.RemoteAddr())
	}
	metrics.DNSQueries.WithLabelValues(zone.Suffix, dns.RcodeToString[rcode]).Inc()

	if answer != "" {
		ip := net.ParseIP(answer)
		rr := &dns.A{
			Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: uint32(ttl.Seconds())},
			A:   ip,
		}
		msg.Answer = append(msg.Answer, rr)
		if reason != "" {
			txt := &dns.TXT{
				Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: uint32(ttl.Seconds())},
				Txt: []string{reason},
			}
			msg.Answer = append(msg.Answer, txt)
		}
	}

	_ = w.WriteMsg(msg)
}

func (f *Frontend) matchZone(qname string) *Zone {
	qname = strings.TrimSuffix(qname, ".")
	for i := range f.Zones {
		if strings.HasSuffix(qname, f.Zones[i].Suffix) {
			return &f.Zones[i]
		}
	}
	return nil
}

// answer implements the per-zone-type address table.
func (f *Frontend) answer(zone Zone, label string) (ip string, rcode int, ttl time.Duration, reason string) {
	switch zone.Type {
	case ZoneDNSBL:
		target := reverseToIP(label)
		if target == "" {
			return "", dns.RcodeFormatError, 0, ""
		}
		if f.Lists.Block.Contains(target) {
			if f.Reputation.Status(target) == reputation.BLACK {
				return "127.0.0.2", dns.RcodeSuccess, TTLHigh, "blocked (hot)"
			}
			return "127.0.0.3", dns.RcodeSuccess, TTLMedium, "blocked (cold)"
		}
		return "", dns.RcodeNameError, 0, ""

	case ZoneURIBL:
		if f.Lists.Block.Contains(label) {
			return "127.0.0.2", dns.RcodeSuccess, TTLHigh, "blocked href/URL signature"
		}
		if f.Lists.Generic.Contains(label) {
			return "127.0.0.3", dns.RcodeSuccess, TTLMedium, "blocked executable signature"
		}
		return "", dns.RcodeNameError, 0, ""

	case ZoneDNSWL:
		target := reverseToIP(label)
		if target == "" {
			target = label
		}
		if f.Lists.Provider.Contains(target) {
			return "127.0.0.2", dns.RcodeSuccess, TTLHigh, "known-good"
		}
		if f.Lists.Ignore.Contains(target) {
			return "127.0.0.3", dns.RcodeSuccess, TTLMedium, "ignore-listed"
		}
		if f.Lists.White.Contains(target) {
			return "127.0.0.4", dns.RcodeSuccess, TTLDefault, "whitelisted"
		}
		return "", dns.RcodeNameError, 0, ""

	case ZoneScore:
		target := reverseToIP(label)
		if target == "" {
			target = label
		}
		p := f.Reputation.Probability(target)
		n := 100 - int(100*p)
		if n < 0 {
			n = 0
		}
		if n > 100 {
			n = 100
		}
		return "127.0.1." + strconv.Itoa(n), dns.RcodeSuccess, TTLDefault, ""

	case ZoneDNSAL:
		target := reverseToIP(label)
		if target == "" {
			target = label
		}
		if contact := f.abuseContact(target); contact != "" {
			return "127.0.0.2", dns.RcodeSuccess, TTLDefault, contact
		}
		return "", dns.RcodeNameError, 0, ""
	}
	return "", dns.RcodeNotAuth, 0, ""
}

// abuseContact resolves target's registry abuse mailbox through the WHOIS
// client, when one is configured.
func (f *Frontend) abuseContact(target string) string {
	if f.Lists.Whois == nil {
		return ""
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	attrs, err := f.Lists.Whois.Attrs(ctx, target)
	if err != nil {
		return ""
	}
	for _, field := range []string{"abuse-mailbox", "orgabuseemail", "abuse-c"} {
		if v, ok := attrs[field]; ok {
			return v
		}
	}
	return ""
}

// reverseToIP turns a DNSBL-style reversed-label query ("5.2.0.192" for
// 192.0.2.5) back into dotted-quad form. Returns "" if label isn't a
// reversed IPv4/IPv6 address.
func reverseToIP(label string) string {
	parts := strings.Split(label, ".")
	if len(parts) == 4 {
		rev := make([]string, 4)
		for i, p := range parts {
			rev[3-i] = p
		}
		candidate := strings.Join(rev, ".")
		if net.ParseIP(candidate) != nil {
			return candidate
		}
	}
	// IPv6 reversed nibble form: 32 nibbles separated by dots.
	if len(parts) == 32 {
		rev := make([]string, 32)
		for i, p := range parts {
			rev[31-i] = p
		}
		var b strings.Builder
		for i, nibble := range rev {
			b.WriteString(nibble)
			if i%4 == 3 && i != 31 {
				b.WriteByte(':')
			}
		}
		if ip := net.ParseIP(b.String()); ip != nil {
			return ip.String()
		}
	}
	return ""
}

// abuseKey returns the /25 (IPv4) or /52 (IPv6) bucket a source address
// falls in.
func abuseKey(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return host
	}
	if v4 := ip.To4(); v4 != nil {
		_, n, _ := net.ParseCIDR(v4.String() + "/25")
		return n.String()
	}
	_, n, _ := net.ParseCIDR(ip.String() + "/52")
	return n.String()
}

func (f *Frontend) abuseEvent(addr net.Addr) {
	metrics.AbuseEvents.Inc()
	f.abuse.Engage(deferral.ClassBlack, abuseKey(addr))
}

func (f *Frontend) isBanned(addr net.Addr) bool {
	key := abuseKey(addr)
	return f.abuse.Retries(deferral.ClassBlack, key) > abuseBanThreshold
}

// Abuse exposes the abuse-throttle controller for internal/persist's
// dns.abuse.txt snapshot.
func (f *Frontend) Abuse() *deferral.Controller {
	return f.abuse
}
