package lists

import (
	"net"
	"regexp"
	"strings"
	"sync"
)

// List is a named policy list (Block, White, Ignore, Provider, Generic,
// Trap, NoReply). Each inserted token is tagged into the matcher family
// that fits its shape at insert time, so Contains dispatches on family
// instead of running every pattern against every probe.
type List struct {
	Name string

	mu     sync.RWMutex
	exact  map[string]bool
	cidrs  []*net.IPNet
	suffix []string // stored without the leading dot, matched as suffix
	regex  []*regexp.Regexp
	whois  []whoisRule
	dnsbl  []dnsblRule
}

type whoisRule struct {
	field string
	value string
}

// dnsblRule is a "DNSBL=zone;filter" entry: membership is delegated to an
// external DNS block list, listed when the zone answers with filter (or
// with anything, when filter is empty).
type dnsblRule struct {
	zone   string
	filter string
}

func NewList(name string) *List {
	return &List{
		Name:  name,
		exact: map[string]bool{},
	}
}

// Add inserts a token, classifying it by shape: "CIDR=", "WHOIS/field=",
// "REGEX=", "DNSBL=zone;filter", a leading "." (suffix), or a bare value
// (exact).
func (l *List) Add(tok string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.add(tok)
}

func (l *List) add(tok string) {
	switch {
	case strings.HasPrefix(tok, "CIDR="):
		if _, n, err := net.ParseCIDR(strings.TrimPrefix(tok, "CIDR=")); err == nil {
			l.cidrs = append(l.cidrs, n)
		}
	case strings.HasPrefix(tok, "WHOIS/"):
		rest := strings.TrimPrefix(tok, "WHOIS/")
		if i := strings.IndexByte(rest, '='); i >= 0 {
			l.whois = append(l.whois, whoisRule{field: rest[:i], value: rest[i+1:]})
		}
	case strings.HasPrefix(tok, "REGEX="):
		if re, err := regexp.Compile(strings.TrimPrefix(tok, "REGEX=")); err == nil {
			l.regex = append(l.regex, re)
		}
	case strings.HasPrefix(tok, "DNSBL="):
		rest := strings.TrimPrefix(tok, "DNSBL=")
		rule := dnsblRule{zone: rest}
		if i := strings.IndexByte(rest, ';'); i >= 0 {
			rule = dnsblRule{zone: rest[:i], filter: rest[i+1:]}
		}
		if rule.zone != "" {
			l.dnsbl = append(l.dnsbl, rule)
		}
	case strings.HasPrefix(tok, "."):
		l.suffix = append(l.suffix, strings.TrimPrefix(tok, "."))
	default:
		l.exact[tok] = true
	}
}

// Remove drops an exact-match entry (used for false-positive Block
// clearing). Pattern families are not mutated by Remove;
// operators edit those via the backing file/config, not at request time.
func (l *List) Remove(tok string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.exact, tok)
}

// Contains tests exact, suffix and regex families against tok, plus CIDR
// membership when tok parses as an IP.
func (l *List) Contains(tok string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.exact[tok] {
		return true
	}
	bare := strings.TrimPrefix(tok, ".")
	for _, s := range l.suffix {
		if bare == s || strings.HasSuffix(bare, "."+s) {
			return true
		}
	}
	for _, re := range l.regex {
		if re.MatchString(tok) {
			return true
		}
	}
	if ip := net.ParseIP(tok); ip != nil {
		for _, n := range l.cidrs {
			if n.Contains(ip) {
				return true
			}
		}
	}
	return false
}

// ContainsCIDROverlap reports whether ip falls in any CIDR entry, used by
// Block's dedicated CIDR-overlap tracking.
func (l *List) ContainsCIDROverlap(ip net.IP) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, n := range l.cidrs {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// ExactEntries returns a copy of the exact-match entries, used by
// internal/persist to snapshot the runtime-added entries (AutoBlockIP,
// Unblock) that config-file reloads alone would not reproduce
// (zone.map).
func (l *List) ExactEntries() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.exact))
	for k := range l.exact {
		out = append(out, k)
	}
	return out
}

// Replace swaps the List's entire contents for tokens, used by FileSource
// reloads. Runtime-added exact entries are replaced along with everything
// else; the persistence layer re-applies its zone.map snapshot after a
// reload for exactly this reason.
func (l *List) Replace(tokens []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.exact = map[string]bool{}
	l.cidrs = nil
	l.suffix = nil
	l.regex = nil
	l.whois = nil
	l.dnsbl = nil
	for _, tok := range tokens {
		l.add(tok)
	}
}

// DNSBLRules returns the zone;filter pairs configured on this list, for
// the resolver-backed probe in Lists.Check.
func (l *List) DNSBLRules() [][2]string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([][2]string, 0, len(l.dnsbl))
	for _, r := range l.dnsbl {
		out = append(out, [2]string{r.zone, r.filter})
	}
	return out
}

// HasWhoisRules reports whether any WHOIS/ entry exists, so callers can
// skip the WHOIS lookup entirely for lists that never use it.
func (l *List) HasWhoisRules() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.whois) > 0
}

// MatchWhois reports whether any WHOIS/ rule matches the resolved
// attribute map for the probed identifier (field -> value, e.g.
// "abuse-mailbox", "netname").
func (l *List) MatchWhois(attrs map[string]string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, r := range l.whois {
		if v, ok := attrs[r.field]; ok && strings.EqualFold(v, r.value) {
			return true
		}
	}
	return false
}
