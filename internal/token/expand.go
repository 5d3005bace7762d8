package token

import (
	"context"
	"net"
	"strings"

	"golang.org/x/net/publicsuffix"

	"github.com/spfbld/spfbld/internal/dnsutil"
)

// Transaction is the subset of an SMTP transaction Expand needs: peer IP,
// HELO name, envelope sender/recipient, tenant tag and the already-computed
// SPF outcome (expansion only needs to know PASS vs not, not the full SPF
// result type, so decision.Pipeline maps its spf.Result to this bool before
// calling Expand and this package stays decoupled from internal/spf).
type Transaction struct {
	IP        net.IP
	Sender    string
	Helo      string
	Client    string
	Recipient string
	SPFPass   bool
}

// ProviderCheck reports whether domain is a known freemail/hosting
// provider, i.e. membership in the Provider policy list. Expand takes
// it as a function rather than importing internal/lists's concrete List
// type, keeping the token package usable from tests without constructing a
// full Lists value.
type ProviderCheck func(domain string) bool

// Expand derives the canonical accountable-identifier set for a
// transaction. resolver is used for the HELO-resolves-to-ip check, the
// PTR forward-confirmation fallback, and the dual-stack single-A/AAAA
// lookup.
func Expand(ctx context.Context, resolver dnsutil.Resolver, tx Transaction, isProvider ProviderCheck) *Set {
	set := newSet()

	// 1. Always add the normalised IP.
	ipStr := ""
	if tx.IP != nil {
		ipStr = tx.IP.String()
		set.add(ipStr, ClassIP)
	}

	// 2. HELO forward-confirm, else PTR.
	hostname := ""
	if tx.Helo != "" && tx.IP != nil && heloResolvesTo(ctx, resolver, tx.Helo, tx.IP) {
		hostname = tx.Helo
	} else if tx.IP != nil {
		if name, err := dnsutil.LookupAddr(ctx, resolver, tx.IP); err == nil && name != "" {
			if forwardConfirms(ctx, resolver, name, tx.IP) {
				hostname = name
			}
		}
	}

	// 3. Add .hostname, plus dual-stack equivalent address.
	if hostname != "" {
		set.add(dotted(hostname), ClassHostname)
		if addrs, ok := singleDualStack(ctx, resolver, hostname); ok {
			for _, addr := range addrs {
				set.add(addr, ClassIP)
			}
		}

		if reg, err := publicsuffix.EffectiveTLDPlusOne(strings.TrimSuffix(hostname, ".")); err == nil {
			set.add(dotted(reg), ClassHostname)
		}
	}

	// 4. SPF pass or known provider: add sender accountability token.
	senderDomain := domainOf(tx.Sender)
	if tx.Sender != "" && (tx.SPFPass || (isProvider != nil && isProvider(senderDomain))) {
		if isProvider != nil && isProvider(senderDomain) {
			set.add(strings.ToLower(tx.Sender), ClassSender)
		} else {
			set.add("@"+strings.ToLower(senderDomain), ClassSender)
		}
	}
	if senderDomain != "" {
		if reg, err := publicsuffix.EffectiveTLDPlusOne(senderDomain); err == nil {
			set.add("@"+reg, ClassSender)
		}
	}

	// 5. Recipient tag.
	if tx.Recipient != "" {
		set.add(">"+strings.ToLower(tx.Recipient), ClassRecipient)
	}

	// 6. Client tag.
	if tx.Client != "" {
		set.add("client:"+tx.Client, ClassClient)
	}

	return set
}

func domainOf(addr string) string {
	i := strings.LastIndexByte(addr, '@')
	if i < 0 {
		return ""
	}
	return strings.ToLower(addr[i+1:])
}

func dotted(host string) string {
	// IDNA-aware canonicalisation: a U-label HELO and its A-label PTR name
	// must map to the same token.
	canonical, _ := dnsutil.ForLookup(host)
	return "." + canonical
}

func heloResolvesTo(ctx context.Context, resolver dnsutil.Resolver, helo string, ip net.IP) bool {
	return HeloResolves(ctx, resolver, helo, ip)
}

// HeloResolves reports whether helo has an A/AAAA record matching ip.
// Exported so internal/decision's rule 7 ("no sender and HELO does not
// forward-confirm") can reuse the exact same check Expand uses in step 2.
func HeloResolves(ctx context.Context, resolver dnsutil.Resolver, helo string, ip net.IP) bool {
	if helo == "" || ip == nil {
		return false
	}
	addrs, err := resolver.LookupIPAddr(ctx, helo+".")
	if err != nil {
		return false
	}
	for _, a := range addrs {
		if a.IP.Equal(ip) {
			return true
		}
	}
	return false
}

func forwardConfirms(ctx context.Context, resolver dnsutil.Resolver, name string, ip net.IP) bool {
	return HeloResolves(ctx, resolver, strings.TrimSuffix(name, "."), ip)
}

// ForwardConfirms reports whether ip's PTR name resolves back to ip
// (forward-confirmed reverse DNS), used by rule 7 when there is no HELO
// to check directly.
func ForwardConfirms(ctx context.Context, resolver dnsutil.Resolver, ip net.IP) bool {
	name, err := dnsutil.LookupAddr(ctx, resolver, ip)
	if err != nil || name == "" {
		return false
	}
	return HeloResolves(ctx, resolver, strings.TrimSuffix(name, "."), ip)
}

// singleDualStack returns both addresses when hostname resolves to
// exactly one IPv4 and one IPv6 address (dual-stack equivalence). The
// caller's own peer IP was already added in step 1; Set dedups it, so
// returning both families here (rather than guessing which one the peer
// didn't connect over) is what actually gets the "other" address added.
func singleDualStack(ctx context.Context, resolver dnsutil.Resolver, hostname string) ([]string, bool) {
	addrs, err := resolver.LookupIPAddr(ctx, hostname+".")
	if err != nil || len(addrs) == 0 {
		return nil, false
	}

	var v4, v6 net.IP
	v4Count, v6Count := 0, 0
	for _, a := range addrs {
		if a.IP.To4() != nil {
			v4 = a.IP
			v4Count++
		} else {
			v6 = a.IP
			v6Count++
		}
	}
	if v4Count == 1 && v6Count == 1 {
		return []string{v4.String(), v6.String()}, true
	}
	return nil, false
}
