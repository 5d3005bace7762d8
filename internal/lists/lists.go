package lists

import (
	"context"
	"net"

	"golang.org/x/sync/errgroup"

	"github.com/spfbld/spfbld/internal/dnsutil"
)

// WhoisLookup resolves registry attributes (netname, abuse-mailbox, ...)
// for an IP or domain. Implemented by internal/whois; declared here so
// the lists package does not depend on the client's wire handling.
type WhoisLookup interface {
	Attrs(ctx context.Context, query string) (map[string]string, error)
}

// Lists bundles the seven named policy lists. It is constructed once at
// startup and handed to both the decision pipeline and the DNS-list
// frontend.
type Lists struct {
	Block    *List
	White    *List
	Ignore   *List
	Provider *List
	Generic  *List
	Trap     *List
	NoReply  *List

	// Resolver enables DNSBL= entries; Whois enables WHOIS/field= entries.
	// Either may be nil, which disables that family's probes.
	Resolver dnsutil.Resolver
	Whois    WhoisLookup
}

func New() *Lists {
	return &Lists{
		Block:    NewList("block"),
		White:    NewList("white"),
		Ignore:   NewList("ignore"),
		Provider: NewList("provider"),
		Generic:  NewList("generic"),
		Trap:     NewList("trap"),
		NoReply:  NewList("noreply"),
	}
}

// Membership is the result of probing every token in a set against every
// list, keyed by which list matched.
type Membership struct {
	Blocked    bool
	Whitelisted bool
	Ignored    bool
	IsProvider bool
	IsGeneric  bool
	IsTrap     bool
	IsNoReply  bool
}

// Check probes tokens against all seven lists concurrently: each list is
// independent so there is no reason to probe them serially.
func (l *Lists) Check(ctx context.Context, tokens []string) Membership {
	var m Membership
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { m.Blocked = l.blocked(ctx, tokens); return nil })
	g.Go(func() error { m.Whitelisted = anyContains(l.White, tokens); return nil })
	g.Go(func() error { m.Ignored = anyContains(l.Ignore, tokens); return nil })
	g.Go(func() error { m.IsProvider = anyContains(l.Provider, tokens); return nil })
	g.Go(func() error { m.IsGeneric = anyContains(l.Generic, tokens); return nil })
	g.Go(func() error { m.IsTrap = anyContains(l.Trap, tokens); return nil })
	g.Go(func() error { m.IsNoReply = anyContains(l.NoReply, tokens); return nil })

	_ = g.Wait()
	return m
}

// blocked runs the Block list's full matcher set: the in-memory families
// first, then the externalised ones (DNSBL zones, WHOIS attributes) for
// IP-shaped tokens, most expensive last.
func (l *Lists) blocked(ctx context.Context, tokens []string) bool {
	if anyContains(l.Block, tokens) {
		return true
	}
	for _, t := range tokens {
		ip := net.ParseIP(t)
		if ip == nil {
			continue
		}
		if l.Resolver != nil && l.Block.dnsblListed(ctx, l.Resolver, ip) {
			return true
		}
		if l.Whois != nil && l.Block.HasWhoisRules() {
			if attrs, err := l.Whois.Attrs(ctx, t); err == nil && l.Block.MatchWhois(attrs) {
				return true
			}
		}
	}
	return false
}

func anyContains(list *List, tokens []string) bool {
	for _, t := range tokens {
		if list.Contains(t) {
			return true
		}
	}
	return false
}

// IsProviderDomain reports whether domain (bare, no leading "@") is a
// known freemail/hosting provider, used by internal/token's ProviderCheck
// and by the decision pipeline's provider-HELO exemptions.
func (l *Lists) IsProviderDomain(domain string) bool {
	return l.Provider.Contains(domain) || l.Provider.Contains("@"+domain)
}

// AutoBlockIP inserts ip into Block, used when a peer with no reverse DNS
// is rejected under the reverse-required policy.
func (l *Lists) AutoBlockIP(ip net.IP) {
	l.Block.Add(ip.String())
}

// Unblock clears a false-positive Block entry; a whitelisted transaction
// clears any Block that would have matched it.
func (l *Lists) Unblock(tok string) {
	l.Block.Remove(tok)
}

// Named returns every list keyed by name, for internal/persist's zone.map
// snapshot and for config-loading code that addresses a list by
// its directive name.
func (l *Lists) Named() map[string]*List {
	return map[string]*List{
		l.Block.Name:    l.Block,
		l.White.Name:    l.White,
		l.Ignore.Name:   l.Ignore,
		l.Provider.Name: l.Provider,
		l.Generic.Name:  l.Generic,
		l.Trap.Name:     l.Trap,
		l.NoReply.Name:  l.NoReply,
	}
}
