package spf

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/spfbld/spfbld/internal/dnsutil"
	"github.com/spfbld/spfbld/internal/lists"
)

// maxDepth bounds include/redirect recursion.
const maxDepth = 10

// Evaluator walks Registry-cached Records to produce an RFC 7208 result.
// Per-request state lives in evalState, not in Evaluator, so one
// Evaluator serves concurrent requests.
type Evaluator struct {
	Registry *Registry
	Resolver dnsutil.Resolver

	// DefaultAllQualifier is used for a record with no explicit "all"
	// mechanism. The historical default is NEUTRAL; RFC 7208 would use
	// "+". Both are selectable from config.
	DefaultAllQualifier Qualifier

	// PermErrorOnSyntax switches the fallthrough-on-syntax-error behaviour
	// from the historical SOFTFAIL to the RFC-mandated PERMERROR. Default
	// false keeps SOFTFAIL.
	PermErrorOnSyntax bool
}

func NewEvaluator(reg *Registry, resolver dnsutil.Resolver) *Evaluator {
	return &Evaluator{
		Registry:            reg,
		Resolver:            resolver,
		DefaultAllQualifier: QualifierNeutral,
	}
}

type evalState struct {
	ip     net.IP
	sender string
	helo   string

	visited map[string]bool
}

// Evaluate runs check_host() for (ip, sender, helo) starting from the
// sender's domain (or the HELO domain if sender is empty).
func (e *Evaluator) Evaluate(ctx context.Context, ip net.IP, sender, helo string) Result {
	domain := domainOf(sender)
	if domain == "" {
		domain = helo
	}
	if domain == "" {
		return None
	}

	st := &evalState{ip: ip, sender: sender, helo: helo, visited: map[string]bool{}}
	return e.checkHost(ctx, st, strings.ToLower(domain), 0)
}

func domainOf(addr string) string {
	i := strings.LastIndexByte(addr, '@')
	if i < 0 {
		return ""
	}
	return addr[i+1:]
}

func (e *Evaluator) checkHost(ctx context.Context, st *evalState, domain string, depth int) Result {
	if depth > maxDepth {
		return PermError
	}
	if st.visited[domain] {
		// Cycle: RFC 7208 would already have hit the DNS query limit in
		// practice, but a direct self-include/redirect loop must not spin.
		return PermError
	}
	st.visited[domain] = true

	rec, err := e.Registry.Lookup(ctx, domain)
	if err != nil {
		if errors.Is(err, ErrNXDOMAIN) {
			return None
		}
		return TempError
	}

	if rec.SyntaxError {
		if e.PermErrorOnSyntax {
			return PermError
		}
		return SoftFail
	}

	// Complexity order: IP literals first, then A/MX, then include, PTR
	// last. Sort a local copy of indices rather than the record's own
	// slice, since Record is shared cache state.
	order := complexityOrder(rec.Mechanisms)

	for _, idx := range order {
		m := rec.Mechanisms[idx]

		if (m.Kind == MechIP4 || m.Kind == MechIP6) && lists.IsReservedCIDR(m.CIDR) {
			continue
		}
		if m.Kind == MechPTR && depth != 0 {
			// PTR is honoured only at the top-level record.
			continue
		}

		matched, res, err := e.evalMechanism(ctx, st, m, domain, depth)
		if err != nil {
			if isHostNotFound(err) {
				// A missing include target does not fail the whole record;
				// remaining mechanisms still get their chance.
				continue
			}
			return TempError
		}
		if matched {
			return res
		}
	}

	if rec.Redirect != "" {
		return e.checkHost(ctx, st, strings.ToLower(rec.Redirect), depth+1)
	}

	all := rec.All
	if all == 0 {
		all = e.DefaultAllQualifier
	}
	return all.Result()
}

var errHostNotFound = errors.New("spf: host not found")

func isHostNotFound(err error) bool {
	return errors.Is(err, errHostNotFound) || errors.Is(err, ErrNXDOMAIN)
}

// complexityOrder returns mechanism indices ordered IP > A/MX > Exists >
// Include > PTR, stable within each class, so cheap wins short-circuit
// before any DNS is spent. The "all" mechanism, if present among
// rec.Mechanisms, is never reached here since it's stored on Record.All.
func complexityOrder(mechs []Mechanism) []int {
	rank := func(k MechKind) int {
		switch k {
		case MechIP4, MechIP6:
			return 0
		case MechA, MechMX:
			return 1
		case MechExists:
			return 2
		case MechInclude:
			return 3
		case MechPTR:
			return 4
		}
		return 5
	}
	idx := make([]int, len(mechs))
	for i := range idx {
		idx[i] = i
	}
	// Simple stable insertion sort: mechanism lists are short (RFC 7208
	// caps DNS-using terms at 10) so O(n^2) is fine and keeps the
	// dependency list free of sort.Slice closures for this hot path.
	for i := 1; i < len(idx); i++ {
		for j := i; j > 0 && rank(mechs[idx[j-1]].Kind) > rank(mechs[idx[j]].Kind); j-- {
			idx[j-1], idx[j] = idx[j], idx[j-1]
		}
	}
	return idx
}

func (e *Evaluator) evalMechanism(ctx context.Context, st *evalState, m Mechanism, domain string, depth int) (matched bool, res Result, err error) {
	switch m.Kind {
	case MechIP4, MechIP6:
		_, n, perr := net.ParseCIDR(m.CIDR)
		if perr != nil {
			return false, 0, nil
		}
		if n.Contains(st.ip) {
			return true, m.Qualifier.Result(), nil
		}
		return false, 0, nil

	case MechA:
		target := m.Domain
		if target == "" {
			target = domain
		}
		addrs, lerr := e.Resolver.LookupIPAddr(ctx, dnsutil.FQDN(target))
		if lerr != nil {
			if errors.Is(lerr, ErrNXDOMAIN) {
				return false, 0, nil
			}
			return false, 0, lerr
		}
		for _, a := range addrs {
			if a.IP.Equal(st.ip) {
				return true, m.Qualifier.Result(), nil
			}
		}
		return false, 0, nil

	case MechMX:
		target := m.Domain
		if target == "" {
			target = domain
		}
		mxs, lerr := e.Resolver.LookupMX(ctx, dnsutil.FQDN(target))
		if lerr != nil {
			if errors.Is(lerr, ErrNXDOMAIN) {
				return false, 0, nil
			}
			return false, 0, lerr
		}
		for _, mx := range mxs {
			addrs, aerr := e.Resolver.LookupIPAddr(ctx, mx.Host)
			if aerr != nil {
				continue
			}
			for _, a := range addrs {
				if a.IP.Equal(st.ip) {
					return true, m.Qualifier.Result(), nil
				}
			}
		}
		return false, 0, nil

	case MechPTR:
		name, perr := dnsutil.LookupAddr(ctx, e.Resolver, st.ip)
		if perr != nil || name == "" {
			return false, 0, nil
		}
		suffix := m.Domain
		if suffix == "" {
			suffix = domain
		}
		if name == suffix || strings.HasSuffix(name, "."+suffix) {
			return true, m.Qualifier.Result(), nil
		}
		return false, 0, nil

	case MechExists:
		target := expandExists(m.Domain, st.ip)
		_, lerr := e.Resolver.LookupHost(ctx, dnsutil.FQDN(target))
		if lerr != nil {
			if errors.Is(lerr, ErrNXDOMAIN) {
				return false, 0, nil
			}
			return false, 0, lerr
		}
		return true, m.Qualifier.Result(), nil

	case MechInclude:
		res := e.checkHost(ctx, st, strings.ToLower(m.Domain), depth+1)
		switch res {
		case Pass:
			return true, m.Qualifier.Result(), nil
		case Fail, SoftFail, Neutral:
			return false, 0, nil
		case TempError:
			return false, 0, errHostNotFound
		case PermError:
			return false, 0, errHostNotFound
		default: // None
			return false, 0, nil
		}
	}
	return false, 0, nil
}

// expandExists performs the minimal %{i} substitution that real-world
// "exists:" mechanisms actually rely on (DNSBL-style existence checks
// against the sender IP); full RFC 7208 macro expansion is not needed
// beyond this.
func expandExists(spec string, ip net.IP) string {
	if !strings.Contains(spec, "%{i}") {
		return spec
	}
	return strings.ReplaceAll(spec, "%{i}", ip.String())
}
