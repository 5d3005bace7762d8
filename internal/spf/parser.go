package spf

import (
	"net"
	"strings"
)

// parse tokenises a single concatenated TXT/SPF record body: strip
// surrounding quotes, lowercase, split on whitespace. It never hard-fails
// on an unrecognised tail; instead it sets Record.SyntaxError and
// attempts a CIDR-shaped repair before giving up on a given term.
func parse(domain, body string) *Record {
	// All stays zero (unset) when the record has no explicit "all" term;
	// the evaluator substitutes its configured default qualifier then.
	rec := &Record{Domain: domain}

	body = strings.Trim(body, `"`)
	body = strings.ToLower(body)
	fields := strings.Fields(body)
	if len(fields) == 0 || fields[0] != "v=spf1" {
		rec.SyntaxError = true
		return rec
	}

	for _, field := range fields[1:] {
		if field == "" {
			continue
		}

		qual, term := splitQualifier(field)

		switch {
		case term == "all":
			rec.All = qual

		case strings.HasPrefix(term, "ip4:"), strings.HasPrefix(term, "ip4="):
			m, ok := parseIPMechanism(qual, MechIP4, term[4:])
			if !ok {
				if m, ok = repairCIDR(qual, term[4:]); ok {
					rec.Mechanisms = append(rec.Mechanisms, m)
					continue
				}
				rec.SyntaxError = true
				continue
			}
			rec.Mechanisms = append(rec.Mechanisms, m)

		case strings.HasPrefix(term, "ip6:"), strings.HasPrefix(term, "ip6="):
			m, ok := parseIPMechanism(qual, MechIP6, term[4:])
			if !ok {
				rec.SyntaxError = true
				continue
			}
			rec.Mechanisms = append(rec.Mechanisms, m)

		case term == "a" || strings.HasPrefix(term, "a:") || strings.HasPrefix(term, "a/"):
			rec.Mechanisms = append(rec.Mechanisms, Mechanism{Kind: MechA, Qualifier: qual, Domain: afterColonOrSlash(term, "a")})

		case term == "mx" || strings.HasPrefix(term, "mx:") || strings.HasPrefix(term, "mx/"):
			rec.Mechanisms = append(rec.Mechanisms, Mechanism{Kind: MechMX, Qualifier: qual, Domain: afterColonOrSlash(term, "mx")})

		case term == "ptr" || strings.HasPrefix(term, "ptr:"):
			dom := ""
			if strings.HasPrefix(term, "ptr:") {
				dom = term[4:]
			}
			rec.Mechanisms = append(rec.Mechanisms, Mechanism{Kind: MechPTR, Qualifier: qual, Domain: dom})

		case strings.HasPrefix(term, "exists:"):
			rec.Mechanisms = append(rec.Mechanisms, Mechanism{Kind: MechExists, Qualifier: qual, Domain: term[len("exists:"):]})

		case strings.HasPrefix(term, "include:"):
			rec.Mechanisms = append(rec.Mechanisms, Mechanism{Kind: MechInclude, Qualifier: qual, Domain: term[len("include:"):]})

		case strings.HasPrefix(term, "redirect="):
			if rec.Redirect == "" {
				rec.Redirect = term[len("redirect="):]
			}

		case strings.HasPrefix(term, "exp="):
			if rec.Exp == "" {
				rec.Exp = term[len("exp="):]
			}

		default:
			// Unknown modifier (name=value) or garbage: tolerate unknown
			// modifiers silently (RFC 7208 §6), flag anything else.
			if !strings.Contains(term, "=") {
				rec.SyntaxError = true
			}
		}
	}

	return rec
}

// splitQualifier strips a leading +/-/~/? qualifier, defaulting to pass.
func splitQualifier(field string) (Qualifier, string) {
	switch field[0] {
	case '+', '-', '~', '?':
		return Qualifier(field[0]), field[1:]
	}
	return QualifierPass, field
}

func afterColonOrSlash(term, prefix string) string {
	rest := term[len(prefix):]
	if rest == "" {
		return ""
	}
	if rest[0] == ':' {
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			return rest[1:i]
		}
		return rest[1:]
	}
	// a/24 style dual-stack prefix length with no domain override.
	return ""
}

func parseIPMechanism(qual Qualifier, kind MechKind, spec string) (Mechanism, bool) {
	if !strings.Contains(spec, "/") {
		if ip := net.ParseIP(spec); ip != nil {
			bits := 32
			if kind == MechIP6 {
				bits = 128
			}
			return Mechanism{Kind: kind, Qualifier: qual, CIDR: ip.String() + "/" + itoa(bits)}, true
		}
		return Mechanism{}, false
	}
	_, _, err := net.ParseCIDR(spec)
	if err != nil {
		return Mechanism{}, false
	}
	return Mechanism{Kind: kind, Qualifier: qual, CIDR: spec}, true
}

// repairCIDR handles a term that failed strict ip4:/ip6: parsing but whose
// tail still looks like a dotted-quad or CIDR once a stray leading colon
// is trimmed (e.g. "ip4::1.2.3.0/24" with a doubled colon): rewrite to a
// valid mechanism rather than discard the term outright.
func repairCIDR(qual Qualifier, spec string) (Mechanism, bool) {
	spec = strings.TrimPrefix(spec, ":")
	if _, _, err := net.ParseCIDR(spec); err == nil {
		return Mechanism{Kind: MechIP4, Qualifier: qual, CIDR: spec}, true
	}
	if ip := net.ParseIP(spec); ip != nil && ip.To4() != nil {
		return Mechanism{Kind: MechIP4, Qualifier: qual, CIDR: spec + "/32"}, true
	}
	return Mechanism{}, false
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := [3]byte{}
	i := len(digits)
	for n > 0 {
		i--
		digits[i] = byte('0' + n%10)
		n /= 10
	}
	return string(digits[i:])
}
