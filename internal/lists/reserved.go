// Package lists implements the policy list membership families:
// Block, White, Ignore, Provider, Generic, Trap and NoReply. It is also
// the owner of the IANA-reserved address range table, shared with
// internal/spf's mechanism evaluator (dropping ip4:/ip6: mechanisms that
// overlap a reserved range) and with the decision pipeline's
// LAN/reserved-peer short-circuit.
package lists

import "net"

// reservedCIDRs is the IANA special-purpose address registry subset that
// matters for SMTP peers: loopback, link-local, documentation, private
// (RFC 1918/4193), carrier-grade NAT and multicast/reserved space. A
// transaction whose peer IP falls in one of these is never a real Internet
// sender.
var reservedCIDRs = mustParseAll(
	"0.0.0.0/8",
	"10.0.0.0/8",
	"100.64.0.0/10",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.0.0.0/24",
	"192.0.2.0/24",
	"192.88.99.0/24",
	"192.168.0.0/16",
	"198.18.0.0/15",
	"198.51.100.0/24",
	"203.0.113.0/24",
	"224.0.0.0/4",
	"240.0.0.0/4",
	"255.255.255.255/32",
	"::1/128",
	"::/128",
	"::ffff:0:0/96",
	"64:ff9b::/96",
	"100::/64",
	"2001:db8::/32",
	"fc00::/7",
	"fe80::/10",
	"ff00::/8",
)

func mustParseAll(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic("lists: invalid built-in reserved CIDR " + c + ": " + err.Error())
		}
		nets = append(nets, n)
	}
	return nets
}

// localCIDRs is the subset of reserved space a real SMTP peer can actually
// connect from: loopback, RFC 1918/4193 private space, link-local and
// carrier-grade NAT. Documentation and multicast ranges are deliberately
// not in here; they never appear as a TCP peer, and keeping them out lets
// the reserved table stay strict for SPF mechanism suppression without
// misclassifying a peer.
var localCIDRs = mustParseAll(
	"0.0.0.0/8",
	"10.0.0.0/8",
	"100.64.0.0/10",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"::1/128",
	"::/128",
	"fc00::/7",
	"fe80::/10",
)

// IsLocalIP reports whether ip is a LAN/non-public peer address. The
// decision pipeline answers LAN for these without consulting anything
// else, and the policy server short-circuits them to DUNNO.
func IsLocalIP(ip net.IP) bool {
	for _, n := range localCIDRs {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// IsReservedIP reports whether ip falls within IANA-reserved/LAN space.
func IsReservedIP(ip net.IP) bool {
	v4 := ip.To4() != nil
	for _, n := range reservedCIDRs {
		// net.IPNet.Contains reads ::ffff:0:0/96 as covering all of IPv4,
		// so only ranges of the probe's own address family are consulted.
		if (len(n.IP) == net.IPv4len) != v4 {
			continue
		}
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// IsReservedCIDR reports whether cidr overlaps any reserved range. The
// SPF evaluator silently drops ip4:/ip6: mechanisms that overlap one; no
// real Internet sender is ever authorised by reserved space.
func IsReservedCIDR(cidr string) bool {
	_, n, err := net.ParseCIDR(cidr)
	if err != nil {
		if ip := net.ParseIP(cidr); ip != nil {
			return IsReservedIP(ip)
		}
		return false
	}
	for _, r := range reservedCIDRs {
		if len(r.IP) != len(n.IP) {
			continue
		}
		if r.Contains(n.IP) || n.Contains(r.IP) {
			return true
		}
	}
	return false
}
