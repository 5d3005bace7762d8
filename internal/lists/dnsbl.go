/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package lists

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"

	"github.com/spfbld/spfbld/internal/dnsutil"
)

// dnsblQueryString builds the reversed-label form of ip used for DNSBL
// lookups: reversed dotted-quad for IPv4, reversed nibbles for IPv6.
func dnsblQueryString(ip net.IP) string {
	if v4 := ip.To4(); v4 != nil {
		parts := make([]string, 4)
		for i, b := range v4 {
			parts[3-i] = strconv.Itoa(int(b))
		}
		return strings.Join(parts, ".")
	}

	ip = ip.To16()
	parts := make([]string, 0, 32)
	for i := len(ip) - 1; i >= 0; i-- {
		parts = append(parts, strconv.FormatUint(uint64(ip[i]&0x0f), 16))
		parts = append(parts, strconv.FormatUint(uint64(ip[i]>>4), 16))
	}
	return strings.Join(parts, ".")
}

// dnsblListed probes every DNSBL= rule on the list for ip. A zone that
// answers NXDOMAIN means not listed; a transient failure on one zone does
// not veto the others.
func (l *List) dnsblListed(ctx context.Context, resolver dnsutil.Resolver, ip net.IP) bool {
	if ip == nil {
		return false
	}
	for _, rule := range l.DNSBLRules() {
		query := dnsblQueryString(ip) + "." + strings.TrimSuffix(rule[0], ".") + "."
		addrs, err := resolver.LookupHost(ctx, query)
		if err != nil {
			if errors.Is(err, dnsutil.ErrNXDOMAIN) {
				continue
			}
			continue
		}
		if len(addrs) == 0 {
			continue
		}
		if rule[1] == "" {
			return true
		}
		for _, a := range addrs {
			if a == rule[1] {
				return true
			}
		}
	}
	return false
}
