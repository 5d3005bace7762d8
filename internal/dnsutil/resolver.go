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

// Package dnsutil defines the DNS resolution abstraction used throughout
// the engine: SPF evaluation, the DNS-list frontend and the reputation
// engine all talk to a Resolver rather than net.DefaultResolver directly,
// so tests can substitute a fake one and so a single caching layer can sit
// in front of every lookup.
package dnsutil

import (
	"context"
	"errors"
	"net"
	"strings"
)

// Resolver is the DNS-related surface the engine depends on. It is
// implemented by DefaultResolver() and by cachingResolver.
type Resolver interface {
	LookupAddr(ctx context.Context, addr string) (names []string, err error)
	LookupHost(ctx context.Context, host string) (addrs []string, err error)
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
	LookupTXT(ctx context.Context, name string) ([]string, error)
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// ErrNXDOMAIN is returned (wrapped) when a lookup authoritatively reports
// that the name does not exist, as opposed to a transient failure.
var ErrNXDOMAIN = errors.New("dnsutil: no such domain")

// LookupAddr is a convenience wrapper for Resolver.LookupAddr. It returns
// the first name with its trailing dot stripped.
func LookupAddr(ctx context.Context, r Resolver, ip net.IP) (string, error) {
	names, err := r.LookupAddr(ctx, ip.String())
	if err != nil || len(names) == 0 {
		return "", err
	}
	return strings.TrimRight(names[0], "."), nil
}

// DefaultResolver returns the system resolver, honouring any address
// override previously installed by OverrideServer.
func DefaultResolver() Resolver {
	if overrideServ != "" && overrideServ != "system-default" {
		override(overrideServ)
	}
	return net.DefaultResolver
}

func isNXDOMAIN(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsNotFound
	}
	return false
}

func isTemporaryDNS(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTimeout || dnsErr.IsTemporary || dnsErr.Server != ""
	}
	return false
}
