package dnsutil

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/foxcpp/go-mockdns"

	"github.com/spfbld/spfbld/internal/exterrors"
)

func mustIP(t *testing.T, s string) net.IP {
	t.Helper()
	ip := net.ParseIP(s)
	if ip == nil {
		t.Fatalf("bad IP in test: %s", s)
	}
	return ip
}

func TestCachingResolverNXDOMAIN(t *testing.T) {
	r := NewCaching(&mockdns.Resolver{})
	_, err := r.LookupTXT(context.Background(), "gone.example.net.")
	if !errors.Is(err, ErrNXDOMAIN) {
		t.Errorf("want ErrNXDOMAIN, got %v", err)
	}
	if exterrors.IsTemporary(err) {
		t.Error("NXDOMAIN classified as temporary")
	}
}

func TestCachingResolverServesFromCache(t *testing.T) {
	upstream := &mockdns.Resolver{Zones: map[string]mockdns.Zone{
		"example.com.": {TXT: []string{"v=spf1 -all"}},
	}}
	r := NewCaching(upstream)

	txt, err := r.LookupTXT(context.Background(), "example.com.")
	if err != nil || len(txt) != 1 {
		t.Fatalf("first lookup: %v %v", txt, err)
	}

	// Upstream loses the record; the cached answer stands.
	upstream.Zones = nil
	txt, err = r.LookupTXT(context.Background(), "example.com.")
	if err != nil || len(txt) != 1 {
		t.Errorf("cached lookup: %v %v", txt, err)
	}
}

func TestLookupAddrHelper(t *testing.T) {
	r := NewCaching(&mockdns.Resolver{Zones: map[string]mockdns.Zone{
		"5.2.0.192.in-addr.arpa.": {PTR: []string{"host.isp.tld."}},
	}})
	name, err := LookupAddr(context.Background(), r, mustIP(t, "192.0.2.5"))
	if err != nil {
		t.Fatal(err)
	}
	if name != "host.isp.tld" {
		t.Errorf("name: %q", name)
	}
}
