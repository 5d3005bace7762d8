package spf

import (
	"context"
	"fmt"
	"net"
	"testing"

	"github.com/foxcpp/go-mockdns"

	"github.com/spfbld/spfbld/internal/dnsutil"
	"github.com/spfbld/spfbld/internal/log"
)

func testEval(zones map[string]mockdns.Zone) *Evaluator {
	resolver := dnsutil.NewCaching(&mockdns.Resolver{Zones: zones})
	reg := NewRegistry(resolver, nil, log.Logger{})
	return NewEvaluator(reg, resolver)
}

func TestEvaluateIPLiteral(t *testing.T) {
	e := testEval(map[string]mockdns.Zone{
		"example.com.": {TXT: []string{"v=spf1 ip4:93.184.216.0/24 -all"}},
	})

	res := e.Evaluate(context.Background(), net.ParseIP("93.184.216.34"), "alice@example.com", "mx.example.com")
	if res != Pass {
		t.Errorf("inside CIDR: want PASS, got %v", res)
	}

	res = e.Evaluate(context.Background(), net.ParseIP("8.8.8.8"), "alice@example.com", "mx.example.com")
	if res != Fail {
		t.Errorf("outside CIDR: want FAIL, got %v", res)
	}
}

func TestEvaluateAMechanism(t *testing.T) {
	e := testEval(map[string]mockdns.Zone{
		"example.com.": {
			TXT: []string{"v=spf1 a -all"},
			A:   []string{"192.0.2.5"},
		},
	})
	res := e.Evaluate(context.Background(), net.ParseIP("192.0.2.5"), "alice@example.com", "")
	if res != Pass {
		t.Errorf("want PASS, got %v", res)
	}
}

func TestEvaluateMXMechanism(t *testing.T) {
	e := testEval(map[string]mockdns.Zone{
		"example.com.": {
			TXT: []string{"v=spf1 mx -all"},
			MX:  []net.MX{{Host: "mx.example.com.", Pref: 10}},
		},
		"mx.example.com.": {A: []string{"192.0.2.5"}},
	})
	res := e.Evaluate(context.Background(), net.ParseIP("192.0.2.5"), "alice@example.com", "")
	if res != Pass {
		t.Errorf("want PASS, got %v", res)
	}
}

func TestReservedCIDRSuppressed(t *testing.T) {
	// ip4:10.0.0.0/8 must never authorise anything, even an IP inside it.
	e := testEval(map[string]mockdns.Zone{
		"example.com.": {TXT: []string{"v=spf1 ip4:10.0.0.0/8 -all"}},
	})
	res := e.Evaluate(context.Background(), net.ParseIP("10.1.2.3"), "alice@example.com", "")
	if res != Fail {
		t.Errorf("reserved CIDR matched: want FAIL, got %v", res)
	}
}

func TestIncludeDepthBound(t *testing.T) {
	// A chain of 11 includes: evaluation must terminate and fall through to
	// the outer record's "all" qualifier.
	zones := map[string]mockdns.Zone{
		"example.com.": {TXT: []string{"v=spf1 include:d0.example.com ~all"}},
	}
	for i := 0; i < 11; i++ {
		zones[fmt.Sprintf("d%d.example.com.", i)] = mockdns.Zone{
			TXT: []string{fmt.Sprintf("v=spf1 include:d%d.example.com -all", i+1)},
		}
	}
	e := testEval(zones)
	res := e.Evaluate(context.Background(), net.ParseIP("192.0.2.5"), "alice@example.com", "")
	if res != SoftFail {
		t.Errorf("want outer record's SOFTFAIL, got %v", res)
	}
}

func TestIncludeCycle(t *testing.T) {
	e := testEval(map[string]mockdns.Zone{
		"example.com.": {TXT: []string{"v=spf1 include:example.com ?all"}},
	})
	res := e.Evaluate(context.Background(), net.ParseIP("192.0.2.5"), "alice@example.com", "")
	if res != Neutral {
		t.Errorf("self-include: want NEUTRAL fallthrough, got %v", res)
	}
}

func TestMissingIncludeContinues(t *testing.T) {
	// The include target does not exist; the later ip4 must still match.
	e := testEval(map[string]mockdns.Zone{
		"example.com.": {TXT: []string{"v=spf1 include:gone.example.net ip4:93.184.216.34 -all"}},
	})
	res := e.Evaluate(context.Background(), net.ParseIP("93.184.216.34"), "alice@example.com", "")
	if res != Pass {
		t.Errorf("want PASS, got %v", res)
	}
}

func TestSyntaxErrorSoftFail(t *testing.T) {
	zones := map[string]mockdns.Zone{
		"example.com.": {TXT: []string{"v=spf1 bogus -all"}},
	}
	e := testEval(zones)
	res := e.Evaluate(context.Background(), net.ParseIP("192.0.2.5"), "alice@example.com", "")
	if res != SoftFail {
		t.Errorf("default: want SOFTFAIL, got %v", res)
	}

	e2 := testEval(zones)
	e2.PermErrorOnSyntax = true
	res = e2.Evaluate(context.Background(), net.ParseIP("192.0.2.5"), "alice@example.com", "")
	if res != PermError {
		t.Errorf("strict: want PERMERROR, got %v", res)
	}
}

func TestNoSenderUsesHelo(t *testing.T) {
	e := testEval(map[string]mockdns.Zone{
		"mx.example.com.": {TXT: []string{"v=spf1 ip4:93.184.216.34 -all"}},
	})
	res := e.Evaluate(context.Background(), net.ParseIP("93.184.216.34"), "", "mx.example.com")
	if res != Pass {
		t.Errorf("HELO-scope: want PASS, got %v", res)
	}
}

func TestDefaultAllQualifier(t *testing.T) {
	zones := map[string]mockdns.Zone{
		"example.com.": {TXT: []string{"v=spf1 ip4:93.184.216.34"}},
	}

	e := testEval(zones)
	res := e.Evaluate(context.Background(), net.ParseIP("8.8.8.8"), "alice@example.com", "")
	if res != Neutral {
		t.Errorf("no all, historical default: want NEUTRAL, got %v", res)
	}

	e2 := testEval(zones)
	e2.DefaultAllQualifier = QualifierPass
	res = e2.Evaluate(context.Background(), net.ParseIP("8.8.8.8"), "alice@example.com", "")
	if res != Pass {
		t.Errorf("no all, RFC default: want PASS, got %v", res)
	}
}

func TestNoRecordFallsToGuess(t *testing.T) {
	// Domain exists but publishes no SPF: the best-guess record applies,
	// so an IP matching the domain's A record passes.
	e := testEval(map[string]mockdns.Zone{
		"example.com.": {
			TXT: []string{"unrelated txt record"},
			A:   []string{"192.0.2.5"},
		},
	})
	res := e.Evaluate(context.Background(), net.ParseIP("192.0.2.5"), "alice@example.com", "")
	if res != Pass {
		t.Errorf("best-guess a match: want PASS, got %v", res)
	}
}
