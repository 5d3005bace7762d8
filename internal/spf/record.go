// Package spf implements the SPF registry and evaluator: parsing and
// repair of SPF records fetched over DNS, a keyed cache with a background
// refresh/eviction schedule, and an RFC 7208 evaluator that walks the
// cached record tree in complexity order.
//
// Off-the-shelf SPF libraries expose only a one-shot check_host() call;
// the registry here owns the record cache itself (refresh on query
// pressure, definitely-inexistent tracking, best-guess fallback) rather
// than re-resolving on every request.
package spf

import "time"

// Qualifier is the SPF term qualifier: +, -, ~, ?.
type Qualifier byte

const (
	QualifierPass     Qualifier = '+'
	QualifierFail     Qualifier = '-'
	QualifierSoftFail Qualifier = '~'
	QualifierNeutral  Qualifier = '?'
)

func (q Qualifier) Result() Result {
	switch q {
	case QualifierPass:
		return Pass
	case QualifierFail:
		return Fail
	case QualifierSoftFail:
		return SoftFail
	case QualifierNeutral:
		return Neutral
	}
	return Neutral
}

// MechKind identifies the mechanism family. Order of the iota matters only
// for readability; evaluation order is computed separately in evaluator.go
// from the "complexity order" rule (IP literals, then A/MX, then includes,
// PTR last).
type MechKind int

const (
	MechIP4 MechKind = iota
	MechIP6
	MechA
	MechMX
	MechPTR
	MechExists
	MechInclude
	MechAll
)

// Mechanism is a single parsed term of an SPF record (not counting the
// redirect/exp modifiers, which are stored on Record directly).
type Mechanism struct {
	Kind      MechKind
	Qualifier Qualifier

	// Domain is the (possibly macro-bearing, unexpanded) domain-spec
	// argument, empty when the mechanism uses the default domain.
	Domain string

	// CIDR carries the ip4/ip6 literal plus prefix length. It is empty for
	// a/mx: the parser drops their dual-stack prefix lengths, and those
	// mechanisms match exact addresses only.
	CIDR string
}

// Record is the arena-indexed parsed form of a domain's SPF policy. The
// registry stores one Record per hostname; mechanisms never point back
// into other Records by pointer, so a visited-host set is sufficient to
// guard include cycles.
type Record struct {
	Domain string

	All        Qualifier
	Mechanisms []Mechanism
	Redirect   string
	Exp        string

	// SyntaxError marks an unrecognised tail that was silently dropped by
	// the parser rather than causing a hard failure; the evaluator
	// consults it to decide between PERMERROR and SOFTFAIL.
	SyntaxError bool

	// Guess marks a best-guess fallback record synthesised because the
	// domain published none.
	Guess bool

	NXDOMAINCount int
	QueryCount    int
	LastRefresh   time.Time
}

// Result is the outcome of evaluating a Record against a transaction, per
// RFC 7208 §2.6.
type Result int

const (
	None Result = iota
	Pass
	Fail
	SoftFail
	Neutral
	PermError
	TempError
)

func (r Result) String() string {
	switch r {
	case None:
		return "NONE"
	case Pass:
		return "PASS"
	case Fail:
		return "FAIL"
	case SoftFail:
		return "SOFTFAIL"
	case Neutral:
		return "NEUTRAL"
	case PermError:
		return "PERMERROR"
	case TempError:
		return "TEMPERROR"
	}
	return "NONE"
}
