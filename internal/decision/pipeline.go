package decision

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/spfbld/spfbld/internal/deferral"
	"github.com/spfbld/spfbld/internal/dnsutil"
	"github.com/spfbld/spfbld/internal/ledger"
	"github.com/spfbld/spfbld/internal/lists"
	"github.com/spfbld/spfbld/internal/log"
	"github.com/spfbld/spfbld/internal/metrics"
	"github.com/spfbld/spfbld/internal/reputation"
	"github.com/spfbld/spfbld/internal/spf"
	"github.com/spfbld/spfbld/internal/ticket"
	"github.com/spfbld/spfbld/internal/token"
)

// AnalysisSink receives one (token, verdict) pair per decided
// transaction; implemented by internal/persist's daily CSV writer.
type AnalysisSink interface {
	Add(token, verdict string)
}

// Config holds the tunables the decision table references: the flood
// retry ceiling (rule 10) and whether a missing PTR record auto-blocks
// (rule 8).
type Config struct {
	FloodMaxRetry   int
	ReverseRequired bool

	FloodThresholdIP     time.Duration
	FloodThresholdSender time.Duration
	FloodThresholdHelo   time.Duration

	// ReleaseURLBase is prepended to the ticket in the release link handed
	// out with deferral replies. Empty disables release links.
	ReleaseURLBase string
}

func DefaultConfig() Config {
	return Config{
		FloodMaxRetry:        5,
		ReverseRequired:      false,
		FloodThresholdIP:     1 * time.Second,
		FloodThresholdSender: 5 * time.Second,
		FloodThresholdHelo:   5 * time.Second,
		ReleaseURLBase:       "https://localhost/release/?ticket=",
	}
}

// Pipeline wires the SPF registry/evaluator, policy lists, reputation
// store, ledger, ticket codec and deferral controller together and
// implements Decide, the ordered rule table.
type Pipeline struct {
	Config Config

	Resolver   dnsutil.Resolver
	SPFRegistry *spf.Registry
	SPFEval    *spf.Evaluator
	Lists      *lists.Lists
	Reputation *reputation.Store
	Ledger     *ledger.Ledger
	Ticket     *ticket.Codec
	Deferral   *deferral.Controller
	ConfirmCache *token.ConfirmCache
	Analysis   AnalysisSink
	Log        log.Logger
}

func flowKey(tx Transaction) string {
	origin := tx.Sender
	if origin == "" {
		origin = tx.Helo
	}
	return origin + ">" + tx.Recipient
}

// Decide runs the transaction through the ordered rule table, short-
// circuiting on the first matching precondition. A panic anywhere in the
// rule walk is converted into a TEMPERROR reply so a malformed
// transaction is dropped rather than double-counted or accepted.
func (p *Pipeline) Decide(ctx context.Context, tx Transaction) (d Decision) {
	defer func() {
		if r := recover(); r != nil {
			p.Log.Msg("decision pipeline panic", "panic", r)
			d = Decision{Action: ActionTempError, Rule: "panic"}
		}
		metrics.Decisions.WithLabelValues(string(d.Action)).Inc()
		if p.Analysis != nil && len(d.Tokens) > 0 {
			p.Analysis.Add(d.Tokens[0], string(d.Action))
		}
	}()
	return p.decide(ctx, tx)
}

func (p *Pipeline) decide(ctx context.Context, tx Transaction) Decision {
	flow := flowKey(tx)

	// Rule 1: IP invalid/reserved/LAN.
	if tx.IP == nil {
		return Decision{Action: ActionInvalid, Rule: "1-invalid-ip"}
	}
	if lists.IsLocalIP(tx.IP) {
		return Decision{Action: ActionLAN, Rule: "1-lan"}
	}

	spfResult, spfErr := p.evaluateSPF(ctx, tx)

	set := token.Expand(ctx, p.Resolver, token.Transaction{
		IP:        tx.IP,
		Sender:    tx.Sender,
		Helo:      tx.Helo,
		Client:    tx.Client,
		Recipient: tx.Recipient,
		SPFPass:   spfResult == spf.Pass,
	}, p.Lists.IsProviderDomain)
	toks := set.Strings()

	for _, t := range toks {
		p.Reputation.AddQuery(t)
	}

	member := p.Lists.Check(ctx, toks)

	senderDomain := domainOf(tx.Sender)
	isProviderHelo := tx.Helo != "" && p.Lists.IsProviderDomain(strings.ToLower(tx.Helo))

	// Rule 2: White.
	if member.Whitelisted {
		p.Lists.Unblock(tx.IP.String())
		return p.accept(toks, tx.Recipient, ActionPass, "2-white")
	}

	// Rule 3: Block.
	if member.Blocked {
		return p.blockedDecision(toks, tx.Recipient, "3-block", "")
	}

	// Rule 4: SPF definitively-inexistent sender domain.
	if senderDomain != "" && p.SPFRegistry.DefinitelyInexistent(senderDomain) {
		return p.complaintDecision(toks, tx.Recipient, ActionNXDomain, "4-nxdomain")
	}

	// Rule 5: SPF FAIL.
	if spfResult == spf.Fail {
		return p.complaintDecision(toks, tx.Recipient, ActionFail, "5-fail")
	}

	// Rule 6: sender present but invalid/reserved domain.
	if tx.Sender != "" && !validDomain(senderDomain) {
		return p.complaintDecision(toks, tx.Recipient, ActionInvalid, "6-invalid-sender-domain")
	}

	// Rule 7: no sender and HELO doesn't forward-confirm.
	if tx.Sender == "" && !p.heloForwardConfirms(ctx, tx.Helo, tx.IP) {
		return p.complaintDecision(toks, tx.Recipient, ActionInvalid, "7-helo-no-fcrdns")
	}

	// Rule 8: no rDNS and ReverseRequired.
	if p.Config.ReverseRequired {
		if name, err := dnsutil.LookupAddr(ctx, p.Resolver, tx.IP); err != nil || name == "" {
			p.Lists.AutoBlockIP(tx.IP)
			return Decision{Action: ActionInvalid, Rule: "8-no-rdns"}
		}
	}

	// Rule 9: recipient in Trap.
	if tx.Recipient != "" && p.Lists.Trap.Contains(strings.ToLower(tx.Recipient)) {
		return p.complaintDecision(toks, tx.Recipient, ActionSpamtrap, "9-spamtrap")
	}

	// Rule 10: flood retry ceiling for this flow.
	if p.Deferral.Retries(deferral.ClassGrey, flow) > p.Config.FloodMaxRetry {
		return p.complaintDecision(toks, tx.Recipient, ActionBlocked, "10-flood-ceiling")
	}

	// Rule 11: any token's reputation reached hard BLOCK (covers tokens
	// beyond the IP itself, e.g. the sender's @domain or .hostname).
	if p.anyStatusBlock(toks) {
		return p.blockedDecision(toks, tx.Recipient, "11-token-blocked", "")
	}

	// Rule 12: any token blacklisted and defer engages.
	if p.anyBlacklisted(toks) {
		if defer_, _ := p.Deferral.Engage(deferral.ClassBlack, flow); defer_ {
			url := ""
			if spfResult == spf.Pass {
				url = p.releaseURL(toks, tx.Recipient)
			}
			return Decision{Action: ActionListed, URL: url, Tokens: toks, Recipient: tx.Recipient, Rule: "12-blacklisted"}
		}
	}

	// Rule 13: any token greylisted and defer engages.
	if p.anyGreylisted(toks) {
		if defer_, _ := p.Deferral.Engage(deferral.ClassGrey, flow); defer_ {
			return Decision{Action: ActionGreylist, Rule: "13-greylist"}
		}
	}

	// Rule 14: any token flooding, sender not provider-HELO, defer engages.
	if !isProviderHelo && p.anyFlood(toks) {
		origin := tx.Sender
		if origin == "" {
			origin = tx.Helo
		}
		if defer_, _ := p.Deferral.Engage(deferral.ClassFlood, origin); defer_ {
			return Decision{Action: ActionGreylist, Rule: "14-flood"}
		}
	}

	// Rule 15: SPF SOFTFAIL, not provider-HELO, defer engages.
	if spfResult == spf.SoftFail && !isProviderHelo {
		if defer_, _ := p.Deferral.Engage(deferral.ClassSoftFail, flow); defer_ {
			return Decision{Action: ActionGreylist, Rule: "15-softfail-defer"}
		}
	}

	// Rule 16: accept path. A transient SPF lookup failure never reaches
	// an accept ticket: the caller must retry rather than have the
	// message counted as delivered.
	if spfResult == spf.TempError {
		return Decision{Action: ActionTempError, Rule: "16-temperror"}
	}
	action := actionFromSPF(spfResult, spfErr)
	return p.accept(toks, tx.Recipient, action, "16-accept")
}

func (p *Pipeline) evaluateSPF(ctx context.Context, tx Transaction) (spf.Result, error) {
	if tx.Sender == "" && tx.Helo == "" {
		return spf.None, nil
	}
	res := p.SPFEval.Evaluate(ctx, tx.IP, tx.Sender, tx.Helo)
	return res, nil
}

func actionFromSPF(res spf.Result, _ error) Action {
	switch res {
	case spf.Pass:
		return ActionPass
	case spf.Fail:
		return ActionFail
	case spf.SoftFail:
		return ActionSoftFail
	case spf.Neutral:
		return ActionNeutral
	case spf.None:
		return ActionNone
	case spf.PermError:
		return ActionNeutral
	case spf.TempError:
		return ActionTempError
	}
	return ActionNeutral
}

func (p *Pipeline) anyStatusBlock(toks []string) bool {
	for _, t := range toks {
		if p.Reputation.Status(t) == reputation.BLOCK {
			return true
		}
	}
	return false
}

func (p *Pipeline) anyBlacklisted(toks []string) bool {
	for _, t := range toks {
		if p.Reputation.Status(t) == reputation.BLACK {
			return true
		}
	}
	return false
}

func (p *Pipeline) anyGreylisted(toks []string) bool {
	for _, t := range toks {
		if p.Reputation.Status(t) == reputation.GRAY {
			return true
		}
	}
	return false
}

func (p *Pipeline) anyFlood(toks []string) bool {
	for _, t := range toks {
		threshold := p.Config.FloodThresholdSender
		if reputation.IsIPToken(t) {
			threshold = p.Config.FloodThresholdIP
		} else if strings.HasPrefix(t, ".") {
			threshold = p.Config.FloodThresholdHelo
		}
		if p.Reputation.IsFlood(t, threshold) {
			return true
		}
	}
	return false
}

// accept issues a ticket for a terminal accepting action (rule 2, 16).
func (p *Pipeline) accept(toks []string, recipient string, action Action, rule string) Decision {
	tk, _, err := p.Ticket.Encode(toks, recipient, time.Now())
	if err != nil {
		p.Log.Error("ticket encode failed", err)
	}
	return Decision{Action: action, Ticket: tk, Tokens: toks, Recipient: recipient, Rule: rule}
}

// complaintDecision issues a ticket and registers an immediate complaint
// against every token (rules 3-7 and 9-11 on the reject path).
func (p *Pipeline) complaintDecision(toks []string, recipient string, action Action, rule string) Decision {
	tk, micros, err := p.Ticket.Encode(toks, recipient, time.Now())
	if err != nil {
		p.Log.Error("ticket encode failed", err)
	}
	if ok := p.Ledger.Add(micros, toks, recipient); ok {
		for _, t := range toks {
			p.Reputation.AddSpam(t)
		}
	}
	return Decision{Action: action, Ticket: tk, Tokens: toks, Recipient: recipient, Complaint: true, Rule: rule}
}

func (p *Pipeline) blockedDecision(toks []string, recipient string, rule, url string) Decision {
	d := p.complaintDecision(toks, recipient, ActionBlocked, rule)
	d.URL = url
	return d
}

func (p *Pipeline) releaseURL(toks []string, recipient string) string {
	if p.Config.ReleaseURLBase == "" {
		return ""
	}
	tk, _, err := p.Ticket.Encode(toks, recipient, time.Now())
	if err != nil {
		return ""
	}
	return p.Config.ReleaseURLBase + tk
}

func domainOf(addr string) string {
	i := strings.LastIndexByte(addr, '@')
	if i < 0 {
		return ""
	}
	return strings.ToLower(addr[i+1:])
}

func validDomain(domain string) bool {
	if domain == "" {
		return false
	}
	_, ok := dns.IsDomainName(domain)
	return ok
}

func (p *Pipeline) heloForwardConfirms(ctx context.Context, helo string, ip net.IP) bool {
	if p.ConfirmCache != nil {
		return p.ConfirmCache.HeloForwardConfirms(ctx, p.Resolver, helo, ip)
	}
	if helo != "" {
		return token.HeloResolves(ctx, p.Resolver, helo, ip)
	}
	return token.ForwardConfirms(ctx, p.Resolver, ip)
}
