// Package decision implements the decision pipeline: it orchestrates
// the SPF registry/evaluator, token expansion, policy lists, reputation
// store, deferral controller and ticket codec into an ordered rule table
// producing a single action per transaction.
package decision

import "net"

// Transaction is one inbound SMTP transaction as reported by a frontend
// (the SPF text-protocol verb or the Postfix policy server).
type Transaction struct {
	IP        net.IP
	Sender    string
	Helo      string
	Recipient string
	Client    string
}

// Action is the terminal decision returned to the caller.
type Action string

const (
	ActionPass      Action = "PASS"
	ActionFail      Action = "FAIL"
	ActionSoftFail  Action = "SOFTFAIL"
	ActionNeutral   Action = "NEUTRAL"
	ActionNone      Action = "NONE"
	ActionBlocked   Action = "BLOCKED"
	ActionListed    Action = "LISTED"
	ActionGreylist  Action = "GREYLIST"
	ActionSpamtrap  Action = "SPAMTRAP"
	ActionInvalid   Action = "INVALID"
	ActionNXDomain  Action = "NXDOMAIN"
	ActionLAN       Action = "LAN"
	// ActionTempError is returned when evaluation could not reach a
	// definite result (DNS timeout/SERVFAIL, or a recovered pipeline
	// panic) and the caller should retry rather than treat the message
	// as accepted.
	ActionTempError Action = "TEMPERROR"
)

// Decision is the pipeline's output: an action plus whatever ticket/URL
// accompanies it and, for accounting, the reputation tokens it touched.
type Decision struct {
	Action Action
	Ticket string
	// URL carries a release (LISTED) or unblock (false-positive Block
	// clear) link when the action warrants one.
	URL string

	Tokens    []string
	Recipient string

	// Complaint is true when this decision itself registered a complaint
	// against Tokens (the reject-path rules and spamtrap hits).
	Complaint bool

	// Rule names which table row produced the decision, for diagnostics
	// (the CHECK verb).
	Rule string
}
