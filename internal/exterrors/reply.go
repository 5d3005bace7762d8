package exterrors

import "fmt"

// EnhancedCode is the three-integer "class.subject.detail" code defined by
// RFC 3463, e.g. {5, 7, 1} for "permanent failure, security, not authorized".
type EnhancedCode [3]int

// ReplyError is the error type returned by the decision pipeline (and by
// anything upstream of it, such as the SPF registry) that is meant to be
// surfaced verbatim to an SMTP or Postfix policy-delegation client: an
// action code, an enhanced code triple, a human-readable message and the
// name of the check that produced it.
//
// ReplyError implements Fields() so CheckName/Code/EnhancedCode end up in
// log output automatically via Logger.Error, and Unwrap() so callers can
// still errors.Is/As through to whatever caused the reply.
type ReplyError struct {
	// Code is the action the caller should take: one of the Action*
	// constants understood by the text protocol and the Postfix policy
	// server.
	Code string

	EnhancedCode EnhancedCode

	Message string

	// CheckName identifies which decision pipeline rule or upstream check
	// produced this reply, e.g. "spf", "greylist", "reputation".
	CheckName string

	// Err is the underlying cause, if any. May be nil for replies that are
	// policy decisions rather than failures (e.g. a greylist defer has no
	// "error").
	Err error
}

func (r *ReplyError) Error() string {
	if r.Err != nil {
		return fmt.Sprintf("%s: %s: %v", r.CheckName, r.Message, r.Err)
	}
	return fmt.Sprintf("%s: %s", r.CheckName, r.Message)
}

func (r *ReplyError) Unwrap() error {
	return r.Err
}

// SMTPReply renders the reply as "<code> <class.subject.detail> <message>",
// the single-line form the Postfix policy-delegation protocol and SMTP
// frontends hand back to the relay.
func (r *ReplyError) SMTPReply(code int) string {
	return fmt.Sprintf("%d %d.%d.%d %s", code, r.EnhancedCode[0], r.EnhancedCode[1], r.EnhancedCode[2], r.Message)
}

func (r *ReplyError) Fields() map[string]interface{} {
	return map[string]interface{}{
		"check":         r.CheckName,
		"code":          r.Code,
		"enhanced_code": fmt.Sprintf("%d.%d.%d", r.EnhancedCode[0], r.EnhancedCode[1], r.EnhancedCode[2]),
	}
}
