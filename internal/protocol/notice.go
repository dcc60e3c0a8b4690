package protocol

import "strings"

// NoticeSeverity tells a subscriber whether a NOTICE ends its subscription.
type NoticeSeverity int

const (
	NoticeInfo NoticeSeverity = iota
	NoticeFatal
)

func (s NoticeSeverity) String() string {
	if s == NoticeFatal {
		return "fatal"
	}
	return "info"
}

// ClassifyNotice treats notices starting with "ERROR" (any case, leading
// whitespace ignored) as fatal for the current subscription.
func ClassifyNotice(message string) NoticeSeverity {
	msg := strings.TrimSpace(message)
	if len(msg) >= 5 && strings.EqualFold(msg[:5], "error") {
		return NoticeFatal
	}
	return NoticeInfo
}

// Machine-readable prefixes relays put in OK and CLOSED messages.
const (
	PrefixAuthRequired = "auth-required:"
	PrefixBlocked      = "blocked:"
	PrefixRateLimited  = "rate-limited:"
	PrefixInvalid      = "invalid:"
	PrefixError        = "error:"
)

// IsAuthRequired reports whether an OK or CLOSED message asks the client to
// authenticate.
func IsAuthRequired(message string) bool {
	return strings.HasPrefix(message, PrefixAuthRequired)
}
