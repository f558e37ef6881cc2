package warden

import (
	"regexp"
	"strings"
)

// Patterns for content the bot echoes back into channels. User-supplied
// text (FAQ answers, reminder messages, ticket subjects) must not be able
// to ping roles or the whole server, or smuggle in markdown links that
// masquerade as bot output.
var (
	everyoneMentionPattern = regexp.MustCompile(`@(everyone|here)`)
	roleMentionPattern     = regexp.MustCompile(`<@&(\d+)>`)
	maskedLinkPattern      = regexp.MustCompile(`\[([^]]*)]\((https?://[^)]+)\)`)
	controlCharPattern     = regexp.MustCompile(`[\x00-\x08\x0b\x0c\x0e-\x1f]`)
)

// zeroWidthSpace breaks the mention without visibly altering the text.
const zeroWidthSpace = "​"

// SanitizeContent neutralizes mass mentions, role mentions, masked links
// and control characters in user-supplied text before the bot repeats it.
// User mentions (<@id>) are left alone: pinging a single user is something
// reminders are for.
func SanitizeContent(s string) string {
	s = controlCharPattern.ReplaceAllString(s, "")
	s = everyoneMentionPattern.ReplaceAllString(s, "@"+zeroWidthSpace+"$1")
	s = roleMentionPattern.ReplaceAllString(s, "@"+zeroWidthSpace+"role")
	s = maskedLinkPattern.ReplaceAllString(s, "$1 ($2)")
	return strings.TrimSpace(s)
}
