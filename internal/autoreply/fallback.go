package autoreply

import (
	"regexp"
	"strings"
)

// Keyword classes for minimal context-aware fallback replies. The fallback
// is the floor of the reply pipeline: it must always produce something, and
// it must never be a canned list of services.
var fallbackClasses = []struct {
	re    *regexp.Regexp
	reply string
}{
	{regexp.MustCompile(`(?i)\b(hi|hello|hey|good (morning|afternoon|evening)|hola)\b`),
		"Hi! Thanks for reaching out — how can we help you today?"},
	{regexp.MustCompile(`(?i)\b(price|pricing|cost|how much|quote|rates?)\b`),
		"Great question — pricing depends on what you're looking for. Could you tell us a bit more about what you have in mind?"},
	{regexp.MustCompile(`(?i)\b(appointment|schedule|book|booking|available|availability|reschedule)\b`),
		"We'd be happy to get you scheduled. What days and times usually work best for you?"},
	{regexp.MustCompile(`(?i)\b(hours|open|closed|location|address|where are you)\b`),
		"Happy to help with that — let me get you the details. Is there anything else you'd like to know?"},
	{regexp.MustCompile(`(?i)\b(thanks|thank you|appreciate|perfect|great)\b`),
		"You're very welcome! Let us know if there's anything else we can do for you."},
}

const defaultFallback = "Thanks for your message! Could you share a few more details so we can point you in the right direction?"

// FallbackReply selects a minimal context-aware reply by keyword
// classification of the inbound text. Never returns an empty string.
func FallbackReply(inbound string) string {
	for _, c := range fallbackClasses {
		if c.re.MatchString(inbound) {
			return c.reply
		}
	}
	return defaultFallback
}

// Markers of templated or refusal-style generator output that should be
// replaced by a fallback.
var templatedMarkers = []string{
	"as an ai",
	"as a language model",
	"i'm sorry, but i",
	"our services include",
	"we offer the following",
	"[insert",
	"{{",
	"lorem ipsum",
}

var optionListRe = regexp.MustCompile(`(?m)^\s*(?:\d+[.)]|[-*•])\s+`)

// Unusable reports whether generated output must be rejected and replaced by
// a fallback: empty, refusal or template boilerplate, or an enumerated
// option list of three or more items.
func Unusable(reply string) bool {
	trimmed := strings.TrimSpace(reply)
	if trimmed == "" {
		return true
	}
	lowered := strings.ToLower(trimmed)
	for _, marker := range templatedMarkers {
		if strings.Contains(lowered, marker) {
			return true
		}
	}
	return len(optionListRe.FindAllString(reply, -1)) >= 3
}
