package autoreply

import (
	"regexp"
	"strings"
	"sync"
)

// Built-in high-risk detectors. Configured escalate patterns extend these;
// they are never replaced, since a misconfigured tenant should still have a
// payment dispute reach a human.
var (
	paymentDisputeRe = regexp.MustCompile(`(?i)\b(refund|chargeback|dispute|charged twice|money back|unauthorized charge)\b`)
	legalAngerRe     = regexp.MustCompile(`(?i)\b(lawyer|attorney|sue|suing|lawsuit|legal action|fraud|scam|report you|better business bureau)\b`)
)

// Thresholds for the long-and-complex detector.
const (
	complexMinLength    = 600
	complexMinQuestions = 3
)

var patternCache sync.Map // pattern string -> *regexp.Regexp

// MatchesPattern reports whether text matches a configured pattern. Patterns
// wrapped in slashes (`/.../`) are regular expressions; anything else is a
// case-insensitive literal substring.
func MatchesPattern(text, pattern string) bool {
	if pattern == "" {
		return false
	}
	if len(pattern) > 2 && strings.HasPrefix(pattern, "/") && strings.HasSuffix(pattern, "/") {
		expr := pattern[1 : len(pattern)-1]
		var re *regexp.Regexp
		if cached, ok := patternCache.Load(expr); ok {
			re = cached.(*regexp.Regexp)
		} else {
			compiled, err := regexp.Compile("(?i)" + expr)
			if err != nil {
				// An invalid configured pattern matches nothing.
				return false
			}
			patternCache.Store(expr, compiled)
			re = compiled
		}
		return re.MatchString(text)
	}
	return strings.Contains(strings.ToLower(text), strings.ToLower(pattern))
}

// MatchesAny returns the first matching pattern, or "" when none match.
func MatchesAny(text string, patterns []string) string {
	for _, p := range patterns {
		if MatchesPattern(text, p) {
			return p
		}
	}
	return ""
}

// HighRisk reports whether text trips a built-in escalation detector and the
// reason when it does.
func HighRisk(text string) (bool, string) {
	if paymentDisputeRe.MatchString(text) {
		return true, "payment dispute indicators"
	}
	if legalAngerRe.MatchString(text) {
		return true, "legal or anger indicators"
	}
	if len(text) >= complexMinLength && strings.Count(text, "?") >= complexMinQuestions {
		return true, "long and complex message"
	}
	return false, ""
}
