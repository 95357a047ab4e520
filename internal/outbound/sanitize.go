package outbound

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Keys probed when a generator hands back a JSON wrapper instead of plain
// text.
var wrapperTextKeys = []string{"text", "message", "reply", "content", "body"}

var (
	codeFenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")
	// An enumerated option line: "1. ...", "2) ...", "- ...", "* ...", "• ...".
	optionLineRe = regexp.MustCompile(`^\s*(?:\d+[.)]|[-*•])\s+`)
	spaceRunRe   = regexp.MustCompile(`[ \t]{2,}`)
	blankRunRe   = regexp.MustCompile(`\n{3,}`)
)

// Sanitizer scrubs outbound content as a last line of defense. Upstream
// generation is asked not to produce structured wrappers, option lists, or
// banned terminology; this catches what slips through anyway.
type Sanitizer struct {
	banned  map[string]string // lowercase term -> replacement
	blocked []*regexp.Regexp  // phrase patterns removed outright
}

// NewSanitizer creates a Sanitizer. Blocked phrases are compiled
// case-insensitively; invalid patterns are rejected.
func NewSanitizer(banned map[string]string, blockedPhrases []string) (*Sanitizer, error) {
	lowered := make(map[string]string, len(banned))
	for term, repl := range banned {
		lowered[strings.ToLower(term)] = repl
	}
	var blocked []*regexp.Regexp
	for _, p := range blockedPhrases {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, err
		}
		blocked = append(blocked, re)
	}
	return &Sanitizer{banned: lowered, blocked: blocked}, nil
}

// Sanitize normalizes content so only human-readable text is ever sent:
// unwraps structured-data wrappers, drops enumerated option lists, removes
// blocked phrases, and substitutes banned terms.
func (s *Sanitizer) Sanitize(content string) string {
	text := unwrapStructured(content)
	text = dropOptionLists(text)
	for _, re := range s.blocked {
		text = re.ReplaceAllString(text, "")
	}
	text = replaceBannedTerms(text, s.banned)
	text = spaceRunRe.ReplaceAllString(text, " ")
	text = blankRunRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// unwrapStructured extracts human-readable text from code fences and JSON
// wrappers a generator may emit around the actual reply.
func unwrapStructured(content string) string {
	text := strings.TrimSpace(content)
	if m := codeFenceRe.FindStringSubmatch(text); m != nil {
		text = strings.TrimSpace(m[1])
	}
	if strings.HasPrefix(text, "{") {
		var obj map[string]interface{}
		if err := json.Unmarshal([]byte(text), &obj); err == nil {
			for _, key := range wrapperTextKeys {
				if v, ok := obj[key].(string); ok && strings.TrimSpace(v) != "" {
					return strings.TrimSpace(v)
				}
			}
		}
	}
	return text
}

// dropOptionLists removes runs of three or more consecutive enumerated
// option lines. Shorter runs are left alone: a two-line list is usually
// legitimate prose formatting, not a canned service menu.
func dropOptionLists(text string) string {
	lines := strings.Split(text, "\n")
	keep := make([]string, 0, len(lines))
	i := 0
	for i < len(lines) {
		if !optionLineRe.MatchString(lines[i]) {
			keep = append(keep, lines[i])
			i++
			continue
		}
		j := i
		for j < len(lines) && optionLineRe.MatchString(lines[j]) {
			j++
		}
		if j-i < 3 {
			keep = append(keep, lines[i:j]...)
		}
		i = j
	}
	return strings.Join(keep, "\n")
}

// replaceBannedTerms substitutes each banned term case-insensitively.
func replaceBannedTerms(text string, banned map[string]string) string {
	for term, repl := range banned {
		re, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(term) + `\b`)
		if err != nil {
			continue
		}
		text = re.ReplaceAllString(text, repl)
	}
	return text
}
