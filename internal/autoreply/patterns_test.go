package autoreply

import "testing"

func TestMatchesPattern_Literal(t *testing.T) {
	cases := []struct {
		text, pattern string
		want          bool
	}{
		{"please UNSUBSCRIBE me", "unsubscribe", true},
		{"I want to unsubscribe", "UNSUBSCRIBE", true},
		{"hello there", "unsubscribe", false},
		{"anything", "", false},
	}
	for _, tc := range cases {
		if got := MatchesPattern(tc.text, tc.pattern); got != tc.want {
			t.Errorf("MatchesPattern(%q, %q) = %v, want %v", tc.text, tc.pattern, got, tc.want)
		}
	}
}

func TestMatchesPattern_Regex(t *testing.T) {
	cases := []struct {
		text, pattern string
		want          bool
	}{
		{"STOP", "/^stop$/", true},
		{"stop", "/^STOP$/", true},
		{"please stop calling", "/^stop$/", false},
		{"order #1234", `/order #\d+/`, true},
	}
	for _, tc := range cases {
		if got := MatchesPattern(tc.text, tc.pattern); got != tc.want {
			t.Errorf("MatchesPattern(%q, %q) = %v, want %v", tc.text, tc.pattern, got, tc.want)
		}
	}
}

func TestMatchesPattern_InvalidRegexMatchesNothing(t *testing.T) {
	if MatchesPattern("anything", "/(/") {
		t.Error("invalid regex should match nothing")
	}
}

func TestMatchesAny(t *testing.T) {
	patterns := []string{"unsubscribe", "/^stop$/"}
	if got := MatchesAny("STOP", patterns); got != "/^stop$/" {
		t.Errorf("MatchesAny = %q, want the regex pattern", got)
	}
	if got := MatchesAny("hello", patterns); got != "" {
		t.Errorf("MatchesAny = %q, want empty", got)
	}
}

func TestHighRisk(t *testing.T) {
	cases := []struct {
		text string
		want bool
	}{
		{"I want a refund immediately", true},
		{"my card was charged twice", true},
		{"I'm calling my lawyer about this", true},
		{"this is a scam and I will report you", true},
		{"can I book an appointment for tuesday?", false},
		{"thanks, see you then!", false},
	}
	for _, tc := range cases {
		got, reason := HighRisk(tc.text)
		if got != tc.want {
			t.Errorf("HighRisk(%q) = %v (%s), want %v", tc.text, got, reason, tc.want)
		}
		if got && reason == "" {
			t.Errorf("HighRisk(%q) returned no reason", tc.text)
		}
	}
}

func TestHighRisk_LongComplex(t *testing.T) {
	long := ""
	for i := 0; i < 60; i++ {
		long += "Why is this happening? "
	}
	if ok, _ := HighRisk(long); !ok {
		t.Error("long multi-question message should be high risk")
	}
}
