package executor

import (
	"regexp"
	"strings"
)

// controlTokenRe matches provider-specific control token spans of the form
// <|...|>.
var controlTokenRe = regexp.MustCompile(`<\|[^|>]*\|>`)

// literalControlTokens are instruction-format markers some providers leak
// into completions.
var literalControlTokens = []string{"[INST]", "[/INST]", "<<SYS>>", "<</SYS>>"}

// StripControlTokens removes provider control tokens from model output
// before it is stored or delivered.
func StripControlTokens(s string) string {
	if s == "" {
		return s
	}
	s = controlTokenRe.ReplaceAllString(s, "")
	for _, token := range literalControlTokens {
		s = strings.ReplaceAll(s, token, "")
	}
	return strings.TrimSpace(s)
}
