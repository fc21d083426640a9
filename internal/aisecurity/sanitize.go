package aisecurity

import (
	"html"
	"regexp"
	"strings"
)

const MaxOutputChars = 2000

// fallbackReply replaces model output that itself looks like an injection.
const fallbackReply = "I need to verify something with station control. Please wait a moment."

var (
	controlChars = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F\x7F]`)
	whitespace   = regexp.MustCompile(`\s+`)

	markupPatterns = compile(`(?is)`,
		`<script[^>]*>.*?</script>`,
		`<style[^>]*>.*?</style>`,
		`<[^>]+>`,
		`javascript:`,
		`vbscript:`,
		`data:text/html`,
		`on\w+\s*=`,
	)

	secretPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\b(sk|pk|rk)[-_][A-Za-z0-9_\-]{16,}\b`),
		regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
		regexp.MustCompile(`\b[A-Za-z0-9+/]{40,}={0,2}`),
		regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`),
	}

	outputInjectionMarkers = []string{
		"system:", "assistant:", "user:", "###",
		"ignore previous", "override", "bypass",
		"<script", "javascript:", "eval(", "exec(",
		"drop table", "select *", "union select",
		"cmd.exe", "/bin/sh", "powershell",
	}
)

// Sanitize makes player input safe to embed in a prompt: HTML escaped,
// control characters stripped, whitespace collapsed, and cut to maxChars.
func Sanitize(text string, maxChars int) string {
	if text == "" {
		return ""
	}
	s := html.EscapeString(text)
	s = controlChars.ReplaceAllString(s, "")
	s = strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
	return truncate(s, maxChars)
}

// SanitizeOutput makes a model reply safe to show other players. Markup and
// script are removed, key- and email-like strings are redacted, and a reply
// that reads like an injection is replaced entirely.
func SanitizeOutput(text string) string {
	if text == "" {
		return ""
	}
	s := text
	for _, re := range markupPatterns {
		s = re.ReplaceAllString(s, "")
	}
	for _, re := range secretPatterns {
		s = re.ReplaceAllString(s, "[redacted]")
	}
	s = controlChars.ReplaceAllString(s, "")
	s = strings.TrimSpace(s)
	if r := []rune(s); len(r) > MaxOutputChars {
		s = string(r[:MaxOutputChars]) + "..."
	}

	lower := strings.ToLower(s)
	for _, m := range outputInjectionMarkers {
		if strings.Contains(lower, m) {
			return fallbackReply
		}
	}
	return html.EscapeString(s)
}
