// Package aisecurity screens player text bound for the dialogue model and
// bounds what each player may spend on it.
package aisecurity

import (
	"fmt"
	"regexp"
	"strings"
)

type ViolationType string

const (
	ViolationXSS             ViolationType = "xss_attempt"
	ViolationSQLInjection    ViolationType = "sql_injection"
	ViolationPromptInjection ViolationType = "prompt_injection"
	ViolationJailbreak       ViolationType = "jailbreak_attempt"
	ViolationExcessiveLength ViolationType = "excessive_length"
	ViolationRateLimit       ViolationType = "rate_limit_exceeded"
	ViolationInappropriate   ViolationType = "inappropriate_content"
	ViolationSystemCommand   ViolationType = "system_command"
	ViolationCodeInjection   ViolationType = "code_injection"
	ViolationCostAbuse       ViolationType = "cost_abuse"
)

type Threat string

const (
	ThreatSafe       Threat = "safe"
	ThreatSuspicious Threat = "suspicious"
	ThreatDangerous  Threat = "dangerous"
	ThreatBlocked    Threat = "blocked"
)

type Violation struct {
	Type        ViolationType `json:"type"`
	Threat      Threat        `json:"threat"`
	Description string        `json:"description"`
	Patterns    []string      `json:"patterns,omitempty"`
}

func compile(flags string, patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(flags + p)
	}
	return out
}

var xssPatterns = compile(`(?is)`,
	`<script[^>]*>.*?</script>`,
	`javascript:`,
	`on\w+\s*=`,
	`<iframe[^>]*>`,
	`<object[^>]*>`,
	`<embed[^>]*>`,
	`<link[^>]*>`,
	`<meta[^>]*>`,
	`vbscript:`,
	`data:text/html`,
	`<img[^>]*onerror`,
	`<svg[^>]*onload`,
)

var sqlPatterns = compile(`(?i)`,
	`\b(SELECT|INSERT|UPDATE|DELETE|DROP|CREATE|ALTER|EXEC|UNION)\b`,
	`\b(OR|AND)\s+\d+\s*=\s*\d+`,
	`\b(OR|AND)\s+['"].*['"]`,
	`[';]--`,
	`/\*.*\*/`,
	`0x[0-9a-fA-F]+`,
	`\bCHAR\(`,
	`\bCONCAT\(`,
	`@@\w+`,
	`\bWAITFOR\b`,
)

var promptPatterns = compile(`(?i)`,
	`ignore\s+previous\s+instructions`,
	`forget\s+everything`,
	`new\s+instructions?:`,
	`system\s*[:\-]`,
	`prompt\s*[:\-]`,
	`override\s+your`,
	`you\s+are\s+now`,
	`pretend\s+to\s+be`,
	`roleplay\s+as`,
	`act\s+as\s+(if\s+)?you\s+are`,
	`jailbreak`,
	`dan\s+mode`,
	`developer\s+mode`,
	`admin\s+mode`,
	`sudo\s+mode`,
	`god\s+mode`,
	`\\n\\nhuman:`,
	`\\n\\nassistant:`,
	`<\|im_start\|>`,
	`<\|im_end\|>`,
	"```python",
	`exec\s*\(`,
	`eval\s*\(`,
	`import\s+os`,
	`import\s+subprocess`,
	`__import__`,
)

var jailbreakPhrases = []string{
	"hypothetically",
	"theoretically",
	"in a fictional scenario",
	"creative writing exercise",
	"for educational purposes",
	"academic research",
	"thought experiment",
	"what if scenario",
	"imagine if",
	"suppose that",
}

var systemPatterns = compile(`(?i)`,
	`[\\/]bin[\\/]`,
	`[\\/]etc[\\/]`,
	`[\\/]proc[\\/]`,
	`[\\/]sys[\\/]`,
	`\bcmd\b`,
	`\bpowershell\b`,
	`\bbash\b`,
	`\bsh\b`,
	`\beval\b`,
	`\bexec\b`,
	`\bsystem\b`,
	`\bpasswd\b`,
	`\bsudo\b`,
	`\brm\s+-rf`,
	`\bmkdir\b`,
	`\bchmod\b`,
	`\bchown\b`,
)

var codePatterns = compile(`(?i)`,
	`<\?php`,
	`<%.*%>`,
	`function\s*\(`,
	`var\s+\w+\s*=`,
	`let\s+\w+\s*=`,
	`const\s+\w+\s*=`,
	`import\s+`,
	`require\s*\(`,
	`__import__`,
	`eval\s*\(`,
	`exec\s*\(`,
	`compile\s*\(`,
	`\.constructor`,
	`prototype\.`,
)

var inappropriateKeywords = []string{
	"hack", "exploit", "vulnerability", "malware", "virus",
	"attack", "breach", "penetration", "injection", "backdoor",
}

var longWord = regexp.MustCompile(`\w{100,}`)

const (
	// MaxDialogueChars is the hard ceiling above which any input is abuse,
	// whatever the configured length limit.
	MaxDialogueChars = 2000

	repeatedCharRun   = 51
	phraseMinLen      = 10
	phraseMaxLen      = 100
	phraseRepeats     = 5
	tokenBurnMinWords = 20
	tokenBurnRatio    = 0.3
)

// matchAll reports one violation per matching pattern.
func matchAll(text string, patterns []*regexp.Regexp, kind ViolationType, desc string) []Violation {
	var out []Violation
	for _, re := range patterns {
		if m := re.FindString(text); m != "" {
			out = append(out, Violation{
				Type:        kind,
				Threat:      ThreatDangerous,
				Description: desc,
				Patterns:    []string{re.String(), truncate(m, 40)},
			})
		}
	}
	return out
}

func detectLength(text string, maxChars, maxWords int) []Violation {
	var out []Violation
	if n := len([]rune(text)); n > maxChars {
		out = append(out, Violation{
			Type:        ViolationExcessiveLength,
			Threat:      ThreatDangerous,
			Description: fmt.Sprintf("input exceeds maximum length (%d > %d)", n, maxChars),
		})
	}
	if n := len(strings.Fields(text)); n > maxWords {
		out = append(out, Violation{
			Type:        ViolationExcessiveLength,
			Threat:      ThreatSuspicious,
			Description: fmt.Sprintf("input exceeds maximum word count (%d > %d)", n, maxWords),
		})
	}
	return out
}

func detectPromptInjection(text string) []Violation {
	lower := strings.ToLower(text)
	var out []Violation
	for _, re := range promptPatterns {
		if re.MatchString(lower) {
			out = append(out, Violation{
				Type:        ViolationPromptInjection,
				Threat:      ThreatDangerous,
				Description: "potential prompt injection",
				Patterns:    []string{re.String()},
			})
			break
		}
	}
	var hits []string
	for _, p := range jailbreakPhrases {
		if strings.Contains(lower, p) {
			hits = append(hits, p)
		}
	}
	if len(hits) >= 2 {
		out = append(out, Violation{
			Type:        ViolationJailbreak,
			Threat:      ThreatDangerous,
			Description: fmt.Sprintf("%d hypothetical framing phrases", len(hits)),
			Patterns:    hits,
		})
	}
	return out
}

func detectInappropriate(text string) []Violation {
	lower := strings.ToLower(text)
	var found []string
	for _, k := range inappropriateKeywords {
		if strings.Contains(lower, k) {
			found = append(found, k)
		}
	}
	if len(found) == 0 {
		return nil
	}
	return []Violation{{
		Type:        ViolationInappropriate,
		Threat:      ThreatSuspicious,
		Description: "potentially inappropriate content",
		Patterns:    found,
	}}
}

func detectCostAbuse(text string) []Violation {
	var out []Violation
	abuse := func(desc string) {
		out = append(out, Violation{Type: ViolationCostAbuse, Threat: ThreatDangerous, Description: desc})
	}
	if hasCharRun(text, repeatedCharRun) {
		abuse("long run of a repeated character")
	}
	if longWord.MatchString(text) {
		abuse("word of 100 or more characters")
	}
	if hasRepeatedPhrase(text) {
		abuse("phrase repeated 5 or more times")
	}
	if n := len([]rune(text)); n > MaxDialogueChars {
		abuse(fmt.Sprintf("input of %d characters is too long for dialogue", n))
	}

	words := strings.Fields(text)
	if len(words) > tokenBurnMinWords {
		freq := map[string]int{}
		top := 0
		for _, w := range words {
			freq[w]++
			top = max(top, freq[w])
		}
		if float64(top) > float64(len(words))*tokenBurnRatio {
			out = append(out, Violation{
				Type:        ViolationCostAbuse,
				Threat:      ThreatSuspicious,
				Description: fmt.Sprintf("word repetition rate %.0f%%", 100*float64(top)/float64(len(words))),
			})
		}
	}
	return out
}

// hasCharRun reports whether any rune repeats n or more times in a row.
func hasCharRun(text string, n int) bool {
	var (
		prev rune
		run  int
	)
	for i, r := range text {
		if i > 0 && r == prev {
			run++
		} else {
			run = 1
		}
		if run >= n {
			return true
		}
		prev = r
	}
	return false
}

// hasRepeatedPhrase reports whether some substring of phraseMinLen to
// phraseMaxLen bytes is immediately followed by phraseRepeats copies of itself.
func hasRepeatedPhrase(text string) bool {
	b := []byte(text)
	for p := phraseMinLen; p <= phraseMaxLen && p*(phraseRepeats+1) <= len(b); p++ {
		run := 0
		for i := 0; i+p < len(b); i++ {
			if b[i] == b[i+p] {
				run++
				if run >= p*phraseRepeats {
					return true
				}
			} else {
				run = 0
			}
		}
	}
	return false
}

// Scan runs every content detector over text. It does not touch rate limits
// or player state.
func Scan(text string, maxChars, maxWords int) []Violation {
	var out []Violation
	out = append(out, detectLength(text, maxChars, maxWords)...)
	out = append(out, matchAll(text, xssPatterns, ViolationXSS, "potential XSS")...)
	out = append(out, matchAll(text, sqlPatterns, ViolationSQLInjection, "potential SQL injection")...)
	out = append(out, detectPromptInjection(text)...)
	out = append(out, matchAll(text, systemPatterns, ViolationSystemCommand, "potential system command")...)
	out = append(out, matchAll(text, codePatterns, ViolationCodeInjection, "potential code injection")...)
	out = append(out, detectInappropriate(text)...)
	out = append(out, detectCostAbuse(text)...)
	return out
}

// Safe reports whether none of the violations is dangerous or blocking.
func Safe(vs []Violation) bool {
	for _, v := range vs {
		if v.Threat == ThreatDangerous || v.Threat == ThreatBlocked {
			return false
		}
	}
	return true
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
