package security

import (
	"regexp"
	"strings"
)

var systemOverridePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+((previous|all|above|prior)\s+)+(instructions?|prompts?|commands?)`),
	regexp.MustCompile(`(?i)disregard\s+(previous|all|above|prior)`),
	regexp.MustCompile(`(?i)forget\s+(previous|all|everything|above)`),
	regexp.MustCompile(`(?i)new\s+(instructions?|rules?|system\s+prompt)`),
	regexp.MustCompile(`(?i)override\s+(system|instructions?|rules?)`),
	regexp.MustCompile(`(?i)reset\s+(instructions?|context|system)`),
}

var roleConfusionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(you\s+are\s+now|act\s+as|pretend\s+(you're|to\s+be))\s+(a|an|the)?`),
	regexp.MustCompile(`(?i)(your\s+new\s+role|you\s+have\s+become|you\s+must\s+be)`),
	regexp.MustCompile(`(?i)from\s+now\s+on\s+(you\s+are|act\s+as|pretend)`),
	regexp.MustCompile(`(?i)(assistant|AI|system|model):\s*\[?(system|override|new\s+role)`),
}

var secretExtractionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(list|show|print|display|reveal|tell\s+me)\s+(all\s+|the\s+)?(api\s+)?(secrets?|credentials?|passwords?|tokens?|keys?)`),
	regexp.MustCompile(`(?i)(what|show)\s+(are|is|me)\s+(your|the)\s+(api\s+)?(keys?|secrets?|credentials?)`),
	regexp.MustCompile(`(?i)contents?\s+of\s+(vault|secrets?|credentials?)`),
	regexp.MustCompile(`(?i)(dump|export)\s+(vault|secrets?|credentials?)`),
}

var jailbreakPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)DAN\s+mode`),
	regexp.MustCompile(`(?i)(developer|admin|root)\s+mode`),
	regexp.MustCompile(`(?i)bypass\s+(restrictions?|limitations?|rules?)`),
	regexp.MustCompile(`(?i)unlock\s+(all|full)\s+(capabilities|features)`),
	regexp.MustCompile(`(?i)(disable|remove|turn\s+off)\s+(safety|guardrails|filters?)`),
}

var commandInjectionMarkers = []struct {
	marker string
	name   string
}{
	{"`", "command_injection_backtick"},
	{"$(", "command_injection_substitution"},
	{"&&", "command_injection_chaining"},
	{"||", "command_injection_chaining"},
	{";", "command_injection_separator"},
	{"|", "command_injection_pipe"},
	{">/dev/", "command_injection_dev_redirect"},
	{"2>&1", "command_injection_stderr_redirect"},
}

// GuardScan is the outcome of a single prompt-injection scan. Score is the
// sum of matched category weights clamped to 1.0, so one strong category
// is enough to cross a mid-range threshold.
type GuardScan struct {
	Patterns []string
	Score    float64
}

// Suspicious reports whether any pattern matched.
func (s GuardScan) Suspicious() bool {
	return len(s.Patterns) > 0
}

// CommandOnly reports whether every match was a shell metacharacter hit,
// with no textual injection category involved.
func (s GuardScan) CommandOnly() bool {
	if len(s.Patterns) == 0 {
		return false
	}
	for _, p := range s.Patterns {
		if !strings.HasPrefix(p, "command_injection_") {
			return false
		}
	}
	return true
}

// PromptGuard detects prompt-injection attempts across six pattern
// categories. Scanning is pure: identical input always produces the same
// patterns and score.
type PromptGuard struct{}

// Scan checks content against every category and accumulates the score.
func (PromptGuard) Scan(content string) GuardScan {
	var scan GuardScan

	if matchAny(systemOverridePatterns, content) {
		scan.Patterns = append(scan.Patterns, "system_prompt_override")
		scan.Score += 1.0
	}
	if matchAny(roleConfusionPatterns, content) {
		scan.Patterns = append(scan.Patterns, "role_confusion")
		scan.Score += 0.9
	}
	scan.scanToolInjection(content)
	if matchAny(secretExtractionPatterns, content) {
		scan.Patterns = append(scan.Patterns, "secret_extraction")
		scan.Score += 0.95
	}
	scan.scanCommandInjection(content)
	if matchAny(jailbreakPatterns, content) {
		scan.Patterns = append(scan.Patterns, "jailbreak_attempt")
		scan.Score += 0.95
	}

	if scan.Score > 1.0 {
		scan.Score = 1.0
	}
	return scan
}

func (s *GuardScan) scanToolInjection(content string) {
	if strings.Contains(content, "tool_calls") || strings.Contains(content, "function_call") {
		if strings.Contains(content, `{"type":`) || strings.Contains(content, `{"name":`) {
			s.Patterns = append(s.Patterns, "tool_call_injection")
			s.Score += 0.8
			return
		}
	}
	if strings.Contains(content, `}"}"`) || strings.Contains(content, "}'") {
		s.Patterns = append(s.Patterns, "json_escape_attempt")
		s.Score += 0.7
	}
}

func (s *GuardScan) scanCommandInjection(content string) {
	lower := strings.ToLower(content)
	// Metacharacters show up constantly in legitimate shell discussion;
	// skip the check when the text reads as explanation.
	if strings.Contains(lower, "example") || strings.Contains(lower, "how to") || strings.Contains(lower, "explain") {
		return
	}

	score := 0.0
	for _, m := range commandInjectionMarkers {
		if strings.Contains(content, m.marker) {
			s.Patterns = append(s.Patterns, m.name)
			score += 0.3
		}
	}
	if score > 1.0 {
		score = 1.0
	}
	s.Score += score
}

// SanitizePrompt escapes shell substitution markers and strips tool-call
// injection prefixes from content.
func SanitizePrompt(content string) string {
	out := strings.ReplaceAll(content, "$(", `\$(`)
	out = strings.ReplaceAll(out, "`", "\\`")
	out = strings.ReplaceAll(out, `{"tool_calls":`, "[SANITIZED]")
	out = strings.ReplaceAll(out, `{"function_call":`, "[SANITIZED]")
	return out
}

func matchAny(patterns []*regexp.Regexp, content string) bool {
	for _, re := range patterns {
		if re.MatchString(content) {
			return true
		}
	}
	return false
}
