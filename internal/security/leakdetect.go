package security

import "regexp"

var leakPatterns = []struct {
	name string
	re   *regexp.Regexp
}{
	{"openai_api_key", regexp.MustCompile(`\bsk-[A-Za-z0-9]{20,}\b`)},
	{"anthropic_api_key", regexp.MustCompile(`\bsk-ant-[A-Za-z0-9\-_]{20,}\b`)},
	{"github_token", regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{20,}\b`)},
	{"aws_access_key_id", regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`)},
	{"private_key_block", regexp.MustCompile(`-----BEGIN (RSA |EC |DSA |OPENSSH )?PRIVATE KEY-----`)},
	{"hex_token", regexp.MustCompile(`\b[a-fA-F0-9]{40,}\b`)},
}

// LeakDetector scans content for credential-shaped substrings. It runs
// independently of the prompt guard so a leak is caught even in otherwise
// benign text.
type LeakDetector struct{}

// Detect returns the names of every leak pattern present in text.
func (LeakDetector) Detect(text string) []string {
	var hits []string
	for _, p := range leakPatterns {
		if p.re.MatchString(text) {
			hits = append(hits, p.name)
		}
	}
	return hits
}

// Redact replaces every matched credential with a placeholder naming the
// pattern, keeping the surrounding text intact.
func (LeakDetector) Redact(text string) string {
	out := text
	for _, p := range leakPatterns {
		out = p.re.ReplaceAllString(out, "[REDACTED:"+p.name+"]")
	}
	return out
}
