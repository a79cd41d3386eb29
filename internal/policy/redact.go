package policy

import "regexp"

const redactedPlaceholder = "[REDACTED]"

// Pre-compiled secret-shaped patterns. Applied to every string that leaves
// the engine inside a Snapshot; the unredacted inputs are never persisted.
var secretPatterns = []*regexp.Regexp{
	// Provider API keys (OpenAI, Anthropic, Stripe styles).
	regexp.MustCompile(`\bsk-[A-Za-z0-9_\-]{16,}\b`),
	regexp.MustCompile(`\bsk_(?:live|test)_[A-Za-z0-9]{16,}\b`),
	// AWS access key ids and GitHub tokens.
	regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
	regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,}\b`),
	// Bearer headers and JWT-shaped blobs.
	regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._\-]{16,}`),
	regexp.MustCompile(`\beyJ[A-Za-z0-9_\-]{10,}\.[A-Za-z0-9_\-]{10,}\.[A-Za-z0-9_\-]{5,}\b`),
	// key=value style credentials.
	regexp.MustCompile(`(?i)\b(password|passwd|secret|token|api_key|apikey|access_key)\s*[=:]\s*\S+`),
}

// Redact replaces secret-shaped substrings with a placeholder. A copy is
// always returned; the input is never modified.
func Redact(s string) string {
	if s == "" {
		return s
	}
	out := s
	for _, re := range secretPatterns {
		out = re.ReplaceAllString(out, redactedPlaceholder)
	}
	return out
}
