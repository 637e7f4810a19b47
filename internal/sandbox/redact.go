package sandbox

import "regexp"

// redactPatterns match common secret shapes in command output: key=value
// style credentials and PEM private-key blocks.
var redactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(password|passwd|token|secret|api[_-]?key)\s*[:=]\s*\S+`),
	regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`),
}

const redactedPlaceholder = "[REDACTED]"

// Redact scrubs known-sensitive substrings from output, returning the
// scrubbed text and how many replacements were made.
func Redact(output string) (string, int) {
	count := 0
	for _, p := range redactPatterns {
		output = p.ReplaceAllStringFunc(output, func(m string) string {
			count++
			return redactedPlaceholder
		})
	}
	return output, count
}

// Truncate caps output at maxBytes, reporting whether truncation occurred.
func Truncate(output string, maxBytes int) (string, bool) {
	if maxBytes <= 0 || len(output) <= maxBytes {
		return output, false
	}
	return output[:maxBytes], true
}
