package observability

import (
	"regexp"
	"strings"
)

// Redactor masks credentials and personal data. Chat turns and summaries
// routinely carry both, and so do upstream error bodies.
type Redactor struct {
	patterns []redactPattern
}

type redactPattern struct {
	name        string
	regex       *regexp.Regexp
	replacement string
}

// defaultPatterns run in order; more specific key formats come first.
var defaultPatterns = []struct{ name, pattern, replacement string }{
	{"openai_project_key", `sk-proj-[a-zA-Z0-9\-_]{20,}`, "[REDACTED_OPENAI_PROJECT_KEY]"},
	{"anthropic_key", `sk-ant-[a-zA-Z0-9\-_]{20,}`, "[REDACTED_ANTHROPIC_KEY]"},
	{"openai_key", `sk-[a-zA-Z0-9]{20,}`, "[REDACTED_OPENAI_KEY]"},
	{"google_key", `AIza[a-zA-Z0-9\-_]{35}`, "[REDACTED_GOOGLE_KEY]"},
	{"hf_token", `hf_[a-zA-Z0-9]{30,}`, "[REDACTED_HF_TOKEN]"},
	{"bearer_token", `Bearer\s+[a-zA-Z0-9\-_\.]+`, "Bearer [REDACTED]"},
	{"email", `[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`, "[REDACTED_EMAIL]"},
	{"phone", `\+?[0-9]{1,3}[-.\s]?\(?[0-9]{3}\)?[-.\s]?[0-9]{3}[-.\s]?[0-9]{4}`, "[REDACTED_PHONE]"},
}

// NewRedactor creates a redactor with the default patterns.
func NewRedactor() *Redactor {
	r := &Redactor{}
	for _, p := range defaultPatterns {
		r.AddPattern(p.name, p.pattern, p.replacement)
	}
	return r
}

// AddPattern registers an extra pattern. Invalid expressions are ignored.
func (r *Redactor) AddPattern(name, pattern, replacement string) {
	regex, err := regexp.Compile(pattern)
	if err != nil {
		return
	}
	r.patterns = append(r.patterns, redactPattern{name: name, regex: regex, replacement: replacement})
}

// Redact applies every pattern to input.
func (r *Redactor) Redact(input string) string {
	for _, p := range r.patterns {
		input = p.regex.ReplaceAllString(input, p.replacement)
	}
	return input
}

var sensitiveHeaders = map[string]bool{
	"authorization": true,
	"x-api-key":     true,
	"api-key":       true,
	"cookie":        true,
}

// RedactHeaders masks credential headers.
func (r *Redactor) RedactHeaders(headers map[string][]string) map[string][]string {
	out := make(map[string][]string, len(headers))
	for k, v := range headers {
		if sensitiveHeaders[strings.ToLower(k)] {
			out[k] = []string{"[REDACTED]"}
			continue
		}
		out[k] = v
	}
	return out
}
