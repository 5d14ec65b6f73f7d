// Package scrub redacts PII from event payloads before they leave the
// process boundary.
//
// Scrubbing is mandatory and ordered before transport. Fail-closed for
// privacy: if the pattern engine faults, the event is dropped rather than
// forwarded unscrubbed.
package scrub

import (
	"fmt"
	"regexp"
)

// Pattern pairs a named redaction pattern with its replacement token.
type Pattern struct {
	Name        string
	Regexp      *regexp.Regexp
	Replacement string
}

// Patterns are applied in order. Credit-card-like sequences run before the
// generic phone pattern so a card number is not half-eaten as a phone match.
var patterns = []Pattern{
	{
		Name:        "email",
		Regexp:      regexp.MustCompile(`\b[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}\b`),
		Replacement: "[REDACTED:email]",
	},
	{
		Name:        "ssn",
		Regexp:      regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
		Replacement: "[REDACTED:ssn]",
	},
	{
		Name:        "credit_card",
		Regexp:      regexp.MustCompile(`\b(?:\d[ \-]?){13,16}\b`),
		Replacement: "[REDACTED:card]",
	},
	{
		Name:        "ip_address",
		Regexp:      regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`),
		Replacement: "[REDACTED:ip]",
	},
	{
		Name:        "phone",
		Regexp:      regexp.MustCompile(`\+?\d{1,3}[ \-.]?\(?\d{2,4}\)?(?:[ \-.]?\d{2,4}){2,3}`),
		Replacement: "[REDACTED:phone]",
	},
}

// Scrub rewrites every string in the payload through the redaction patterns
// and returns a new document; the input is not mutated. Any fault aborts the
// scrub with an error so the caller drops the event.
func Scrub(payload map[string]any) (scrubbed map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			scrubbed = nil
			err = fmt.Errorf("scrub fault: %v", r)
		}
	}()
	out := scrubValue(payload)
	m, ok := out.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("scrub produced %T, expected map", out)
	}
	return m, nil
}

// ScrubString applies the redaction patterns to a single string.
func ScrubString(s string) string {
	for _, p := range patterns {
		s = p.Regexp.ReplaceAllString(s, p.Replacement)
	}
	return s
}

func scrubValue(v any) any {
	switch val := v.(type) {
	case string:
		return ScrubString(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = scrubValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = scrubValue(item)
		}
		return out
	}
	return v
}
