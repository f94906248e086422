// Package redact strips common sensitive values from log text before any
// content leaves the service. Pure: no side effects beyond the return value.
package redact

import (
	"fmt"
	"regexp"
)

// Result carries the cleaned text and what was removed.
type Result struct {
	Clean    string
	Redacted int
	Warnings []string
}

type pattern struct {
	name        string
	re          *regexp.Regexp
	replacement string
}

// The detection catalog is intentionally small; the service treats the full
// catalog as an external concern.
var patterns = []pattern{
	{"email", regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`), "[redacted-email]"},
	{"ipv4", regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`), "[redacted-ip]"},
	{"aws-key", regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`), "[redacted-aws-key]"},
	{"bearer-token", regexp.MustCompile(`(?i)\b(bearer|token|api[_-]?key)[=: ]+\S{8,}`), "$1=[redacted-token]"},
}

// Redact replaces every match of the built-in catalog and reports the total
// number of replacements. Warnings flag lines that look like secrets but
// did not match a known pattern.
func Redact(text string) Result {
	res := Result{Clean: text}
	for _, p := range patterns {
		matches := p.re.FindAllStringIndex(res.Clean, -1)
		if len(matches) == 0 {
			continue
		}
		res.Redacted += len(matches)
		res.Clean = p.re.ReplaceAllString(res.Clean, p.replacement)
	}

	if suspicious.MatchString(res.Clean) {
		res.Warnings = append(res.Warnings, fmt.Sprintf("possible unredacted secret material (%d known patterns applied)", len(patterns)))
	}
	return res
}

var suspicious = regexp.MustCompile(`(?i)\b(password|passwd|secret)\s*[=:]`)
