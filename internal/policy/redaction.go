// Package policy masks personal data before transcripts and synthesis text
// reach the logs.
package policy

import (
	"regexp"
	"strings"
)

type rule struct {
	kind    string
	pattern *regexp.Regexp
	marker  string
	// accept filters matches; nil accepts every match.
	accept func(string) bool
}

// Order matters: card numbers are also long digit runs that the phone
// pattern would claim.
var rules = []rule{
	{
		kind:    "email",
		pattern: regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`),
		marker:  "[REDACTED_EMAIL]",
	},
	{
		kind:    "card",
		pattern: regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`),
		marker:  "[REDACTED_CARD]",
		accept:  luhnValid,
	},
	{
		kind:    "phone",
		pattern: regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`),
		marker:  "[REDACTED_PHONE]",
	},
}

// RedactPII masks emails, payment card numbers and phone numbers. kinds
// lists the categories that were found, in rule order.
func RedactPII(input string) (redacted string, kinds []string) {
	out := input
	for _, r := range rules {
		hit := false
		out = r.pattern.ReplaceAllStringFunc(out, func(m string) string {
			if r.accept != nil && !r.accept(m) {
				return m
			}
			hit = true
			return r.marker
		})
		if hit {
			kinds = append(kinds, r.kind)
		}
	}
	return out, kinds
}

// luhnValid reports whether the digits in s pass the Luhn checksum.
func luhnValid(s string) bool {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
	if len(digits) < 13 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}
