package policy

import "regexp"

type redactionRule struct {
	kind    string
	pattern *regexp.Regexp
}

// Order matters: identity and card numbers are long digit runs that the
// phone rule would otherwise claim.
var redactionRules = []redactionRule{
	{kind: "EMAIL", pattern: regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)},
	{kind: "ID", pattern: regexp.MustCompile(`\b\d{17}[\dXx]\b`)},
	{kind: "CARD", pattern: regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)},
	{kind: "PHONE", pattern: regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)},
}

// RedactPII masks emails, resident identity numbers, card numbers and phone
// numbers. It returns the kinds it replaced, in rule order.
func RedactPII(input string) (string, []string) {
	out := input
	var kinds []string
	for _, rule := range redactionRules {
		next := rule.pattern.ReplaceAllString(out, "[REDACTED_"+rule.kind+"]")
		if next != out {
			kinds = append(kinds, rule.kind)
			out = next
		}
	}
	return out, kinds
}
