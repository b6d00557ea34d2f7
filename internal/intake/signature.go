package intake

import (
	"regexp"
	"strings"
)

// masks are applied in order; earlier masks protect their matches from the
// broader number mask.
var masks = []struct {
	re          *regexp.Regexp
	placeholder string
	digitsOnly  bool
}{
	{re: regexp.MustCompile(`\d{4}-\d{2}-\d{2}[t ]\d{2}:\d{2}:\d{2}(?:[.,]\d+)?(?:z|[+-]\d{2}:?\d{2})?`), placeholder: "<ts>"},
	{re: regexp.MustCompile(`\d{4}-\d{2}-\d{2}`), placeholder: "<ts>"},
	{re: regexp.MustCompile(`\b\d{2}:\d{2}:\d{2}(?:\.\d+)?\b`), placeholder: "<ts>"},
	{re: regexp.MustCompile(`\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`), placeholder: "<uuid>"},
	{re: regexp.MustCompile(`[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`), placeholder: "<email>"},
	{re: regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}(?::\d{1,5})?\b`), placeholder: "<ip>"},
	{re: regexp.MustCompile(`"[^"]*"|'[^']*'`), placeholder: "<str>"},
	{re: regexp.MustCompile(`\b0x[0-9a-f]+\b`), placeholder: "<hex>"},
	{re: regexp.MustCompile(`\b[0-9a-f]{8,}\b`), placeholder: "<hex>", digitsOnly: true},
	{re: regexp.MustCompile(`\d+(?:\.\d+)?`), placeholder: "<num>"},
}

// Signature normalizes a log message by masking variable tokens
// (timestamps, UUIDs, e-mail addresses, IPs, quoted strings, hex ids,
// numbers), lower-casing and collapsing whitespace. Messages that differ
// only in those tokens share a signature.
func Signature(text string) string {
	s := strings.ToLower(text)
	for _, m := range masks {
		if m.digitsOnly {
			ph := m.placeholder
			s = m.re.ReplaceAllStringFunc(s, func(tok string) string {
				if strings.ContainsAny(tok, "0123456789") {
					return ph
				}
				return tok
			})
			continue
		}
		s = m.re.ReplaceAllString(s, m.placeholder)
	}
	return strings.Join(strings.Fields(s), " ")
}

// Tokens splits a signature into its whitespace-separated tokens.
func Tokens(signature string) []string {
	return strings.Fields(signature)
}
