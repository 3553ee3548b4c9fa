package mapper

import (
	"strings"
	"unicode"

	"github.com/kljensen/snowball"
)

// normalizeBooleanTerms renders a title-style text value for boolean term
// presence: terms are case-folded, stemmed, and de-duplicated so a repeated
// term contributes to relevance once, not in proportion to its frequency.
// First-occurrence order is preserved to keep the rendering deterministic.
func normalizeBooleanTerms(s string) string {
	if s == "" {
		return ""
	}

	raw := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})

	seen := make(map[string]bool, len(raw))
	out := make([]string, 0, len(raw))
	for _, term := range raw {
		stemmed, err := snowball.Stem(term, "english", true)
		if err != nil || stemmed == "" {
			stemmed = term
		}
		if seen[stemmed] {
			continue
		}
		seen[stemmed] = true
		out = append(out, stemmed)
	}
	return strings.Join(out, " ")
}
