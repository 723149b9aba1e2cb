package intent

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Normalize prepares text for matching: NFKC composition, Unicode case
// folding, punctuation and symbols replaced by spaces, whitespace collapsed.
// Underscores survive so identifiers like inv_42 stay one token.
func Normalize(text string) string {
	folded := cases.Fold().String(norm.NFKC.String(text))

	stripped := strings.Map(func(r rune) rune {
		if r == '_' {
			return r
		}
		if unicode.IsPunct(r) || unicode.IsSymbol(r) {
			return ' '
		}
		return r
	}, folded)

	return strings.Join(strings.Fields(stripped), " ")
}
