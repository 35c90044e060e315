package dataset

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// NormalizeKey folds free-text metadata (author, publisher, country) into a
// comparison key: NFC, case folded, trimmed, inner whitespace collapsed.
func NormalizeKey(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	// Caser is stateful and must not be shared between goroutines.
	folded := cases.Fold().String(norm.NFC.String(s))
	return strings.Join(strings.Fields(folded), " ")
}
