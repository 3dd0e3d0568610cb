package keyword

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// RemoveDiacritics strips combining marks, so "Širka" becomes "Sirka".
// Letters without a decomposition (e.g. "ł") are kept as they are.
func RemoveDiacritics(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// Normalize folds text into the keyword alphabet: diacritics removed,
// lower-cased, and "y" collapsed into "i".
func Normalize(s string) string {
	s = strings.ToLower(RemoveDiacritics(s))
	return strings.ReplaceAll(s, "y", "i")
}

// NormalizeQuery prepares query text for signature hashing: NFC, lower-cased,
// whitespace collapsed. Unlike Normalize it keeps diacritics and "y".
func NormalizeQuery(s string) string {
	s = norm.NFC.String(strings.ToLower(s))
	return strings.Join(strings.Fields(s), " ")
}

func isSeparator(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}
