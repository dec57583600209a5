package match

import (
	"strings"
	"unicode"
)

// Tokens lowercases text and splits it into word tokens. Apostrophes are
// dropped so "don't" becomes "dont"; hyphens separate words.
func Tokens(text string) []string {
	text = strings.ReplaceAll(strings.ToLower(text), "'", "")
	text = strings.ReplaceAll(text, "’", "")
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Normalize returns the tokens of text joined by single spaces, the form
// used for phrase containment and content hashing.
func Normalize(text string) string {
	return strings.Join(Tokens(text), " ")
}
