package usecase

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// quoteReplacer drops quote and apostrophe variants, including the Hebrew
// geresh/gershayim used in abbreviations like קוטג׳ or ש״ח.
// Dash variants, including the Hebrew maqaf, become a space.
var quoteReplacer = strings.NewReplacer(
	"'", "", "\"", "", "`", "", "\u00b4", "",
	"\u2018", "", "\u2019", "", "\u201a", "", "\u201b", "",
	"\u201c", "", "\u201d", "", "\u201e", "",
	"\u05f3", "", // geresh
	"\u05f4", "", // gershayim
	"-", " ", "\u2010", " ", "\u2011", " ", "\u2012", " ",
	"\u2013", " ", "\u2014", " ", "\u2015", " ", "\u2212", " ",
	"\u05be", " ", // maqaf
)

// Normalize canonicalizes product text. It must be applied the same way to
// stored canonical keys and to incoming queries.
// Composition runs first because NFC maps some code points onto the quote
// characters stripped below, and again last because stripping a quote can
// leave a base letter next to a combining mark.
func Normalize(text string) string {
	s := strings.ToLower(norm.NFC.String(text))
	s = quoteReplacer.Replace(s)
	s = strings.Join(strings.Fields(s), " ")
	return norm.NFC.String(s)
}

// splitWords splits normalized text into whitespace-delimited words
func splitWords(normalized string) []string {
	return strings.Fields(normalized)
}
