// Package textlang guesses the dominant language of extracted text from
// stopword frequency. The guess feeds OCR language hints; it is advisory
// and defaults to English when the signal is weak.
package textlang

import "strings"

var stopwords = map[string][]string{
	"eng": {"the", "and", "of", "to", "in", "is", "that", "for", "with", "on"},
	"fra": {"le", "la", "les", "de", "des", "et", "un", "une", "est", "dans"},
	"deu": {"der", "die", "das", "und", "ist", "nicht", "mit", "ein", "eine", "von"},
	"spa": {"el", "la", "los", "de", "que", "y", "en", "un", "una", "es"},
}

// minHits is the stopword count below which the guess falls back to English.
const minHits = 3

// Guess returns an ISO 639-2 code for the dominant language of text.
func Guess(text string) string {
	counts := map[string]int{}
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		tok = strings.Trim(tok, ".,;:!?()[]\"'")
		for lang, words := range stopwords {
			for _, w := range words {
				if tok == w {
					counts[lang]++
				}
			}
		}
	}
	best, bestN := "eng", 0
	for _, lang := range []string{"eng", "fra", "deu", "spa"} {
		if counts[lang] > bestN {
			best, bestN = lang, counts[lang]
		}
	}
	if bestN < minHits {
		return "eng"
	}
	return best
}
