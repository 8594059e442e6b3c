// Package pii detects and redacts personally identifying patterns in
// chunk text: email addresses, North-American phone numbers, and
// internal identifier codes.
package pii

import (
	"regexp"
	"sort"
)

var patterns = map[string]*regexp.Regexp{
	"email": regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`),
	"phone": regexp.MustCompile(`\(?\b\d{3}\)?[-. ]?\d{3}[-. ]?\d{4}\b`),
	"id":    regexp.MustCompile(`\bID\d{3,}\b`),
}

// Match is one detected occurrence.
type Match struct {
	Kind  string `json:"kind"`
	Value string `json:"value"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

// Detect returns all PII matches in text, sorted by position.
func Detect(text string) []Match {
	var out []Match
	for kind, re := range patterns {
		for _, loc := range re.FindAllStringIndex(text, -1) {
			out = append(out, Match{
				Kind:  kind,
				Value: text[loc[0]:loc[1]],
				Start: loc[0],
				End:   loc[1],
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Start != out[j].Start {
			return out[i].Start < out[j].Start
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

// Redact replaces every match with [REDACTED:<kind>] and returns the
// scrubbed text with the matches it removed.
func Redact(text string) (string, []Match) {
	matches := Detect(text)
	if len(matches) == 0 {
		return text, nil
	}
	var b []byte
	last := 0
	for _, m := range matches {
		if m.Start < last {
			continue // overlapping match already covered
		}
		b = append(b, text[last:m.Start]...)
		b = append(b, "[REDACTED:"+m.Kind+"]"...)
		last = m.End
	}
	b = append(b, text[last:]...)
	return string(b), matches
}
