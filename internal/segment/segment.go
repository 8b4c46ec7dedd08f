// Package segment splits extracted document text into utterances that are
// synthesized one at a time.
package segment

import "strings"

// Delimiter is the single sentence terminator recognised by Split.
const Delimiter = "."

// Utterance is one trimmed, non-empty unit of text. Index is 1-based.
type Utterance struct {
	Index int
	Text  string
}

// Split breaks text on Delimiter, trims each piece and drops empty ones.
// Text without a delimiter yields a single utterance; blank text yields none.
func Split(text string) []Utterance {
	parts := strings.Split(text, Delimiter)
	units := make([]Utterance, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		units = append(units, Utterance{Index: len(units) + 1, Text: trimmed})
	}
	return units
}
