// Package search implements spec.md §4.12: tokenization, term posting-list
// querying, pluggable scoring, and envelope-only preview assembly.
package search

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
)

const minTokenLen = 3

var foldCaser = cases.Fold()

var stopWords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "of": {}, "to": {},
	"in": {}, "is": {}, "it": {}, "for": {}, "on": {}, "with": {}, "as": {},
	"at": {}, "by": {}, "this": {}, "that": {}, "be": {}, "are": {}, "was": {},
	"were": {}, "from": {},
}

// Tokenize splits text into unique-per-call-order lowercased tokens,
// folding case with golang.org/x/text/cases (Unicode-aware, not just
// ASCII), dropping stop words and anything shorter than minTokenLen code
// points.
func Tokenize(text string) []string {
	folded := foldCaser.String(text)
	var tokens []string
	seen := make(map[string]struct{})
	var cur strings.Builder

	flush := func() {
		if cur.Len() == 0 {
			return
		}
		tok := cur.String()
		cur.Reset()
		if utf8.RuneCountInString(tok) < minTokenLen {
			return
		}
		if _, stop := stopWords[tok]; stop {
			return
		}
		if _, dup := seen[tok]; dup {
			return
		}
		seen[tok] = struct{}{}
		tokens = append(tokens, tok)
	}

	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			cur.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return tokens
}
