package window

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// TokenEstimator returns the estimated token count of text. One estimator is
// used for the whole of a window build.
type TokenEstimator func(text string) int

// EstimateTokens approximates tokens as one per four runes, with a minimum of
// one token for any non-empty text.
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	tokens := (n + 3) / 4
	if tokens < 1 {
		tokens = 1
	}
	return tokens
}

var stopWords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "are": {}, "but": {}, "not": {}, "you": {}, "all": {},
	"any": {}, "can": {}, "had": {}, "her": {}, "was": {}, "one": {}, "our": {}, "out": {},
	"has": {}, "have": {}, "this": {}, "that": {}, "with": {}, "from": {}, "they": {},
	"will": {}, "would": {}, "there": {}, "their": {}, "what": {}, "about": {}, "which": {},
	"when": {}, "make": {}, "like": {}, "into": {}, "than": {}, "them": {}, "then": {},
	"some": {}, "could": {}, "should": {}, "please": {}, "just": {}, "also": {}, "does": {},
	"how": {}, "why": {}, "who": {}, "its": {}, "let": {}, "use": {}, "get": {},
}

// keywords extracts the distinct lower-case content words of text.
func keywords(text string) map[string]struct{} {
	out := map[string]struct{}{}
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, f := range fields {
		if utf8.RuneCountInString(f) < 3 {
			continue
		}
		if _, stop := stopWords[f]; stop {
			continue
		}
		out[f] = struct{}{}
	}
	return out
}

// relevance is the fraction of task keywords that also occur in text.
func relevance(task map[string]struct{}, text string) float64 {
	if len(task) == 0 {
		return 0
	}
	hits := 0
	for w := range keywords(text) {
		if _, ok := task[w]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(task))
}
