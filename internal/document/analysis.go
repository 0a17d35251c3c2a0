package document

import (
	"strings"
	"unicode"
)

// Span is one token with its byte offsets in the source text.
type Span struct {
	Term  string
	Start int
	End   int
}

// TokenSpans splits text on non-alphanumeric boundaries and lower-cases each
// token. Empty tokens never appear.
func TokenSpans(text string) []Span {
	var spans []Span
	start := -1
	for i, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			spans = append(spans, Span{Term: strings.ToLower(text[start:i]), Start: start, End: i})
			start = -1
		}
	}
	if start >= 0 {
		spans = append(spans, Span{Term: strings.ToLower(text[start:]), Start: start, End: len(text)})
	}
	return spans
}

// Tokenize returns the lower-cased word tokens of text.
func Tokenize(text string) []string {
	spans := TokenSpans(text)
	if len(spans) == 0 {
		return nil
	}
	out := make([]string, len(spans))
	for i, s := range spans {
		out[i] = s.Term
	}
	return out
}

// containsToken reports whether any value tokenizes to term.
func containsToken(values []string, term string) bool {
	for _, v := range values {
		if !strings.Contains(strings.ToLower(v), term) {
			continue
		}
		for _, t := range Tokenize(v) {
			if t == term {
				return true
			}
		}
	}
	return false
}
