package store

import (
	"strings"

	"github.com/blevesearch/bleve/v2/analysis"
	"github.com/blevesearch/bleve/v2/registry"

	"github.com/Aman-CERP/vulnsearch/internal/document"
)

const (
	// WordTokenizerName is the bleve tokenizer that splits on non-alphanumeric runes.
	WordTokenizerName = "vulnsearch_word"

	// WordAnalyzerName is the analyzer every indexed field uses.
	WordAnalyzerName = "vulnsearch_word_analyzer"
)

func init() {
	_ = registry.RegisterTokenizer(WordTokenizerName, wordTokenizerConstructor)
}

func wordTokenizerConstructor(config map[string]interface{}, cache *registry.Cache) (analysis.Tokenizer, error) {
	return &wordTokenizer{}, nil
}

// wordTokenizer adapts document.TokenSpans so that bleve and the query
// parser agree on token boundaries.
type wordTokenizer struct{}

// Tokenize implements analysis.Tokenizer.
func (t *wordTokenizer) Tokenize(input []byte) analysis.TokenStream {
	spans := document.TokenSpans(string(input))
	stream := make(analysis.TokenStream, 0, len(spans))
	for i, s := range spans {
		typ := analysis.AlphaNumeric
		if isNumeric(s.Term) {
			typ = analysis.Numeric
		}
		stream = append(stream, &analysis.Token{
			Term:     []byte(s.Term),
			Start:    s.Start,
			End:      s.End,
			Position: i + 1,
			Type:     typ,
		})
	}
	return stream
}

func isNumeric(s string) bool {
	return strings.IndexFunc(s, func(r rune) bool { return r < '0' || r > '9' }) < 0
}

// analyzedText returns the token stream of values joined by single spaces.
// The sqlite backend stores this form so FTS5 sees the same tokens.
func analyzedText(values []string) string {
	var b strings.Builder
	for _, v := range values {
		for _, term := range document.Tokenize(v) {
			if b.Len() > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(term)
		}
	}
	return b.String()
}
