package search

import (
	"strings"

	"github.com/Aman-CERP/vulnsearch/internal/document"
	"github.com/Aman-CERP/vulnsearch/internal/store"
)

// ParsedQuery is a deduplicated list of lower-case terms, all of which must
// match. An empty ParsedQuery matches nothing.
type ParsedQuery struct {
	Raw   string
	Terms []string
}

// Parse tokenizes raw with the same rules used at indexing time. It never
// fails: blank or punctuation-only input yields an empty query.
func Parse(raw string) ParsedQuery {
	tokens := document.Tokenize(raw)
	seen := make(map[string]struct{}, len(tokens))
	terms := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		terms = append(terms, t)
	}
	return ParsedQuery{Raw: raw, Terms: terms}
}

// Empty reports whether the query has no terms.
func (q ParsedQuery) Empty() bool {
	return len(q.Terms) == 0
}

// String returns the normalized terms joined by spaces.
func (q ParsedQuery) String() string {
	return strings.Join(q.Terms, " ")
}

func (q ParsedQuery) storeQuery() store.Query {
	return store.Query{Terms: q.Terms}
}

// Scope selects the kinds a search runs against.
type Scope struct {
	kind document.Kind
}

// ScopeAll searches every kind.
func ScopeAll() Scope {
	return Scope{}
}

// ScopeKind searches only kind.
func ScopeKind(kind document.Kind) Scope {
	return Scope{kind: kind}
}

// ParseScope accepts "", "all", or any spelling ParseKind accepts.
func ParseScope(s string) (Scope, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "all":
		return ScopeAll(), nil
	}
	kind, err := document.ParseKind(s)
	if err != nil {
		return Scope{}, err
	}
	return ScopeKind(kind), nil
}

// IsAll reports whether the scope covers every kind.
func (s Scope) IsAll() bool {
	return s.kind == ""
}

// Kind returns the single kind of a scoped search.
func (s Scope) Kind() document.Kind {
	return s.kind
}

// Kinds returns the kinds in scope in canonical order.
func (s Scope) Kinds() []document.Kind {
	if s.IsAll() {
		return document.Kinds()
	}
	return []document.Kind{s.kind}
}

// String returns "all" or the kind label.
func (s Scope) String() string {
	if s.IsAll() {
		return "all"
	}
	return s.kind.Label()
}

// Page bounds the per-kind hit list.
type Page struct {
	Limit  int
	Offset int
}
