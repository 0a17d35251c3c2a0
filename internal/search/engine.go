package search

import (
	"context"

	"github.com/Aman-CERP/vulnsearch/internal/document"
	"github.com/Aman-CERP/vulnsearch/internal/store"
)

// Indices resolves the index of a kind. *store.Registry implements it.
type Indices interface {
	Index(kind document.Kind) (*store.Index, error)
}

// Hit is one ranked document in a response.
type Hit struct {
	Key     string          `json:"key"`
	Score   float64         `json:"score"`
	Fields  document.Fields `json:"fields"`
	Matched []string        `json:"matched"`
}

// KindResult is one kind's page of hits and its total match count.
type KindResult struct {
	Kind    document.Kind
	Total   int
	Hits    []Hit
	Version uint64
}

// Engine runs parsed queries against a single kind's index.
type Engine struct {
	indices Indices
}

// NewEngine creates an engine over indices.
func NewEngine(indices Indices) *Engine {
	return &Engine{indices: indices}
}

// Execute runs q against kind. Scoring and ordering are the index's.
func (e *Engine) Execute(ctx context.Context, kind document.Kind, q ParsedQuery, page Page) (KindResult, error) {
	idx, err := e.indices.Index(kind)
	if err != nil {
		return KindResult{}, err
	}
	version := idx.Version()
	if q.Empty() {
		return KindResult{Kind: kind, Hits: []Hit{}, Version: version}, nil
	}

	res, err := idx.Query(ctx, q.storeQuery(), page.Limit, page.Offset)
	if err != nil {
		return KindResult{}, err
	}

	hits := make([]Hit, len(res.Hits))
	for i, h := range res.Hits {
		matched := h.Matched
		if matched == nil {
			matched = []string{}
		}
		hits[i] = Hit{Key: h.Key, Score: h.Score, Fields: h.Fields, Matched: matched}
	}
	return KindResult{Kind: kind, Total: res.Total, Hits: hits, Version: version}, nil
}
