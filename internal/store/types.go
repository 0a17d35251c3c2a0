// Package store owns the per-kind search indices: their on-disk generations,
// staged write batches, commit discipline, and query execution.
package store

import (
	"context"
	"time"

	"github.com/Aman-CERP/vulnsearch/internal/document"
)

// Query is an already-parsed conjunction of lower-case terms.
// Every term must occur in at least one indexed field of a hit.
type Query struct {
	Terms []string
}

// Empty reports whether the query can match anything at all.
func (q Query) Empty() bool {
	return len(q.Terms) == 0
}

// Hit is one scored document.
type Hit struct {
	Key     string
	Score   float64
	Fields  document.Fields
	Matched []string
}

// Result is one page of hits plus the total number of matches.
type Result struct {
	Total int
	Hits  []Hit
}

// OpType distinguishes staged writes.
type OpType int

const (
	OpUpsert OpType = iota + 1
	OpDelete
)

func (t OpType) String() string {
	switch t {
	case OpUpsert:
		return "upsert"
	case OpDelete:
		return "delete"
	}
	return "unknown"
}

// Op is a single staged write. Doc is only set for upserts.
type Op struct {
	Type OpType
	Key  string
	Doc  document.SearchDocument
}

// Segment is one physical generation of a kind's index.
type Segment interface {
	// Apply makes all ops visible at once, or none of them.
	Apply(ctx context.Context, ops []Op) error

	// Search runs q and returns the page [offset, offset+limit) ordered by
	// descending score, then ascending key.
	Search(ctx context.Context, q Query, limit, offset int) (Result, error)

	// Keys returns every document key in ascending order.
	Keys(ctx context.Context) ([]string, error)

	// Count returns the number of documents.
	Count(ctx context.Context) (int, error)

	Close() error
}

// Backend creates and opens segments of one storage engine.
type Backend interface {
	Name() string

	// Ext is appended to the generation file name.
	Ext() string

	// Create builds an empty segment at path. An empty path means in-memory.
	Create(path string, kind document.Kind) (Segment, error)

	// Open loads an existing segment from path.
	Open(path string, kind document.Kind) (Segment, error)

	// Remove deletes everything Create wrote at path.
	Remove(path string) error
}

// Status is a point-in-time view of one index.
type Status struct {
	Kind       document.Kind
	Backend    string
	Generation uint64
	Version    uint64
	Documents  int
	Available  bool
	Rebuilding bool
	BuiltAt    time.Time
	Err        error
}
