package telemetry

import (
	"slices"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Aman-CERP/vulnsearch/internal/document"
)

// LatencyBucket is a coarse latency class for the query log.
type LatencyBucket string

const (
	BucketP10   LatencyBucket = "p10"   // <10ms
	BucketP50   LatencyBucket = "p50"   // 10-50ms
	BucketP100  LatencyBucket = "p100"  // 50-100ms
	BucketP500  LatencyBucket = "p500"  // 100-500ms
	BucketP1000 LatencyBucket = "p1000" // >=500ms
)

// LatencyToBucket converts a duration to its bucket.
func LatencyToBucket(d time.Duration) LatencyBucket {
	switch ms := d.Milliseconds(); {
	case ms < 10:
		return BucketP10
	case ms < 50:
		return BucketP50
	case ms < 100:
		return BucketP100
	case ms < 500:
		return BucketP500
	default:
		return BucketP1000
	}
}

// QueryEvent is one federated or scoped search as seen by the HTTP surface.
type QueryEvent struct {
	Query    string
	Scope    string
	Total    int
	Degraded bool
	Latency  time.Duration
}

// CircularBuffer is a fixed-capacity FIFO buffer.
type CircularBuffer[T any] struct {
	mu       sync.RWMutex
	items    []T
	head     int
	size     int
	capacity int
}

// NewCircularBuffer creates a buffer; non-positive capacity means 100.
func NewCircularBuffer[T any](capacity int) *CircularBuffer[T] {
	if capacity <= 0 {
		capacity = 100
	}
	return &CircularBuffer[T]{items: make([]T, capacity), capacity: capacity}
}

// Add appends item, evicting the oldest when full.
func (b *CircularBuffer[T]) Add(item T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items[b.head] = item
	b.head = (b.head + 1) % b.capacity
	if b.size < b.capacity {
		b.size++
	}
}

// Items returns the buffered items, oldest first.
func (b *CircularBuffer[T]) Items() []T {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]T, b.size)
	if b.size < b.capacity {
		copy(out, b.items[:b.size])
		return out
	}
	n := copy(out, b.items[b.head:])
	copy(out[n:], b.items[:b.head])
	return out
}

// Size returns the number of buffered items.
func (b *CircularBuffer[T]) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// TermCount is a query term and how often it was searched.
type TermCount struct {
	Term  string `json:"term"`
	Count int64  `json:"count"`
}

// QueryLogSnapshot is a point-in-time copy of the query log.
type QueryLogSnapshot struct {
	TotalQueries      int64                   `json:"total_queries"`
	ZeroResultCount   int64                   `json:"zero_result_count"`
	DegradedCount     int64                   `json:"degraded_count"`
	ScopeCounts       map[string]int64        `json:"scope_counts"`
	TopTerms          []TermCount             `json:"top_terms"`
	ZeroResultQueries []string                `json:"zero_result_queries"`
	Latency           map[LatencyBucket]int64 `json:"latency_distribution"`
	Since             time.Time               `json:"since"`
}

// QueryLog keeps in-memory query patterns: popular terms, recent queries
// with no hits, and latency. Safe for concurrent use.
type QueryLog struct {
	mu          sync.Mutex
	topTerms    *lru.Cache[string, int64]
	zeroResults *CircularBuffer[string]
	scopes      map[string]int64
	latencies   map[LatencyBucket]int64
	total       int64
	zero        int64
	degraded    int64
	since       time.Time
}

// NewQueryLog tracks up to termCapacity terms and zeroCapacity recent
// zero-result queries.
func NewQueryLog(termCapacity, zeroCapacity int) *QueryLog {
	if termCapacity <= 0 {
		termCapacity = 100
	}
	terms, _ := lru.New[string, int64](termCapacity)
	return &QueryLog{
		topTerms:    terms,
		zeroResults: NewCircularBuffer[string](zeroCapacity),
		scopes:      make(map[string]int64),
		latencies:   make(map[LatencyBucket]int64),
		since:       time.Now(),
	}
}

// Record adds one query. Terms are extracted with the index tokenizer.
func (l *QueryLog) Record(ev QueryEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.total++
	l.scopes[ev.Scope]++
	l.latencies[LatencyToBucket(ev.Latency)]++
	if ev.Degraded {
		l.degraded++
	}
	for _, term := range document.Tokenize(ev.Query) {
		n, _ := l.topTerms.Get(term)
		l.topTerms.Add(term, n+1)
	}
	if ev.Total == 0 && ev.Query != "" {
		l.zero++
		l.zeroResults.Add(ev.Query)
	}
}

// Snapshot returns the current aggregates; TopTerms holds at most limit
// entries, most searched first.
func (l *QueryLog) Snapshot(limit int) QueryLogSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	terms := make([]TermCount, 0, l.topTerms.Len())
	for _, k := range l.topTerms.Keys() {
		if n, ok := l.topTerms.Peek(k); ok {
			terms = append(terms, TermCount{Term: k, Count: n})
		}
	}
	slices.SortFunc(terms, func(a, b TermCount) int {
		if a.Count != b.Count {
			if a.Count > b.Count {
				return -1
			}
			return 1
		}
		if a.Term < b.Term {
			return -1
		}
		if a.Term > b.Term {
			return 1
		}
		return 0
	})
	if limit > 0 && len(terms) > limit {
		terms = terms[:limit]
	}

	scopes := make(map[string]int64, len(l.scopes))
	for k, v := range l.scopes {
		scopes[k] = v
	}
	lat := make(map[LatencyBucket]int64, len(l.latencies))
	for k, v := range l.latencies {
		lat[k] = v
	}

	return QueryLogSnapshot{
		TotalQueries:      l.total,
		ZeroResultCount:   l.zero,
		DegradedCount:     l.degraded,
		ScopeCounts:       scopes,
		TopTerms:          terms,
		ZeroResultQueries: l.zeroResults.Items(),
		Latency:           lat,
		Since:             l.since,
	}
}
