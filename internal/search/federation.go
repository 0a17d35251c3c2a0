package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/Aman-CERP/vulnsearch/internal/document"
	verrors "github.com/Aman-CERP/vulnsearch/internal/errors"
)

// Defaults for Config.
const (
	DefaultLimit     = 10
	DefaultMaxLimit  = 100
	DefaultCacheSize = 1024
)

// Outcomes reported to a SearchObserver.
const (
	OutcomeOK       = "ok"
	OutcomeCacheHit = "cache_hit"
	OutcomeDegraded = "degraded"
	OutcomeError    = "error"
)

// SearchObserver is told the outcome and latency of every per-kind search.
type SearchObserver func(kind document.Kind, outcome string, d time.Duration)

// Config configures a Federator.
type Config struct {
	DefaultLimit int
	MaxLimit     int
	// CacheSize is the number of per-kind results kept. Zero disables caching.
	CacheSize int
	Logger    *slog.Logger
	Observer  SearchObserver
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	return Config{
		DefaultLimit: DefaultLimit,
		MaxLimit:     DefaultMaxLimit,
		CacheSize:    DefaultCacheSize,
	}
}

// Request is one federated search.
type Request struct {
	Query  string
	Scope  Scope
	Limit  int
	Offset int
}

// Response groups hits by kind. Every kind in scope has an entry, possibly
// with no hits. There is no pagination across kinds.
type Response struct {
	Query    ParsedQuery
	Scope    Scope
	Results  []KindResult
	Degraded []document.Kind
}

// Result returns kind's entry.
func (r *Response) Result(kind document.Kind) (KindResult, bool) {
	for _, res := range r.Results {
		if res.Kind == kind {
			return res, true
		}
	}
	return KindResult{}, false
}

// Totals maps each kind label in scope to its total match count.
func (r *Response) Totals() map[string]int {
	out := make(map[string]int, len(r.Results))
	for _, res := range r.Results {
		out[res.Kind.Label()] = res.Total
	}
	return out
}

// MarshalJSON encodes the response as an object keyed by kind label, in
// canonical kind order, each value an array of hits.
func (r *Response) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, res := range r.Results {
		if i > 0 {
			buf.WriteByte(',')
		}
		label, err := json.Marshal(res.Kind.Label())
		if err != nil {
			return nil, err
		}
		hits := res.Hits
		if hits == nil {
			hits = []Hit{}
		}
		body, err := json.Marshal(hits)
		if err != nil {
			return nil, err
		}
		buf.Write(label)
		buf.WriteByte(':')
		buf.Write(body)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

type cacheKey struct {
	kind    document.Kind
	version uint64
	terms   string
	limit   int
	offset  int
}

// Federator fans a query out to the kinds in scope and merges the results.
type Federator struct {
	indices  Indices
	engine   *Engine
	cfg      Config
	cache    *lru.Cache[cacheKey, KindResult]
	logger   *slog.Logger
	observer SearchObserver
}

// NewFederator creates a federator over indices.
func NewFederator(indices Indices, cfg Config) (*Federator, error) {
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = DefaultLimit
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = DefaultMaxLimit
	}
	if cfg.DefaultLimit > cfg.MaxLimit {
		cfg.DefaultLimit = cfg.MaxLimit
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	f := &Federator{
		indices:  indices,
		engine:   NewEngine(indices),
		cfg:      cfg,
		logger:   cfg.Logger,
		observer: cfg.Observer,
	}
	if cfg.CacheSize > 0 {
		cache, err := lru.New[cacheKey, KindResult](cfg.CacheSize)
		if err != nil {
			return nil, err
		}
		f.cache = cache
	}
	return f, nil
}

// page clamps the requested pagination.
func (f *Federator) page(limit, offset int) Page {
	if limit <= 0 {
		limit = f.cfg.DefaultLimit
	}
	if limit > f.cfg.MaxLimit {
		limit = f.cfg.MaxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return Page{Limit: limit, Offset: offset}
}

// Search runs req. For a single-kind scope an unavailable index is an
// error; for ScopeAll it contributes an empty list and is listed in
// Response.Degraded. Cancelling ctx aborts every sub-query.
func (f *Federator) Search(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q := Parse(req.Query)
	page := f.page(req.Limit, req.Offset)
	kinds := req.Scope.Kinds()
	for _, k := range kinds {
		if !k.Valid() {
			return nil, verrors.UnsupportedKind(string(k))
		}
	}

	resp := &Response{Query: q, Scope: req.Scope, Results: make([]KindResult, len(kinds))}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for i, kind := range kinds {
		g.Go(func() error {
			res, err := f.searchKind(gctx, kind, q, page)
			if err == nil {
				resp.Results[i] = res
				return nil
			}
			if req.Scope.IsAll() && degradable(err) {
				f.logger.Warn("search_kind_degraded",
					slog.String("kind", kind.Label()),
					slog.String("error", err.Error()))
				resp.Results[i] = KindResult{Kind: kind, Hits: []Hit{}}
				mu.Lock()
				resp.Degraded = append(resp.Degraded, kind)
				mu.Unlock()
				return nil
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sortKinds(resp.Degraded)
	f.logger.Debug("search_completed",
		slog.String("query", q.String()),
		slog.String("scope", req.Scope.String()),
		slog.Int("degraded", len(resp.Degraded)))
	return resp, nil
}

func (f *Federator) searchKind(ctx context.Context, kind document.Kind, q ParsedQuery, page Page) (KindResult, error) {
	start := time.Now()

	idx, err := f.indices.Index(kind)
	if err != nil {
		return KindResult{}, err
	}
	key := cacheKey{kind: kind, version: idx.Version(), terms: q.String(), limit: page.Limit, offset: page.Offset}
	if f.cache != nil && !q.Empty() {
		if res, ok := f.cache.Get(key); ok {
			f.observe(kind, OutcomeCacheHit, time.Since(start))
			return res, nil
		}
	}

	res, err := f.engine.Execute(ctx, kind, q, page)
	if err != nil {
		outcome := OutcomeError
		if degradable(err) {
			outcome = OutcomeDegraded
		}
		f.observe(kind, outcome, time.Since(start))
		return KindResult{}, err
	}

	if f.cache != nil && !q.Empty() {
		key.version = res.Version
		f.cache.Add(key, res)
	}
	f.observe(kind, OutcomeOK, time.Since(start))
	return res, nil
}

func (f *Federator) observe(kind document.Kind, outcome string, d time.Duration) {
	if f.observer != nil {
		f.observer(kind, outcome, d)
	}
}

// degradable reports whether a federated search may drop this kind.
func degradable(err error) bool {
	return errors.Is(err, verrors.ErrIndexUnavailable) || errors.Is(err, verrors.ErrIndexClosed)
}

func sortKinds(kinds []document.Kind) {
	order := make(map[document.Kind]int, len(document.Kinds()))
	for i, k := range document.Kinds() {
		order[k] = i
	}
	slices.SortFunc(kinds, func(a, b document.Kind) int { return order[a] - order[b] })
}
