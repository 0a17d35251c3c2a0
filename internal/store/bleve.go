package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/Aman-CERP/vulnsearch/internal/document"
)

// storedFieldsName holds the JSON-encoded document.Fields of a hit. It is
// stored but never indexed.
const storedFieldsName = "stored"

// keyPageSize bounds the page size used when listing keys.
const keyPageSize = 1000

// ErrCorrupt marks storage that cannot be opened and must be rebuilt.
var ErrCorrupt = errors.New("index storage is corrupt")

// BleveBackend stores each generation as a bleve scorch index directory.
type BleveBackend struct{}

// Name implements Backend.
func (BleveBackend) Name() string { return BackendBleve }

// Ext implements Backend.
func (BleveBackend) Ext() string { return ".bleve" }

// Create implements Backend.
func (BleveBackend) Create(path string, kind document.Kind) (Segment, error) {
	m, err := buildMapping(kind)
	if err != nil {
		return nil, fmt.Errorf("failed to create index mapping: %w", err)
	}

	var idx bleve.Index
	if path == "" {
		idx, err = bleve.NewMemOnly(m)
	} else {
		if mkErr := os.MkdirAll(filepath.Dir(path), 0o755); mkErr != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", filepath.Dir(path), mkErr)
		}
		idx, err = bleve.New(path, m)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create bleve index: %w", err)
	}
	return &bleveSegment{kind: kind, index: idx}, nil
}

// Open implements Backend.
func (BleveBackend) Open(path string, kind document.Kind) (Segment, error) {
	if err := validateBleveIntegrity(path); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	idx, err := bleve.Open(path)
	if err != nil {
		if isBleveCorruption(err) {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		return nil, fmt.Errorf("failed to open bleve index %s: %w", path, err)
	}
	return &bleveSegment{kind: kind, index: idx}, nil
}

// Remove implements Backend.
func (BleveBackend) Remove(path string) error {
	if path == "" {
		return nil
	}
	return os.RemoveAll(path)
}

// validateBleveIntegrity checks that index_meta.json exists and parses.
// A half-written generation fails here instead of deep inside bleve.
func validateBleveIntegrity(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("cannot stat index: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", path)
	}

	metaPath := filepath.Join(path, "index_meta.json")
	data, err := os.ReadFile(metaPath)
	if os.IsNotExist(err) {
		return fmt.Errorf("index_meta.json missing")
	}
	if err != nil {
		return fmt.Errorf("cannot read index_meta.json: %w", err)
	}
	if len(data) == 0 {
		return fmt.Errorf("index_meta.json is empty")
	}
	var meta map[string]interface{}
	if err := json.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("index_meta.json is corrupt: %w", err)
	}
	return nil
}

// isBleveCorruption reports whether an open error means the files on disk
// are damaged rather than merely absent or locked.
func isBleveCorruption(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, bleve.ErrorIndexMetaCorrupt) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "unexpected end of JSON") ||
		strings.Contains(msg, "error parsing mapping JSON") ||
		strings.Contains(msg, "failed to load segment") ||
		strings.Contains(msg, "error opening bolt")
}

// buildMapping maps every field of kind to the word analyzer. Nothing is
// indexed dynamically and only storedFieldsName is stored.
func buildMapping(kind document.Kind) (*mapping.IndexMappingImpl, error) {
	specs, err := document.FieldSpecs(kind)
	if err != nil {
		return nil, err
	}

	im := bleve.NewIndexMapping()
	err = im.AddCustomAnalyzer(WordAnalyzerName, map[string]interface{}{
		"type":          custom.Name,
		"tokenizer":     WordTokenizerName,
		"token_filters": []string{lowercase.Name},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to add analyzer: %w", err)
	}
	im.DefaultAnalyzer = WordAnalyzerName
	im.IndexDynamic = false
	im.StoreDynamic = false
	im.DocValuesDynamic = false

	dm := bleve.NewDocumentStaticMapping()
	for _, spec := range specs {
		fm := bleve.NewTextFieldMapping()
		fm.Analyzer = WordAnalyzerName
		fm.Store = false
		fm.IncludeInAll = false
		fm.IncludeTermVectors = false
		fm.DocValues = false
		dm.AddFieldMappingsAt(spec.Name, fm)
	}
	stored := bleve.NewTextFieldMapping()
	stored.Index = false
	stored.Store = true
	stored.IncludeInAll = false
	stored.DocValues = false
	dm.AddFieldMappingsAt(storedFieldsName, stored)

	im.DefaultMapping = dm
	return im, nil
}

// bleveSegment is one bleve index generation.
type bleveSegment struct {
	mu     sync.RWMutex
	kind   document.Kind
	index  bleve.Index
	closed bool
}

// Apply implements Segment. A bleve batch is introduced as one segment, so
// readers see either none or all of it. The owning Index serializes writers;
// the read lock only keeps Close out, so searches run alongside the batch.
func (s *bleveSegment) Apply(ctx context.Context, ops []Op) error {
	if len(ops) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("segment is closed")
	}

	batch := s.index.NewBatch()
	for _, op := range ops {
		switch op.Type {
		case OpUpsert:
			body, err := json.Marshal(op.Doc.Fields)
			if err != nil {
				return fmt.Errorf("failed to encode fields of %s: %w", op.Key, err)
			}
			data := make(map[string]interface{}, len(op.Doc.Fields)+1)
			for name, values := range op.Doc.Fields {
				data[name] = values
			}
			data[storedFieldsName] = string(body)
			if err := batch.Index(op.Key, data); err != nil {
				return fmt.Errorf("failed to index document %s: %w", op.Key, err)
			}
		case OpDelete:
			batch.Delete(op.Key)
		}
	}

	if err := s.index.Batch(batch); err != nil {
		return fmt.Errorf("failed to execute batch: %w", err)
	}
	return nil
}

// Search implements Segment. Each term becomes a boosted disjunction over the
// kind's fields and the terms are conjoined.
func (s *bleveSegment) Search(ctx context.Context, q Query, limit, offset int) (Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Result{}, fmt.Errorf("segment is closed")
	}
	if q.Empty() {
		return Result{Hits: []Hit{}}, nil
	}

	bq, err := s.buildQuery(q)
	if err != nil {
		return Result{}, err
	}

	req := bleve.NewSearchRequestOptions(bq, limit, offset, false)
	req.SortBy([]string{"-_score", "_id"})
	req.Fields = []string{storedFieldsName}

	res, err := s.index.SearchInContext(ctx, req)
	if err != nil {
		return Result{}, fmt.Errorf("search failed: %w", err)
	}

	hits := make([]Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		fields, err := decodeStoredFields(h.Fields[storedFieldsName])
		if err != nil {
			return Result{}, fmt.Errorf("%w: document %s: %v", ErrCorrupt, h.ID, err)
		}
		hits = append(hits, Hit{
			Key:     h.ID,
			Score:   h.Score,
			Fields:  fields,
			Matched: document.MatchedFields(fields, q.Terms),
		})
	}
	return Result{Total: int(res.Total), Hits: hits}, nil
}

func (s *bleveSegment) buildQuery(q Query) (query.Query, error) {
	specs, err := document.FieldSpecs(s.kind)
	if err != nil {
		return nil, err
	}
	conj := make([]query.Query, 0, len(q.Terms))
	for _, term := range q.Terms {
		disj := make([]query.Query, 0, len(specs))
		for _, spec := range specs {
			tq := bleve.NewTermQuery(term)
			tq.SetField(spec.Name)
			tq.SetBoost(spec.Boost)
			disj = append(disj, tq)
		}
		conj = append(conj, bleve.NewDisjunctionQuery(disj...))
	}
	return bleve.NewConjunctionQuery(conj...), nil
}

func decodeStoredFields(v interface{}) (document.Fields, error) {
	raw, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("stored fields missing")
	}
	var fields document.Fields
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// Keys implements Segment.
func (s *bleveSegment) Keys(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("segment is closed")
	}

	var keys []string
	var after []string
	for {
		req := bleve.NewSearchRequestOptions(bleve.NewMatchAllQuery(), keyPageSize, 0, false)
		req.SortBy([]string{"_id"})
		if after != nil {
			req.SearchAfter = after
		}
		res, err := s.index.SearchInContext(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("failed to list keys: %w", err)
		}
		for _, h := range res.Hits {
			keys = append(keys, h.ID)
		}
		if len(res.Hits) < keyPageSize {
			return keys, nil
		}
		after = []string{res.Hits[len(res.Hits)-1].ID}
	}
}

// Count implements Segment.
func (s *bleveSegment) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, fmt.Errorf("segment is closed")
	}
	n, err := s.index.DocCount()
	if err != nil {
		return 0, fmt.Errorf("failed to count documents: %w", err)
	}
	return int(n), nil
}

// Close implements Segment.
func (s *bleveSegment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.index.Close()
}

var _ Segment = (*bleveSegment)(nil)
var _ Backend = BleveBackend{}
