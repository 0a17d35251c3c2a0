package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Aman-CERP/vulnsearch/internal/document"
	verrors "github.com/Aman-CERP/vulnsearch/internal/errors"
)

// DefaultBatchSize is the number of documents applied per batch during a rebuild.
const DefaultBatchSize = 500

// IndexOptions configures one kind's index.
type IndexOptions struct {
	// Dir is the kind's directory. Empty means in-memory.
	Dir       string
	Backend   Backend
	BatchSize int
	Logger    *slog.Logger
}

// RebuildStats summarizes a completed rebuild.
type RebuildStats struct {
	Kind       document.Kind
	Generation uint64
	Documents  int
	Replayed   int
	Duration   time.Duration
}

// Index is the search index of one kind. Writes are staged with Upsert and
// Delete and become visible together on Commit. Queries always run against a
// single committed generation.
//
// Lock order is writeMu, then genMu.
type Index struct {
	kind      document.Kind
	backend   Backend
	dir       string
	batchSize int
	logger    *slog.Logger

	writeMu    sync.Mutex
	pending    []Op
	rebuilding bool
	tail       []Op

	genMu       sync.RWMutex
	seg         Segment
	manifest    Manifest
	unavailable error
	closed      bool

	version atomic.Uint64
}

// OpenIndex opens or creates the index of kind. When the stored generation
// cannot be used the index is still returned, in the unavailable state,
// together with an IndexUnavailable error; Rebuild recovers it.
func OpenIndex(kind document.Kind, opts IndexOptions) (*Index, error) {
	if !kind.Valid() {
		return nil, verrors.UnsupportedKind(string(kind))
	}
	if opts.Backend == nil {
		opts.Backend = BleveBackend{}
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	idx := &Index{
		kind:      kind,
		backend:   opts.Backend,
		dir:       opts.Dir,
		batchSize: opts.BatchSize,
		logger:    opts.Logger.With(slog.String("kind", kind.Label())),
	}

	if err := idx.load(); err != nil {
		idx.unavailable = verrors.IndexUnavailable(kind.Label(), err)
		idx.logger.Warn("index_unavailable",
			slog.String("backend", idx.backend.Name()),
			slog.String("error", err.Error()))
		return idx, idx.unavailable
	}

	idx.logger.Info("index_opened",
		slog.String("backend", idx.backend.Name()),
		slog.Uint64("generation", idx.manifest.Generation),
		slog.Int("documents", idx.manifest.Documents))
	return idx, nil
}

func (i *Index) load() error {
	if i.dir == "" {
		seg, err := i.backend.Create("", i.kind)
		if err != nil {
			return err
		}
		i.seg = seg
		i.manifest = i.newManifest(0, 0)
		return nil
	}

	if err := os.MkdirAll(i.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create index directory %s: %w", i.dir, err)
	}

	m, err := readManifest(i.dir)
	if err != nil {
		return err
	}

	if m == nil {
		path := generationPath(i.dir, 1, i.backend)
		if err := removeGeneration(path); err != nil {
			return err
		}
		seg, err := i.backend.Create(path, i.kind)
		if err != nil {
			return err
		}
		manifest := i.newManifest(1, 0)
		if err := writeManifest(i.dir, manifest); err != nil {
			_ = seg.Close()
			return err
		}
		i.seg = seg
		i.manifest = manifest
		i.removeStale(path)
		return nil
	}

	i.manifest = *m
	switch {
	case m.Kind != "" && m.Kind != i.kind:
		return fmt.Errorf("manifest describes a %s index", m.Kind.Label())
	case m.FieldSetVersion != document.FieldSetVersion:
		return fmt.Errorf("built with field-set version %d, want %d", m.FieldSetVersion, document.FieldSetVersion)
	case m.Backend != i.backend.Name():
		return fmt.Errorf("built with backend %q, configured backend is %q", m.Backend, i.backend.Name())
	}

	path := generationPath(i.dir, m.Generation, i.backend)
	seg, err := i.backend.Open(path, i.kind)
	if err != nil {
		return err
	}
	i.seg = seg
	i.removeStale(path)
	return nil
}

func (i *Index) newManifest(gen uint64, docs int) Manifest {
	return Manifest{
		Kind:            i.kind,
		Generation:      gen,
		Backend:         i.backend.Name(),
		FieldSetVersion: document.FieldSetVersion,
		Documents:       docs,
		BuiltAt:         time.Now().UTC(),
	}
}

// removeStale deletes every generation in the directory except keep.
func (i *Index) removeStale(keep string) {
	stale, err := staleGenerations(i.dir, keep)
	if err != nil {
		i.logger.Warn("stale_generation_scan_failed", slog.String("error", err.Error()))
		return
	}
	for _, path := range stale {
		if err := removeGeneration(path); err != nil {
			i.logger.Warn("stale_generation_remove_failed",
				slog.String("path", path),
				slog.String("error", err.Error()))
		}
	}
}

// Kind returns the kind this index holds.
func (i *Index) Kind() document.Kind {
	return i.kind
}

// Version changes on every commit, swap, and invalidation.
func (i *Index) Version() uint64 {
	return i.version.Load()
}

// Upsert stages doc, replacing any document with the same key on commit.
func (i *Index) Upsert(doc document.SearchDocument) error {
	if doc.Kind != i.kind {
		return verrors.InvalidRecord(i.kind.Label(),
			fmt.Sprintf("%s document staged into %s index", doc.Kind.Label(), i.kind.Label()), nil)
	}
	if doc.Key == "" {
		return verrors.InvalidRecord(i.kind.Label(), "document key is empty", nil)
	}

	i.writeMu.Lock()
	defer i.writeMu.Unlock()
	i.pending = append(i.pending, Op{Type: OpUpsert, Key: doc.Key, Doc: doc})
	return nil
}

// Delete stages the removal of key. Deleting an absent key is a no-op.
func (i *Index) Delete(key string) {
	i.writeMu.Lock()
	defer i.writeMu.Unlock()
	i.pending = append(i.pending, Op{Type: OpDelete, Key: key})
}

// Discard drops every staged write.
func (i *Index) Discard() {
	i.writeMu.Lock()
	defer i.writeMu.Unlock()
	i.pending = nil
}

// Pending returns the number of staged writes.
func (i *Index) Pending() int {
	i.writeMu.Lock()
	defer i.writeMu.Unlock()
	return len(i.pending)
}

// Commit applies the staged writes atomically. The staged batch is consumed
// whether or not the commit succeeds.
func (i *Index) Commit(ctx context.Context) error {
	i.writeMu.Lock()
	defer i.writeMu.Unlock()

	ops := i.pending
	i.pending = nil
	if len(ops) == 0 {
		return nil
	}

	i.genMu.RLock()
	if i.closed {
		i.genMu.RUnlock()
		return i.closedErr()
	}
	if i.unavailable != nil {
		err := i.unavailable
		i.genMu.RUnlock()
		if i.rebuilding {
			// Replayed onto the generation being built.
			i.tail = append(i.tail, ops...)
			return nil
		}
		return err
	}
	err := i.seg.Apply(ctx, ops)
	i.genMu.RUnlock()

	if err != nil {
		if errors.Is(err, ErrCorrupt) {
			i.Invalidate(err)
		}
		return fmt.Errorf("commit %s index: %w", i.kind.Label(), err)
	}
	if i.rebuilding {
		i.tail = append(i.tail, ops...)
	}
	i.version.Add(1)
	return nil
}

// Query runs q against the live generation.
func (i *Index) Query(ctx context.Context, q Query, limit, offset int) (Result, error) {
	if offset < 0 {
		offset = 0
	}

	i.genMu.RLock()
	if i.closed {
		i.genMu.RUnlock()
		return Result{}, i.closedErr()
	}
	if i.unavailable != nil {
		err := i.unavailable
		i.genMu.RUnlock()
		return Result{}, err
	}
	if q.Empty() || limit <= 0 {
		i.genMu.RUnlock()
		return Result{Hits: []Hit{}}, nil
	}
	res, err := i.seg.Search(ctx, q, limit, offset)
	i.genMu.RUnlock()

	if err != nil {
		if errors.Is(err, ErrCorrupt) {
			i.Invalidate(err)
			return Result{}, verrors.IndexUnavailable(i.kind.Label(), err)
		}
		return Result{}, err
	}
	return res, nil
}

// Keys returns every committed key in ascending order.
func (i *Index) Keys(ctx context.Context) ([]string, error) {
	i.genMu.RLock()
	defer i.genMu.RUnlock()
	if err := i.readableLocked(); err != nil {
		return nil, err
	}
	return i.seg.Keys(ctx)
}

// Count returns the number of committed documents.
func (i *Index) Count(ctx context.Context) (int, error) {
	i.genMu.RLock()
	defer i.genMu.RUnlock()
	if err := i.readableLocked(); err != nil {
		return 0, err
	}
	return i.seg.Count(ctx)
}

func (i *Index) readableLocked() error {
	if i.closed {
		return i.closedErr()
	}
	return i.unavailable
}

// Available reports whether queries can be served.
func (i *Index) Available() bool {
	i.genMu.RLock()
	defer i.genMu.RUnlock()
	return !i.closed && i.unavailable == nil
}

// Status reports the index state. Documents is counted live when available.
func (i *Index) Status(ctx context.Context) Status {
	i.writeMu.Lock()
	rebuilding := i.rebuilding
	i.writeMu.Unlock()

	i.genMu.RLock()
	defer i.genMu.RUnlock()

	st := Status{
		Kind:       i.kind,
		Backend:    i.backend.Name(),
		Generation: i.manifest.Generation,
		Version:    i.version.Load(),
		Documents:  i.manifest.Documents,
		Rebuilding: rebuilding,
		BuiltAt:    i.manifest.BuiltAt,
	}
	if err := i.readableLocked(); err != nil {
		st.Err = err
		return st
	}
	st.Available = true
	if n, err := i.seg.Count(ctx); err == nil {
		st.Documents = n
	}
	return st
}

// Invalidate marks the index unavailable until the next successful rebuild.
func (i *Index) Invalidate(cause error) {
	i.genMu.Lock()
	defer i.genMu.Unlock()
	if i.unavailable != nil || i.closed {
		return
	}
	i.unavailable = verrors.IndexUnavailable(i.kind.Label(), cause)
	i.version.Add(1)
	i.logger.Warn("index_invalidated", slog.String("error", fmt.Sprint(cause)))
}

// Rebuild builds a fresh generation from docs while the current generation
// keeps serving queries. Writes committed during the build are replayed onto
// the new generation before it is swapped in. On failure the current
// generation is left untouched.
func (i *Index) Rebuild(ctx context.Context, docs iter.Seq2[document.SearchDocument, error]) (RebuildStats, error) {
	start := time.Now()

	i.writeMu.Lock()
	i.genMu.RLock()
	closed := i.closed
	nextGen := i.manifest.Generation + 1
	i.genMu.RUnlock()
	if closed {
		i.writeMu.Unlock()
		return RebuildStats{}, i.closedErr()
	}
	if i.rebuilding {
		i.writeMu.Unlock()
		return RebuildStats{}, verrors.New(verrors.ErrCodeRebuildFailed,
			fmt.Sprintf("rebuild of %s index already running", i.kind.Label()), nil)
	}
	i.rebuilding = true
	i.tail = nil
	i.writeMu.Unlock()

	i.logger.Info("rebuild_started", slog.Uint64("generation", nextGen))

	var path string
	if i.dir != "" {
		path = generationPath(i.dir, nextGen, i.backend)
	}

	seg, built, err := i.build(ctx, path, docs)
	if err != nil {
		return RebuildStats{}, i.abortRebuild(seg, path, err)
	}

	i.writeMu.Lock()
	tail := i.tail
	if err := seg.Apply(ctx, tail); err != nil {
		i.writeMu.Unlock()
		return RebuildStats{}, i.abortRebuild(seg, path, fmt.Errorf("replay %d writes: %w", len(tail), err))
	}
	count, err := seg.Count(ctx)
	if err != nil {
		i.writeMu.Unlock()
		return RebuildStats{}, i.abortRebuild(seg, path, err)
	}
	manifest := i.newManifest(nextGen, count)
	if i.dir != "" {
		if err := writeManifest(i.dir, manifest); err != nil {
			i.writeMu.Unlock()
			return RebuildStats{}, i.abortRebuild(seg, path, err)
		}
	}

	i.genMu.Lock()
	if i.closed {
		i.genMu.Unlock()
		i.writeMu.Unlock()
		return RebuildStats{}, i.abortRebuild(seg, path, i.closedErr())
	}
	old, oldGen := i.seg, i.manifest.Generation
	i.seg = seg
	i.manifest = manifest
	i.unavailable = nil
	i.version.Add(1)
	i.genMu.Unlock()

	i.rebuilding = false
	i.tail = nil
	i.writeMu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			i.logger.Warn("old_generation_close_failed", slog.String("error", err.Error()))
		}
	}
	if i.dir != "" && oldGen != nextGen {
		i.removeStale(path)
	}

	stats := RebuildStats{
		Kind:       i.kind,
		Generation: nextGen,
		Documents:  count,
		Replayed:   len(tail),
		Duration:   time.Since(start),
	}
	i.logger.Info("rebuild_swapped",
		slog.Uint64("generation", nextGen),
		slog.Int("documents", count),
		slog.Int("source_documents", built),
		slog.Int("replayed", len(tail)),
		slog.Duration("duration", stats.Duration))
	return stats, nil
}

// build writes docs into a new segment at path in batches.
func (i *Index) build(ctx context.Context, path string, docs iter.Seq2[document.SearchDocument, error]) (Segment, int, error) {
	if path != "" {
		if err := removeGeneration(path); err != nil {
			return nil, 0, err
		}
	}
	seg, err := i.backend.Create(path, i.kind)
	if err != nil {
		return nil, 0, err
	}

	n := 0
	batch := make([]Op, 0, i.batchSize)
	for doc, err := range docs {
		if err != nil {
			return seg, n, err
		}
		if err := ctx.Err(); err != nil {
			return seg, n, err
		}
		if doc.Kind != i.kind {
			return seg, n, verrors.InvalidRecord(i.kind.Label(),
				fmt.Sprintf("%s document in %s rebuild", doc.Kind.Label(), i.kind.Label()), nil)
		}
		batch = append(batch, Op{Type: OpUpsert, Key: doc.Key, Doc: doc})
		n++
		if len(batch) >= i.batchSize {
			if err := seg.Apply(ctx, batch); err != nil {
				return seg, n, err
			}
			batch = make([]Op, 0, i.batchSize)
		}
	}
	if err := seg.Apply(ctx, batch); err != nil {
		return seg, n, err
	}
	return seg, n, nil
}

func (i *Index) abortRebuild(seg Segment, path string, cause error) error {
	if seg != nil {
		_ = seg.Close()
	}
	if path != "" {
		if err := i.backend.Remove(path); err != nil {
			i.logger.Warn("rebuild_cleanup_failed", slog.String("path", path), slog.String("error", err.Error()))
		}
	}

	i.writeMu.Lock()
	dropped := len(i.tail)
	i.rebuilding = false
	i.tail = nil
	i.genMu.RLock()
	unavailable := i.unavailable != nil
	i.genMu.RUnlock()
	i.writeMu.Unlock()

	i.logger.Error("rebuild_failed", slog.String("error", cause.Error()))
	if dropped > 0 && unavailable {
		// Those writes only lived in the tail; the next rebuild reads them from the source.
		i.logger.Warn("rebuild_tail_dropped",
			slog.String("kind", i.kind.Label()),
			slog.Int("writes", dropped))
	}
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		return cause
	}
	var ve *verrors.VulnError
	if errors.As(cause, &ve) {
		return cause
	}
	return verrors.New(verrors.ErrCodeRebuildFailed,
		fmt.Sprintf("rebuild of %s index failed", i.kind.Label()), cause).
		WithDetail("kind", i.kind.Label())
}

func (i *Index) closedErr() error {
	return verrors.New(verrors.ErrCodeIndexClosed, fmt.Sprintf("%s index is closed", i.kind.Label()), nil)
}

// Close releases the live generation. Staged writes are dropped.
func (i *Index) Close() error {
	i.writeMu.Lock()
	defer i.writeMu.Unlock()
	i.genMu.Lock()
	defer i.genMu.Unlock()

	if i.closed {
		return nil
	}
	i.closed = true
	i.pending = nil
	if i.seg != nil {
		return i.seg.Close()
	}
	return nil
}
