package index

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Aman-CERP/vulnsearch/internal/document"
	verrors "github.com/Aman-CERP/vulnsearch/internal/errors"
	"github.com/Aman-CERP/vulnsearch/internal/store"
)

// Startup rebuild policies.
const (
	PolicyStale  = "stale"
	PolicyAlways = "always"
	PolicyNever  = "never"
)

// Progress reports one kind's rebuild starting or finishing.
type Progress struct {
	Kind  document.Kind
	Done  bool
	Stats store.RebuildStats
	Err   error
}

// ProgressFunc receives rebuild progress. It may be called concurrently.
type ProgressFunc func(Progress)

// RebuildObserver is told the outcome of every rebuild.
type RebuildObserver func(kind document.Kind, stats store.RebuildStats, err error)

// MaintainerConfig configures a Maintainer.
type MaintainerConfig struct {
	Indices     Indices
	Source      Source
	Coordinator *Coordinator
	Workers     int
	Logger      *slog.Logger
	Observer    RebuildObserver
}

// Maintainer rebuilds indices from the authoritative Source.
type Maintainer struct {
	indices  Indices
	source   Source
	coord    *Coordinator
	workers  int
	logger   *slog.Logger
	observer RebuildObserver
}

// NewMaintainer creates a Maintainer. Workers defaults to the CPU count,
// capped at the number of kinds.
func NewMaintainer(cfg MaintainerConfig) *Maintainer {
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if n := len(document.Kinds()); workers > n {
		workers = n
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Maintainer{
		indices:  cfg.Indices,
		source:   cfg.Source,
		coord:    cfg.Coordinator,
		workers:  workers,
		logger:   cfg.Logger,
		observer: cfg.Observer,
	}
}

// Documents projects the source's records of kind into search documents.
// Records that cannot be projected are logged and skipped.
func (m *Maintainer) Documents(ctx context.Context, kind document.Kind) iter.Seq2[document.SearchDocument, error] {
	return func(yield func(document.SearchDocument, error) bool) {
		for rec, err := range m.source.Records(ctx, kind) {
			if err != nil {
				yield(document.SearchDocument{}, err)
				return
			}
			doc, err := document.ToDocument(rec, kind)
			if err != nil {
				m.logger.Warn("rebuild_record_skipped",
					slog.String("kind", kind.Label()),
					slog.String("key", rec.RecordKey()),
					slog.String("error", err.Error()))
				continue
			}
			if !yield(doc, nil) {
				return
			}
		}
	}
}

// Rebuild rebuilds one kind. On failure the previous generation keeps serving.
func (m *Maintainer) Rebuild(ctx context.Context, kind document.Kind) (store.RebuildStats, error) {
	idx, err := m.indices.Index(kind)
	if err != nil {
		return store.RebuildStats{}, err
	}

	var epoch uint64
	if m.coord != nil {
		epoch = m.coord.dirtyEpoch(kind)
	}
	stats, err := idx.Rebuild(ctx, m.Documents(ctx, kind))
	if m.observer != nil {
		m.observer(kind, stats, err)
	}
	if err != nil {
		if m.coord != nil && !idx.Available() {
			// Writes queued during the failed run were dropped with it.
			m.coord.MarkDirty(kind)
		}
		return stats, err
	}
	if m.coord != nil && !m.coord.clearDirty(kind, epoch) {
		m.logger.Warn("rebuild_left_dirty",
			slog.String("kind", kind.Label()),
			slog.String("reason", "sync failed during rebuild"))
	}
	return stats, nil
}

// RebuildAll rebuilds every kind.
func (m *Maintainer) RebuildAll(ctx context.Context, progress ProgressFunc) ([]store.RebuildStats, error) {
	return m.RebuildKinds(ctx, document.Kinds(), progress)
}

// RebuildKinds rebuilds kinds in parallel, bounded by the worker count. A
// failing kind does not stop the others; every failure is returned.
func (m *Maintainer) RebuildKinds(ctx context.Context, kinds []document.Kind, progress ProgressFunc) ([]store.RebuildStats, error) {
	if len(kinds) == 0 {
		return nil, nil
	}

	start := time.Now()
	results := make([]store.RebuildStats, len(kinds))
	failures := make([]error, len(kinds))

	var g errgroup.Group
	g.SetLimit(m.workers)
	for i, kind := range kinds {
		g.Go(func() error {
			if progress != nil {
				progress(Progress{Kind: kind})
			}
			stats, err := m.Rebuild(ctx, kind)
			results[i] = stats
			if err != nil {
				failures[i] = fmt.Errorf("rebuild %s: %w", kind.Label(), err)
			}
			if progress != nil {
				progress(Progress{Kind: kind, Done: true, Stats: stats, Err: err})
			}
			return nil
		})
	}
	_ = g.Wait()

	m.logger.Info("rebuild_completed",
		slog.Int("kinds", len(kinds)),
		slog.Duration("duration", time.Since(start)))
	return results, errors.Join(failures...)
}

// StaleKinds returns the kinds that need a rebuild: unavailable indices,
// kinds marked dirty, and empty indices whose source holds records.
func (m *Maintainer) StaleKinds(ctx context.Context) ([]document.Kind, error) {
	var stale []document.Kind
	for _, kind := range document.Kinds() {
		isStale, err := m.isStale(ctx, kind)
		if err != nil {
			return nil, err
		}
		if isStale {
			stale = append(stale, kind)
		}
	}
	return stale, nil
}

func (m *Maintainer) isStale(ctx context.Context, kind document.Kind) (bool, error) {
	idx, err := m.indices.Index(kind)
	if err != nil {
		return false, err
	}
	if !idx.Available() {
		return true, nil
	}
	if m.coord != nil && m.coord.IsDirty(kind) {
		return true, nil
	}
	n, err := idx.Count(ctx)
	if err != nil {
		return true, nil
	}
	if n > 0 {
		return false, nil
	}
	for _, err := range m.source.Records(ctx, kind) {
		if err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// RebuildStale rebuilds only the kinds StaleKinds reports.
func (m *Maintainer) RebuildStale(ctx context.Context, progress ProgressFunc) ([]store.RebuildStats, error) {
	kinds, err := m.StaleKinds(ctx)
	if err != nil {
		return nil, err
	}
	if len(kinds) == 0 {
		m.logger.Debug("rebuild_skipped", slog.String("reason", "no stale kinds"))
		return nil, nil
	}
	return m.RebuildKinds(ctx, kinds, progress)
}

// RunStartupPolicy applies a maintenance.rebuild_on_startup policy.
func (m *Maintainer) RunStartupPolicy(ctx context.Context, policy string, progress ProgressFunc) ([]store.RebuildStats, error) {
	switch policy {
	case PolicyStale, "":
		return m.RebuildStale(ctx, progress)
	case PolicyAlways:
		return m.RebuildAll(ctx, progress)
	case PolicyNever:
		return nil, nil
	}
	return nil, verrors.ConfigError(fmt.Sprintf("unknown rebuild policy %q", policy), nil)
}

// RebuildLoop rebuilds dirty kinds every interval until ctx ends.
func (m *Maintainer) RebuildLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 || m.coord == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dirty := m.coord.DirtyKinds()
			if len(dirty) == 0 {
				continue
			}
			if _, err := m.RebuildKinds(ctx, dirty, nil); err != nil {
				m.logger.Warn("dirty_rebuild_failed", slog.String("error", err.Error()))
			}
		}
	}
}
