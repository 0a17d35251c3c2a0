package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Aman-CERP/vulnsearch/internal/catalog"
)

const (
	// ProcessedDir receives feed files that were imported.
	ProcessedDir = "processed"
	// FailedDir receives feed files that could not be imported, each with a
	// sibling ".err" file holding the error.
	FailedDir = "failed"
)

// Importer applies one feed file. *catalog.Catalog implements it.
type Importer interface {
	ImportFile(ctx context.Context, path string) (catalog.ImportResult, error)
}

// FeedObserver is told the outcome of every feed file.
type FeedObserver func(name string, res catalog.ImportResult, err error)

// FeedProcessor imports feed files dropped into a directory.
type FeedProcessor struct {
	dir      string
	importer Importer
	opts     Options
	observer FeedObserver
	logger   *slog.Logger
}

// FeedConfig configures a FeedProcessor.
type FeedConfig struct {
	Dir      string
	Importer Importer
	Options  Options
	Observer FeedObserver
	Logger   *slog.Logger
}

// NewFeedProcessor creates the feed directory layout and returns a processor.
func NewFeedProcessor(cfg FeedConfig) (*FeedProcessor, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	for _, d := range []string{cfg.Dir, filepath.Join(cfg.Dir, ProcessedDir), filepath.Join(cfg.Dir, FailedDir)} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return nil, fmt.Errorf("create feed directory: %w", err)
		}
	}
	return &FeedProcessor{
		dir:      cfg.Dir,
		importer: cfg.Importer,
		opts:     cfg.Options,
		observer: cfg.Observer,
		logger:   cfg.Logger,
	}, nil
}

// Run watches the feed directory and imports files until ctx is done.
// Files are imported one at a time in name order within each batch.
func (p *FeedProcessor) Run(ctx context.Context) error {
	w, err := NewDirWatcher(p.dir, p.opts, p.logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(gctx) })
	g.Go(func() error {
		for batch := range w.Events() {
			for _, ev := range batch {
				if ev.Operation == OpCreate || ev.Operation == OpModify {
					p.Process(gctx, ev.Name)
				}
			}
		}
		return nil
	})

	p.logger.Info("feed_watcher_started", slog.String("dir", p.dir))
	return g.Wait()
}

// Process imports the named feed file and moves it out of the feed directory.
// A file that vanished before processing is ignored.
func (p *FeedProcessor) Process(ctx context.Context, name string) {
	path := filepath.Join(p.dir, name)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return
	}

	start := time.Now()
	res, err := p.importer.ImportFile(ctx, path)
	if p.observer != nil {
		p.observer(name, res, err)
	}

	if err != nil {
		p.logger.Error("feed_failed",
			slog.String("file", name),
			slog.String("error", err.Error()))
		p.move(path, FailedDir)
		errPath := filepath.Join(p.dir, FailedDir, name+".err")
		if werr := os.WriteFile(errPath, []byte(err.Error()+"\n"), 0644); werr != nil {
			p.logger.Warn("feed_error_note_failed", slog.String("file", name), slog.String("error", werr.Error()))
		}
		return
	}

	attrs := []any{
		slog.String("file", name),
		slog.String("kind", res.Kind.Label()),
		slog.Int("created", res.Created),
		slog.Int("updated", res.Updated),
		slog.Int("deleted", res.Deleted),
		slog.Int("rejected", len(res.Rejected)),
		slog.Duration("duration", time.Since(start)),
	}
	if res.SyncErr != nil {
		attrs = append(attrs, slog.String("sync_error", res.SyncErr.Error()))
		p.logger.Warn("feed_processed_unsynced", attrs...)
	} else {
		p.logger.Info("feed_processed", attrs...)
	}
	p.move(path, ProcessedDir)
}

func (p *FeedProcessor) move(path, sub string) {
	dst := filepath.Join(p.dir, sub, filepath.Base(path))
	if err := os.Rename(path, dst); err != nil {
		p.logger.Error("feed_move_failed",
			slog.String("file", filepath.Base(path)),
			slog.String("to", sub),
			slog.String("error", err.Error()))
	}
}
