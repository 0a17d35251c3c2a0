package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DirWatcher watches one directory for feed files using fsnotify, falling
// back to polling when fsnotify cannot be set up. Subdirectories are ignored.
type DirWatcher struct {
	dir       string
	opts      Options
	debouncer *Debouncer
	logger    *slog.Logger

	mu      sync.Mutex
	mode    string
	stopped bool
}

// NewDirWatcher creates a watcher for dir.
func NewDirWatcher(dir string, opts Options, logger *slog.Logger) (*DirWatcher, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve absolute path: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.WithDefaults()
	return &DirWatcher{
		dir:       abs,
		opts:      opts,
		debouncer: NewDebouncer(opts.DebounceWindow),
		logger:    logger,
	}, nil
}

// Events returns debounced batches. The channel closes after Run returns.
func (w *DirWatcher) Events() <-chan []FileEvent {
	return w.debouncer.Output()
}

// Mode returns "fsnotify" or "polling" once Run has started.
func (w *DirWatcher) Mode() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.mode
}

// Dir returns the watched directory.
func (w *DirWatcher) Dir() string { return w.dir }

// Run watches until ctx is done. Feed files already present are reported as
// created, so nothing dropped while the process was down is missed.
func (w *DirWatcher) Run(ctx context.Context) error {
	defer w.stop()

	if !w.opts.ForcePolling {
		fsw, err := fsnotify.NewWatcher()
		if err == nil {
			if err = fsw.Add(w.dir); err == nil {
				defer fsw.Close()
				return w.runFsnotify(ctx, fsw)
			}
			_ = fsw.Close()
		}
		w.logger.Warn("fsnotify unavailable, polling feed directory",
			slog.String("dir", w.dir),
			slog.String("error", err.Error()))
	}

	w.setMode("polling")
	p := NewPollingWatcher(w.dir, w.opts.PollInterval)
	err := p.Run(ctx, w.debouncer.Add, w.logError)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (w *DirWatcher) runFsnotify(ctx context.Context, fsw *fsnotify.Watcher) error {
	w.setMode("fsnotify")

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("list feed directory: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() && isFeedFile(e.Name()) {
			w.debouncer.Add(FileEvent{Name: e.Name(), Operation: OpCreate, Timestamp: time.Now()})
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.handleFsnotifyEvent(event)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logError(err)
		}
	}
}

// handleFsnotifyEvent converts and filters an fsnotify event.
func (w *DirWatcher) handleFsnotifyEvent(event fsnotify.Event) {
	rel, err := filepath.Rel(w.dir, event.Name)
	if err != nil || !isFeedFile(rel) {
		return
	}

	var op Operation
	switch {
	case event.Op&fsnotify.Create != 0:
		op = OpCreate
	case event.Op&fsnotify.Write != 0:
		op = OpModify
	case event.Op&fsnotify.Remove != 0:
		op = OpDelete
	case event.Op&fsnotify.Rename != 0:
		op = OpRename
	default:
		return
	}

	w.debouncer.Add(FileEvent{Name: rel, Operation: op, Timestamp: time.Now()})
}

func (w *DirWatcher) logError(err error) {
	w.logger.Warn("feed_watch_error", slog.String("dir", w.dir), slog.String("error", err.Error()))
}

func (w *DirWatcher) setMode(mode string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.mode = mode
}

func (w *DirWatcher) stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	w.mu.Unlock()
	w.debouncer.Stop()
}
